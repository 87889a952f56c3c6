package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnOverridesChange(t *testing.T) {
	dir := t.TempDir()
	overrides := filepath.Join(dir, "clients.yaml")
	cfgPath := filepath.Join(dir, "gateway.yaml")

	if err := os.WriteFile(overrides, []byte("clients:\n  - client_id: c1\n    rules: [\"a:*\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfgPath, []byte("client_access:\n  overrides_file: "+overrides+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(cfgPath)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	changed := make(chan *Config, 1)
	w.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(overrides, []byte("clients:\n  - client_id: c1\n  - client_id: c2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if len(c.ClientAccess.Overrides) != 2 {
			t.Errorf("expected 2 overrides after reload, got %d", len(c.ClientAccess.Overrides))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if got := len(w.GetConfig().ClientAccess.Overrides); got != 2 {
		t.Errorf("GetConfig should return reloaded config, got %d overrides", got)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(cfgPath, []byte("listen:\n  address: \":8080\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
