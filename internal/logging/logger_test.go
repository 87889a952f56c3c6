package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGlobalHelpers(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Debug("dropped")
	Info("route table rebuilt", zap.Int("routes", 3))
	Warn("registry fetch failed")
	Error("reload failed")

	entries := obs.All()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Message != "route table rebuilt" || entries[0].ContextMap()["routes"] != int64(3) {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[2].Level != zapcore.ErrorLevel {
		t.Errorf("level = %v", entries[2].Level)
	}
}

func TestNewWithConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	l, err := NewWithConfig(Config{Level: "warn", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("below level")
	l.Warn("key refresh failed", zap.String("source", "idp"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "below level") || !strings.Contains(out, `"source":"idp"`) {
		t.Errorf("log file = %s", out)
	}
	if !strings.Contains(out, `"timestamp"`) {
		t.Error("entries should carry the timestamp key")
	}
}
