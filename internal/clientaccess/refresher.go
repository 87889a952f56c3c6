package clientaccess

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wudi/ignite/internal/events"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"github.com/wudi/ignite/internal/scheduler"
	"go.uber.org/zap"
)

// Mode is the active refresh driver.
type Mode int32

const (
	ModeEvent Mode = iota
	ModePolling
)

func (m Mode) String() string {
	if m == ModePolling {
		return "polling"
	}
	return "event"
}

// ParseMode parses "event" or "polling".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "event":
		return ModeEvent, nil
	case "polling":
		return ModePolling, nil
	}
	return ModeEvent, fmt.Errorf("unknown refresh mode %q", s)
}

// Pinger checks the health of the event transport.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	Mode            Mode
	PollingInterval time.Duration
	DedupTTL        time.Duration
}

// Refresher keeps the store current. In event mode it applies change events
// from the pub/sub channel; when the transport's health check fails it
// switches to polling and does full reloads every interval until a live
// event arrives again.
type Refresher struct {
	store    *Store
	pinger   Pinger
	dedup    *events.Dedup
	interval time.Duration
	mode     atomic.Int32
}

// NewRefresher creates a refresher. A nil pinger forces polling mode.
func NewRefresher(store *Store, pinger Pinger, cfg RefresherConfig) *Refresher {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 30 * time.Second
	}
	r := &Refresher{
		store:    store,
		pinger:   pinger,
		dedup:    events.NewDedup(cfg.DedupTTL),
		interval: cfg.PollingInterval,
	}
	mode := cfg.Mode
	if pinger == nil {
		mode = ModePolling
	}
	r.mode.Store(int32(mode))
	metrics.SetRefreshMode(mode.String())
	return r
}

// Mode returns the current refresh mode.
func (r *Refresher) Mode() Mode { return Mode(r.mode.Load()) }

func (r *Refresher) switchMode(to Mode, reason string) {
	from := Mode(r.mode.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.SetRefreshMode(to.String())
	logging.Info("Client access refresh mode changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	)
}

// HandleEvent applies a change event. Duplicates within the dedup window are
// dropped. Receiving any event proves the transport is alive, so polling
// mode switches back to event mode.
func (r *Refresher) HandleEvent(ctx context.Context, ev events.Event) {
	if ev.EventType != events.ClientAccessChanged {
		metrics.EventsReceived.WithLabelValues(string(ev.EventType), "ignored").Inc()
		return
	}
	if r.dedup.Seen(ev.EventID) {
		metrics.EventsReceived.WithLabelValues(string(ev.EventType), "duplicate").Inc()
		logging.Debug("Dropping duplicate client access event", zap.String("event_id", ev.EventID))
		return
	}
	metrics.EventsReceived.WithLabelValues(string(ev.EventType), "handled").Inc()

	if r.Mode() == ModePolling && r.pinger != nil {
		r.switchMode(ModeEvent, "event received")
	}

	if ev.IsFullReload() {
		n, err := r.store.LoadAllConfigurations(ctx)
		metrics.ClientAccessReloads.WithLabelValues("full", metrics.Result(err)).Inc()
		logging.Debug("Client access full reload from event",
			zap.String("event_id", ev.EventID),
			zap.Int("clients", n),
			zap.Error(err),
		)
		return
	}

	n, err := r.store.Refresh(ctx, ev.ClientIDs)
	metrics.ClientAccessReloads.WithLabelValues("targeted", metrics.Result(err)).Inc()
	if err != nil {
		logging.Warn("Client access targeted refresh had failures",
			zap.String("event_id", ev.EventID),
			zap.Strings("client_ids", ev.ClientIDs),
			zap.Int("refreshed", n),
			zap.Error(err),
		)
	}
}

// CheckHealth pings the transport. A failure in event mode switches to
// polling.
func (r *Refresher) CheckHealth(ctx context.Context) error {
	if r.pinger == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.pinger.Ping(ctx); err != nil {
		if r.Mode() == ModeEvent {
			logging.Error("Event transport health check failed, falling back to polling", zap.Error(err))
			r.switchMode(ModePolling, "health check failed")
		}
		return err
	}
	return nil
}

// Poll is the polling tick: expired dedup entries are purged, then a full
// reload runs if and only if the refresher is in polling mode.
func (r *Refresher) Poll(ctx context.Context) error {
	if n := r.dedup.Purge(); n > 0 {
		logging.Debug("Purged client access event ids", zap.Int("count", n))
	}
	if r.Mode() != ModePolling {
		return nil
	}
	_, err := r.store.LoadAllConfigurations(ctx)
	metrics.ClientAccessReloads.WithLabelValues("poll", metrics.Result(err)).Inc()
	return err
}

// Start registers the health check and polling tasks.
func (r *Refresher) Start(s *scheduler.Scheduler) error {
	if err := s.Every("client-access:health", r.interval, r.CheckHealth); err != nil {
		return err
	}
	return s.Every("client-access:poll", r.interval, r.Poll)
}
