package events

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"go.uber.org/zap"
)

// DefaultDebounceDelay is used when the throttler is built with a
// non-positive delay.
const DefaultDebounceDelay = 250 * time.Millisecond

// Throttler coalesces bursts of per-service change notifications into one
// event. Every ScheduleEvent call restarts the quiet period; when it elapses
// the accumulated services are published together.
type Throttler struct {
	pub       Publisher
	delay     time.Duration
	eventType Type
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	gen     uint64
	closed  bool
}

// ThrottlerOption configures a Throttler.
type ThrottlerOption func(*Throttler)

// WithEventType sets the type of the consolidated event (default
// ROUTE_CHANGED).
func WithEventType(t Type) ThrottlerOption {
	return func(th *Throttler) { th.eventType = t }
}

// WithPublishTimeout bounds each publish call.
func WithPublishTimeout(d time.Duration) ThrottlerOption {
	return func(th *Throttler) { th.timeout = d }
}

// NewThrottler creates a throttler publishing to pub after delay.
func NewThrottler(pub Publisher, delay time.Duration, opts ...ThrottlerOption) *Throttler {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	t := &Throttler{
		pub:       pub,
		delay:     delay,
		eventType: RouteChanged,
		timeout:   5 * time.Second,
		pending:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// ScheduleEvent adds service to the pending set and restarts the debounce
// timer. Blank names and calls after Shutdown are ignored.
func (t *Throttler) ScheduleEvent(service string) {
	service = strings.TrimSpace(service)
	if service == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending[service] = struct{}{}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.delay, func() { t.flush(gen) })
}

// flush publishes the pending set if gen is still the latest timer. A timer
// that fired while being replaced sees a newer gen and does nothing.
func (t *Throttler) flush(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen || len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	services := make([]string, 0, len(t.pending))
	for s := range t.pending {
		services = append(services, s)
	}
	t.pending = make(map[string]struct{})
	t.timer = nil
	t.mu.Unlock()

	sort.Strings(services)
	ev := New(t.eventType)
	ev.Operation = OpUpdate
	ev.Services = services

	if !t.SendEvent(context.Background(), ev) {
		logging.Error("Failed to publish consolidated change event",
			zap.String("event_id", ev.EventID),
			zap.Strings("services", services),
		)
		return
	}
	logging.Debug("Published consolidated change event",
		zap.String("event_id", ev.EventID),
		zap.Strings("services", services),
	)
}

// SendEvent publishes ev immediately, bypassing the debounce. Publish
// errors and panics are reported as false.
func (t *Throttler) SendEvent(ctx context.Context, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event publisher panicked",
				zap.String("event_id", ev.EventID),
				zap.Any("panic", r),
			)
			metrics.EventsPublished.WithLabelValues(string(ev.EventType), "error").Inc()
			ok = false
		}
	}()

	if ev.EventID == "" {
		ev.EventID = New(ev.EventType).EventID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var err error
	if t.pub == nil {
		err = fmt.Errorf("no publisher configured")
	} else {
		err = t.pub.Publish(ctx, ev)
	}
	metrics.EventsPublished.WithLabelValues(string(ev.EventType), metrics.Result(err)).Inc()
	if err != nil {
		logging.Warn("Event publish failed",
			zap.String("event_id", ev.EventID),
			zap.String("type", string(ev.EventType)),
			zap.Error(err),
		)
		return false
	}
	return true
}

// PendingServiceCount returns the number of services waiting to be flushed.
func (t *Throttler) PendingServiceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Shutdown cancels the pending timer and discards pending services. It is
// safe to call more than once.
func (t *Throttler) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = make(map[string]struct{})
}
