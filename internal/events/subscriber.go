package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"go.uber.org/zap"
)

// Handler consumes a decoded event.
type Handler func(ctx context.Context, ev Event)

// Subscriber listens on Redis pub/sub channels and dispatches decoded events
// to the handler registered for each channel. The subscription is
// re-established with exponential backoff when it drops.
type Subscriber struct {
	client redis.UniversalClient

	mu       sync.RWMutex
	handlers map[string]Handler

	healthy  atomic.Bool
	received atomic.Int64

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubscriber creates a subscriber on client.
func NewSubscriber(client redis.UniversalClient) *Subscriber {
	return &Subscriber{
		client:         client,
		handlers:       make(map[string]Handler),
		initialBackoff: time.Second,
		maxBackoff:     time.Minute,
	}
}

// Handle registers h for channel. It must be called before Run.
func (s *Subscriber) Handle(channel string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[channel] = h
}

// Channels returns the registered channel names.
func (s *Subscriber) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for c := range s.handlers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Healthy reports whether the subscription is currently established.
func (s *Subscriber) Healthy() bool { return s.healthy.Load() }

// Received returns the number of messages dispatched so far.
func (s *Subscriber) Received() int64 { return s.received.Load() }

// Run subscribes until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		confirmed, err := s.subscribe(ctx)
		if ctx.Err() != nil {
			s.healthy.Store(false)
			return
		}
		if confirmed {
			b.Reset()
		}
		wait := b.NextBackOff()
		logging.Warn("Event subscription lost, will retry",
			zap.Strings("channels", s.Channels()),
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		s.healthy.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Subscriber) subscribe(ctx context.Context) (bool, error) {
	channels := s.Channels()
	if len(channels) == 0 {
		<-ctx.Done()
		return false, ctx.Err()
	}

	pubsub := s.client.Subscribe(ctx, channels...)
	defer func() {
		if err := pubsub.Close(); err != nil {
			logging.Debug("Failed to close pubsub", zap.Error(err))
		}
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscription failed: %w", err)
	}
	s.healthy.Store(true)
	logging.Info("Event subscription started", zap.Strings("channels", channels))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("subscription channel closed")
			}
			s.Dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// Dispatch decodes payload and hands it to the channel's handler. Malformed
// payloads are logged and dropped; handler panics are recovered so one bad
// event cannot stop the listener.
func (s *Subscriber) Dispatch(ctx context.Context, channel string, payload []byte) {
	s.mu.RLock()
	h := s.handlers[channel]
	s.mu.RUnlock()
	if h == nil {
		return
	}

	ev, err := Decode(payload)
	if err != nil {
		metrics.EventsReceived.WithLabelValues("unknown", "malformed").Inc()
		logging.Warn("Dropping malformed event",
			zap.String("channel", channel),
			zap.Int("size", len(payload)),
			zap.Error(err),
		)
		return
	}
	s.received.Add(1)

	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event handler panicked",
				zap.String("channel", channel),
				zap.String("event_id", ev.EventID),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, ev)
}
