package proxy

import (
	"sync"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"go.uber.org/zap"
)

// breakers holds one consecutive-failure circuit breaker per backend,
// shared by every route forwarding to it.
type breakers struct {
	cfg config.BreakerConfig
	mu  sync.Mutex
	m   map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
}

func newBreakers(cfg config.BreakerConfig) *breakers {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	return &breakers{cfg: cfg, m: make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}])}
}

// get returns the breaker of backend, or nil when breaking is disabled.
func (b *breakers) get(backend string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	if b == nil || !b.cfg.Enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.m[backend]; ok {
		return cb
	}
	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        backend,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info("Circuit breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	b.m[backend] = cb
	metrics.BreakerState.WithLabelValues(backend).Set(0)
	return cb
}

// states returns the current state of every breaker by backend.
func (b *breakers) states() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.m))
	for name, cb := range b.m {
		out[name] = cb.State().String()
	}
	return out
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
