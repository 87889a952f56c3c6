package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/wudi/ignite/internal/errors"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"go.uber.org/zap"
)

// PanicFunc observes a recovered panic. stack is nil unless requested.
type PanicFunc func(r *http.Request, v any, stack []byte)

// RecoveryConfig configures Recovery.
type RecoveryConfig struct {
	Stack   bool
	OnPanic PanicFunc
}

func logPanic(r *http.Request, v any, stack []byte) {
	logging.Error("Panic recovered",
		zap.Any("error", v),
		zap.String("path", r.URL.Path),
		zap.String("correlation_id", CorrelationID(r)),
		zap.ByteString("stack", stack),
	)
}

// Recovery turns handler panics into a 500 JSON error and logs them with
// their stack.
func Recovery() Middleware {
	return RecoveryWithConfig(RecoveryConfig{Stack: true, OnPanic: logPanic})
}

// RecoveryWithConfig is Recovery with a custom observer. The panic value is
// never echoed to the client. http.ErrAbortHandler is re-raised.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				metrics.PanicsRecovered.Inc()
				if cfg.OnPanic != nil {
					var stack []byte
					if cfg.Stack {
						stack = debug.Stack()
					}
					cfg.OnPanic(r, v, stack)
				}
				e := errors.ErrInternalServer
				if id := CorrelationID(r); id != "" {
					e = e.WithCorrelationID(id)
				}
				e.WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
