package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middlewares
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Then chains the middlewares and returns the final handler. The first
// middleware is outermost: it sees the request first and the response last.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}

	for i := len(c.middlewares) - 1; i >= 0; i-- {
		if c.middlewares[i] == nil {
			continue
		}
		h = c.middlewares[i](h)
	}

	return h
}

// Append adds middlewares to the chain and returns a new chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	newMiddlewares := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	newMiddlewares = append(newMiddlewares, c.middlewares...)
	newMiddlewares = append(newMiddlewares, middlewares...)
	return &Chain{middlewares: newMiddlewares}
}

// Len returns the number of middlewares in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// StatusRecorder captures the status code and bytes written by the wrapped
// handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int64
	wrote  bool
}

// NewStatusRecorder wraps w with a recorder defaulting to 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (s *StatusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.Status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *StatusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	n, err := s.ResponseWriter.Write(b)
	s.Bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher when the underlying writer does.
func (s *StatusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *StatusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
