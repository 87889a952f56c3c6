// Package errors defines the JSON error responses the gateway writes on
// behalf of routes, filters and the proxy.
package errors

import (
	"encoding/json"
	"net/http"
)

// GatewayError is returned to clients as a JSON body. Filters write one of
// these and stop the chain instead of producing ad-hoc responses.
type GatewayError struct {
	Code          int    `json:"code"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// WriteJSON writes the error with its status code. Bare singletons use
// their pre-encoded body.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preEncoded[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

var (
	ErrNotFound           = newBase(http.StatusNotFound, "Not Found")
	ErrRouteNotFound      = newBase(http.StatusNotFound, "Route not found")
	ErrBadRequest         = newBase(http.StatusBadRequest, "Bad Request")
	ErrInvalidToken       = newBase(http.StatusUnauthorized, "Invalid Token")
	ErrTokenVerification  = newBase(http.StatusUnauthorized, "Token verification failed")
	ErrAccessDenied       = newBase(http.StatusForbidden, "Access denied")
	ErrTooManyRequests    = newBase(http.StatusTooManyRequests, "Too Many Requests")
	ErrInternalServer     = newBase(http.StatusInternalServerError, "Internal Server Error")
	ErrBadGateway         = newBase(http.StatusBadGateway, "Bad Gateway")
	ErrServiceUnavailable = newBase(http.StatusServiceUnavailable, "Service Unavailable")
	ErrGatewayTimeout     = newBase(http.StatusGatewayTimeout, "Gateway Timeout")
)

var preEncoded = make(map[*GatewayError][]byte)

func newBase(code int, message string) *GatewayError {
	e := &GatewayError{Code: code, Message: message}
	b, _ := json.Marshal(e)
	preEncoded[e] = append(b, '\n')
	return e
}

// New creates a GatewayError.
func New(code int, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// WithDetails returns a copy of e carrying details.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCorrelationID returns a copy of e tagged with the request's correlation id.
func (e *GatewayError) WithCorrelationID(id string) *GatewayError {
	cp := *e
	cp.CorrelationID = id
	return &cp
}
