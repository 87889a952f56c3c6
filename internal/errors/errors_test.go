package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name string
		err  *GatewayError
		want GatewayError
	}{
		{"singleton", ErrRouteNotFound, GatewayError{Code: 404, Message: "Route not found"}},
		{"details", ErrServiceUnavailable.WithDetails("Circuit breaker open for orders"),
			GatewayError{Code: 503, Message: "Service Unavailable", Details: "Circuit breaker open for orders"}},
		{"correlation id", ErrAccessDenied.WithCorrelationID("cid-1"),
			GatewayError{Code: 403, Message: "Access denied", CorrelationID: "cid-1"}},
		{"custom", New(418, "teapot"), GatewayError{Code: 418, Message: "teapot"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.err.WriteJSON(w)
			if w.Code != tt.want.Code {
				t.Errorf("status = %d, want %d", w.Code, tt.want.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var got GatewayError
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("body = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCopiesDoNotMutateSingletons(t *testing.T) {
	_ = ErrBadGateway.WithDetails("dial tcp: refused").WithCorrelationID("x")
	if ErrBadGateway.Details != "" || ErrBadGateway.CorrelationID != "" {
		t.Errorf("singleton mutated: %+v", ErrBadGateway)
	}
	if ErrBadGateway.Code != http.StatusBadGateway {
		t.Errorf("code = %d", ErrBadGateway.Code)
	}
}

func TestError(t *testing.T) {
	if got := ErrGatewayTimeout.Error(); got != "Gateway Timeout" {
		t.Errorf("Error() = %q", got)
	}
	if got := ErrBadRequest.WithDetails("missing field").Error(); got != "Bad Request: missing field" {
		t.Errorf("Error() = %q", got)
	}
}
