// Package events carries registry change notifications between gateway
// instances: the event model, pub/sub transport, deduplication and the
// debounced route-change throttler.
package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Type is the kind of change an event announces.
type Type string

const (
	RouteChanged        Type = "ROUTE_CHANGED"
	ClientAccessChanged Type = "CLIENT_ACCESS_CHANGED"
	RateLimitChanged    Type = "RATE_LIMIT_CHANGED"
)

// Operations carried by events. An empty operation on a client access event
// with no client ids is treated as a full reload.
const (
	OpCreate     = "CREATE"
	OpUpdate     = "UPDATE"
	OpDelete     = "DELETE"
	OpFullReload = "FULL_RELOAD"
	OpReloadAll  = "RELOAD_ALL"
)

// ErrMalformed is returned by Decode for payloads that are not event objects.
var ErrMalformed = errors.New("malformed event payload")

// Event is a change notification.
type Event struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
	EventType Type      `json:"eventType"`
	Operation string    `json:"operation,omitempty"`
	Services  []string  `json:"services,omitempty"`
	Routes    []string  `json:"routes,omitempty"`
	ClientIDs []string  `json:"clientIds,omitempty"`
}

// New returns an event of type t with a fresh id and the current time.
func New(t Type) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: t,
	}
}

// Encode serializes the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// IsFullReload reports whether the event asks for a reload of everything
// rather than of the listed client ids.
func (e Event) IsFullReload() bool {
	switch strings.ToUpper(e.Operation) {
	case OpFullReload, OpReloadAll:
		return true
	}
	return len(e.ClientIDs) == 0
}

// Decode parses a wire payload. The id lists may be JSON arrays or comma
// separated strings, and the timestamp may be RFC 3339 or epoch millis.
func Decode(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, ErrMalformed
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Event{}, ErrMalformed
	}

	ev := Event{
		EventID:   root.Get("eventId").String(),
		EventType: Type(strings.ToUpper(strings.TrimSpace(root.Get("eventType").String()))),
		Operation: strings.ToUpper(strings.TrimSpace(root.Get("operation").String())),
		Services:  stringList(root.Get("services")),
		Routes:    stringList(root.Get("routes")),
		ClientIDs: stringList(root.Get("clientIds")),
	}
	if ev.EventType == "" {
		return Event{}, ErrMalformed
	}

	ts := root.Get("timestamp")
	switch ts.Type {
	case gjson.Number:
		ev.Timestamp = time.UnixMilli(ts.Int()).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			ev.Timestamp = t
		}
	}
	return ev, nil
}

func stringList(r gjson.Result) []string {
	var raw []string
	switch {
	case !r.Exists():
		return nil
	case r.IsArray():
		for _, e := range r.Array() {
			raw = append(raw, e.String())
		}
	default:
		raw = strings.Split(r.String(), ",")
	}
	out := raw[:0]
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
