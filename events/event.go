// Package events implements the engine's process-wide event bus. Emitters
// publish named events, subscribers register for exact names or glob
// patterns, and every handler runs inside an error-isolating wrapper so that
// one misbehaving subscriber can never break another or the emitter.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Event is the canonical payload delivered to every subscriber. The same
// instance is shared across handlers, so handlers must treat it as read-only.
type Event struct {
	// ID is a unique identifier assigned at emission.
	ID string `json:"id"`
	// Name is the dot-delimited event name, e.g. "points.awarded".
	Name string `json:"name"`
	// Data carries the event-specific fields.
	Data map[string]interface{} `json:"data"`
	// Timestamp is the emission time in milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// At returns the emission time as a time.Time.
func (e *Event) At() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// UserID extracts the "userId" field from the event data, returning an empty
// string when the event is not user-scoped.
func (e *Event) UserID() string {
	if e.Data == nil {
		return ""
	}
	id, ok := e.Data["userId"].(string)
	if !ok {
		return ""
	}
	return id
}

// ErrInvalidName is returned by Emit for names that are empty or contain
// characters outside [a-z0-9._-].
var ErrInvalidName = errors.New("events: invalid event name")

// ValidName reports whether name is a non-empty sequence of dot-delimited
// tokens over [a-z0-9._-].
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	lastDot := true // a leading dot would make an empty first token.
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '.':
			if lastDot {
				return false
			}
			lastDot = true
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
			lastDot = false
		default:
			return false
		}
	}
	return !lastDot
}

// newEvent packages name and data into an Event with a fresh id and the
// current timestamp.
func newEvent(name string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		ID:        uuid.NewString(),
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}
