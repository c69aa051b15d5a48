package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire keys of the core event fields. Every other top-level key is carried in Extra.
const (
	FieldKind       = "event"
	FieldActor      = "user"
	FieldOccurredAt = "timestamp"
)

// Known event kinds emitted by the review platform backend
const (
	KindLogin         = "login"
	KindLogout        = "logout"
	KindSignup        = "signup"
	KindReviewCreated = "review_created"
	KindReviewUpdated = "review_updated"
	KindReviewDeleted = "review_deleted"
	KindUserCreated   = "user_created"
	KindUserUpdated   = "user_updated"
	KindUserDeleted   = "user_deleted"
)

// Actor identifies the user who performed an activity
type Actor struct {
	Name     string `json:"name"`
	LastName string `json:"lastName"`
	Email    string `json:"email"`
}

// Event is one user-activity notification streamed from the backend
type Event struct {
	Kind       string
	Actor      Actor
	OccurredAt time.Time
	Extra      map[string]any
}

// DedupKey is the identity of an event. Two events with equal keys are the same event.
type DedupKey struct {
	OccurredAt int64 // unix nanoseconds, UTC
	Email      string
	Kind       string
}

// String renders the key for logs
func (k DedupKey) String() string {
	return fmt.Sprintf("%s|%s|%s", time.Unix(0, k.OccurredAt).UTC().Format(time.RFC3339Nano), k.Email, k.Kind)
}

// Key returns the dedup key of the event
func (e Event) Key() DedupKey {
	return DedupKey{
		OccurredAt: e.OccurredAt.UnixNano(),
		Email:      e.Actor.Email,
		Kind:       e.Kind,
	}
}

// Age returns how old the event is relative to now
func (e Event) Age(now time.Time) time.Duration {
	return now.Sub(e.OccurredAt)
}

// MarshalJSON writes the event in its wire form: core fields plus Extra flattened
// into the same object. Extra keys never override core fields.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+3)
	for k, v := range e.Extra {
		out[k] = v
	}
	out[FieldKind] = e.Kind
	out[FieldActor] = e.Actor
	out[FieldOccurredAt] = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// DisplayKind returns the kind or a placeholder when the server sent none
func (e Event) DisplayKind() string {
	if e.Kind == "" {
		return "Unknown"
	}
	return e.Kind
}

// DisplayName returns "Name LastName" with placeholders for missing parts
func (a Actor) DisplayName() string {
	return orPlaceholder(a.Name) + " " + orPlaceholder(a.LastName)
}

// DisplayEmail returns the email or a placeholder
func (a Actor) DisplayEmail() string {
	return orPlaceholder(a.Email)
}

func orPlaceholder(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// ConnectionState is the state of the push connection
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateOpen         ConnectionState = "open"
	StateReconnecting ConnectionState = "reconnecting"
	StateClosed       ConnectionState = "closed"
)

// Terminal reports whether no further transitions can happen
func (s ConnectionState) Terminal() bool {
	return s == StateClosed
}
