// Package eventstore holds the canonical ordered, deduplicated, TTL-bounded
// event sequence.
//
// All functions are pure: they never modify the slices they are given and
// return either the input unchanged or a freshly allocated slice. This lets
// the owner publish each result as an atomic replacement of the whole sequence.
package eventstore

import (
	"time"

	"github.com/nkkko/reviewfeed/pkg/proto"
)

// DefaultTTL is the maximum age an event may reach before it is evicted
const DefaultTTL = 24 * time.Hour

// Hydrate filters persisted events to those not older than DefaultTTL
func Hydrate(persisted []proto.Event, now time.Time) []proto.Event {
	return HydrateTTL(persisted, now, DefaultTTL)
}

// HydrateTTL filters persisted events to those with now - OccurredAt <= ttl,
// preserving order.
func HydrateTTL(persisted []proto.Event, now time.Time, ttl time.Duration) []proto.Event {
	out := make([]proto.Event, 0, len(persisted))
	for _, e := range persisted {
		if alive(e, now, ttl) {
			out = append(out, e)
		}
	}
	return out
}

// EvictExpired applies the DefaultTTL filter to the live sequence
func EvictExpired(existing []proto.Event, now time.Time) []proto.Event {
	return EvictExpiredTTL(existing, now, DefaultTTL)
}

// EvictExpiredTTL applies the ttl filter to the live sequence. When nothing
// expired the input slice is returned as is, so callers can detect "no change"
// by length.
func EvictExpiredTTL(existing []proto.Event, now time.Time, ttl time.Duration) []proto.Event {
	for i, e := range existing {
		if !alive(e, now, ttl) {
			out := make([]proto.Event, i, len(existing))
			copy(out, existing[:i])
			for _, rest := range existing[i+1:] {
				if alive(rest, now, ttl) {
					out = append(out, rest)
				}
			}
			return out
		}
	}
	return existing
}

// Append adds candidate at the end of existing unless an element with an equal
// dedup key is already present. It reports whether the candidate was added.
// A duplicate returns existing itself.
func Append(existing []proto.Event, candidate proto.Event) ([]proto.Event, bool) {
	if Contains(existing, candidate.Key()) {
		return existing, false
	}
	return AppendNew(existing, candidate), true
}

// AppendNew adds candidate at the end of a copy of existing without looking
// for duplicates. The caller must already know the key is absent.
func AppendNew(existing []proto.Event, candidate proto.Event) []proto.Event {
	out := make([]proto.Event, len(existing), len(existing)+1)
	copy(out, existing)
	return append(out, candidate)
}

// Contains reports whether any event in events has the given key
func Contains(events []proto.Event, key proto.DedupKey) bool {
	for _, e := range events {
		if e.Key() == key {
			return true
		}
	}
	return false
}

func alive(e proto.Event, now time.Time, ttl time.Duration) bool {
	return now.Sub(e.OccurredAt) <= ttl
}
