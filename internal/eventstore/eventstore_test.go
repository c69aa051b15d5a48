package eventstore

import (
	"testing"
	"time"

	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

func event(kind, email string, age time.Duration) proto.Event {
	return proto.Event{
		Kind:       kind,
		Actor:      proto.Actor{Email: email},
		OccurredAt: now.Add(-age),
	}
}

func TestHydrateDropsExpired(t *testing.T) {
	persisted := []proto.Event{
		event(proto.KindLogin, "old@x.com", 25*time.Hour),
		event(proto.KindLogin, "new@x.com", 23*time.Hour),
	}

	got := Hydrate(persisted, now)
	require.Len(t, got, 1)
	assert.Equal(t, "new@x.com", got[0].Actor.Email)

	// Input is untouched
	assert.Len(t, persisted, 2)
}

func TestHydrateBoundaryIsInclusive(t *testing.T) {
	got := Hydrate([]proto.Event{event(proto.KindLogin, "a@x.com", DefaultTTL)}, now)
	assert.Len(t, got, 1)

	got = Hydrate([]proto.Event{event(proto.KindLogin, "a@x.com", DefaultTTL+time.Nanosecond)}, now)
	assert.Empty(t, got)
}

func TestHydrateEmpty(t *testing.T) {
	assert.Empty(t, Hydrate(nil, now))
	assert.NotNil(t, Hydrate(nil, now))
}

func TestHydratePreservesOrder(t *testing.T) {
	persisted := []proto.Event{
		event("c", "3@x.com", time.Minute),
		event("a", "1@x.com", 3*time.Hour),
		event("b", "2@x.com", 2*time.Hour),
	}
	got := Hydrate(persisted, now)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].Kind, got[1].Kind, got[2].Kind})
}

func TestAppend(t *testing.T) {
	first := event(proto.KindLogin, "a@x.com", time.Minute)
	second := event(proto.KindLogin, "b@x.com", time.Minute)

	got, added := Append(nil, first)
	require.True(t, added)
	require.Len(t, got, 1)

	got, added = Append(got, second)
	require.True(t, added)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0])
	assert.Equal(t, second, got[1])
}

func TestAppendDuplicateIgnoresExtra(t *testing.T) {
	first := event(proto.KindReviewCreated, "a@x.com", time.Minute)
	first.Extra = map[string]any{"reviewId": "r1"}
	dup := first
	dup.Extra = map[string]any{"reviewId": "r2"}
	dup.Actor.Name = "Someone Else"

	seq, _ := Append(nil, first)
	got, added := Append(seq, dup)
	assert.False(t, added)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].Extra["reviewId"])
}

func TestAppendIsIdempotent(t *testing.T) {
	e := event(proto.KindLogin, "a@x.com", time.Minute)
	once, _ := Append(nil, e)
	twice, _ := Append(once, e)
	assert.Equal(t, once, twice)
}

func TestAppendDistinguishesKeyParts(t *testing.T) {
	base := event(proto.KindLogin, "a@x.com", time.Minute)
	seq, _ := Append(nil, base)

	otherKind := base
	otherKind.Kind = proto.KindLogout
	otherEmail := base
	otherEmail.Actor.Email = "b@x.com"
	otherTime := base
	otherTime.OccurredAt = base.OccurredAt.Add(time.Millisecond)

	for _, candidate := range []proto.Event{otherKind, otherEmail, otherTime} {
		var added bool
		seq, added = Append(seq, candidate)
		assert.True(t, added)
	}
	assert.Len(t, seq, 4)
}

func TestAppendComparesInstants(t *testing.T) {
	utc := event(proto.KindLogin, "a@x.com", time.Minute)
	local := utc
	local.OccurredAt = utc.OccurredAt.In(time.FixedZone("CEST", 2*60*60))

	seq, _ := Append(nil, utc)
	_, added := Append(seq, local)
	assert.False(t, added)
}

func TestAppendDoesNotAliasInput(t *testing.T) {
	existing := make([]proto.Event, 1, 8)
	existing[0] = event(proto.KindLogin, "a@x.com", time.Minute)

	got, added := Append(existing, event(proto.KindLogin, "b@x.com", time.Minute))
	require.True(t, added)

	got[0].Kind = "mutated"
	assert.Equal(t, proto.KindLogin, existing[0].Kind)
	assert.Len(t, existing, 1)
}

func TestEvictExpired(t *testing.T) {
	seq := []proto.Event{
		event("a", "1@x.com", 30*time.Hour),
		event("b", "2@x.com", time.Hour),
		event("c", "3@x.com", 25*time.Hour),
		event("d", "4@x.com", time.Minute),
	}

	got := EvictExpired(seq, now)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Kind)
	assert.Equal(t, "d", got[1].Kind)
	assert.Len(t, seq, 4)
	assert.Equal(t, "a", seq[0].Kind)
}

func TestEvictExpiredNoChangeReturnsInput(t *testing.T) {
	seq := []proto.Event{event("a", "1@x.com", time.Hour)}
	got := EvictExpired(seq, now)
	assert.Same(t, &seq[0], &got[0])
}

func TestEvictExpiredTTL(t *testing.T) {
	seq := []proto.Event{
		event("a", "1@x.com", 2*time.Hour),
		event("b", "2@x.com", 30*time.Minute),
	}
	got := EvictExpiredTTL(seq, now, time.Hour)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Kind)
}

func TestIndex(t *testing.T) {
	idx, err := NewIndex(2)
	require.NoError(t, err)

	a := event("a", "1@x.com", time.Minute)
	b := event("b", "2@x.com", time.Minute)
	c := event("c", "3@x.com", time.Minute)

	assert.False(t, idx.Seen(a.Key()))
	idx.RecordAll([]proto.Event{a, b})
	assert.True(t, idx.Seen(a.Key()))
	assert.True(t, idx.Seen(b.Key()))

	idx.Record(c.Key())
	assert.LessOrEqual(t, idx.Len(), 2)
	assert.True(t, idx.Seen(c.Key()))
}

func TestNewIndexDefaultsSize(t *testing.T) {
	idx, err := NewIndex(0)
	require.NoError(t, err)
	assert.NotNil(t, idx)
}

func TestIndexComplete(t *testing.T) {
	idx, err := NewIndex(2)
	require.NoError(t, err)
	assert.True(t, idx.Complete())

	a := event("a", "1@x.com", time.Minute)
	b := event("b", "2@x.com", time.Minute)
	c := event("c", "3@x.com", time.Minute)

	idx.Record(a.Key())
	assert.True(t, idx.Complete())

	// Re-recording a held key does not use capacity
	idx.Record(a.Key())
	assert.True(t, idx.Complete())

	idx.RecordAll([]proto.Event{b, c})
	assert.False(t, idx.Complete())
	assert.Equal(t, 2, idx.Len())
}

func TestAppendNew(t *testing.T) {
	a := event("a", "1@x.com", time.Minute)
	b := event("b", "2@x.com", time.Minute)

	existing := []proto.Event{a}
	got := AppendNew(existing, b)
	require.Len(t, got, 2)
	assert.Equal(t, b.Key(), got[1].Key())
	assert.Len(t, existing, 1)
}
