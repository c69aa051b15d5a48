package eventstore

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/reviewfeed/pkg/proto"
)

// DefaultIndexSize bounds the number of keys the index remembers
const DefaultIndexSize = 4096

// Index remembers recently seen dedup keys so duplicates can be rejected
// without scanning the sequence.
//
// A hit means the key was appended at some point in this session. Because the
// key embeds OccurredAt, an event whose key was seen and since evicted is itself
// expired, so a hit is always safe to reject once the candidate passed the TTL
// check. A miss is authoritative only while the index is Complete; after that
// the caller must fall back to Contains.
type Index struct {
	keys *lru.TwoQueueCache
	size int
}

// NewIndex creates an index holding at most size keys
func NewIndex(size int) (*Index, error) {
	if size <= 0 {
		size = DefaultIndexSize
	}
	keys, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}
	return &Index{keys: keys, size: size}, nil
}

// Seen reports whether key was recorded
func (i *Index) Seen(key proto.DedupKey) bool {
	return i.keys.Contains(key)
}

// Record remembers key
func (i *Index) Record(key proto.DedupKey) {
	i.keys.Add(key, struct{}{})
}

// RecordAll remembers the keys of all events, oldest first
func (i *Index) RecordAll(events []proto.Event) {
	for _, e := range events {
		i.Record(e.Key())
	}
}

// Len returns the number of keys currently held
func (i *Index) Len() int {
	return i.keys.Len()
}

// Complete reports whether the index still holds every key ever recorded.
// Keys only leave by capacity eviction, so that is true while it is not full.
func (i *Index) Complete() bool {
	return i.keys.Len() < i.size
}
