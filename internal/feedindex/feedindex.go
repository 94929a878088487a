// Package feedindex implements FeedIndex: a bounded, time-descending,
// id-unique set of event descriptors, serialized to the swarm object
// format ("index.json").
package feedindex

import (
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/nostrswarm/bridge/internal/codec"
)

const DefaultLimit = 100

// Entry is one descriptor in the feed index.
type Entry struct {
	ID     string `json:"id"`
	Magnet string `json:"magnet"`
	TS     uint64 `json:"ts"`
	Kind   uint32 `json:"kind"`
}

// Index is the in-memory, bounded, time-ordered index.
type Index struct {
	UpdatedAt uint64  `json:"updated_at"`
	Items     []Entry `json:"items"`

	limit int
}

// New returns an empty index bounded to limit entries (DefaultLimit if
// limit <= 0).
func New(limit int) *Index {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Index{limit: limit}
}

// Add inserts evt/magnet into the index. A no-op if evt.ID is already
// present. Otherwise prepends the new entry, re-sorts by ts descending,
// truncates to the configured limit, and refreshes UpdatedAt.
func (idx *Index) Add(evt *codec.Event, magnetURI string) {
	for _, it := range idx.Items {
		if it.ID == evt.ID {
			return
		}
	}

	idx.Items = append([]Entry{{
		ID:     evt.ID,
		Magnet: magnetURI,
		TS:     uint64(evt.CreatedAt),
		Kind:   uint32(evt.Kind),
	}}, idx.Items...)

	sort.SliceStable(idx.Items, func(i, j int) bool {
		return idx.Items[i].TS > idx.Items[j].TS
	})

	limit := idx.limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(idx.Items) > limit {
		idx.Items = idx.Items[:limit]
	}

	idx.UpdatedAt = uint64(time.Now().Unix())
}

// ToBytes serializes the index as JSON in field order
// {updated_at, items}.
func (idx *Index) ToBytes() []byte {
	b, err := json.Marshal(idx)
	if err != nil {
		// Index fields are all plain JSON-safe types; marshal cannot fail.
		log.Printf("[feedindex] unexpected marshal error: %v", err)
		return []byte(`{"updated_at":0,"items":[]}`)
	}
	return b
}

// FromBytes parses a serialized index. Invalid input yields an empty
// index rather than panicking; the caller may log a warning.
func FromBytes(data []byte, limit int) *Index {
	idx := New(limit)
	if err := json.Unmarshal(data, idx); err != nil {
		log.Printf("[feedindex] discarding malformed index bytes: %v", err)
		return New(limit)
	}
	idx.limit = limit
	return idx
}
