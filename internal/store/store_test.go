package store

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveEvent_InsertsNewEvent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	evt := &nostr.Event{ID: "a", PubKey: "pk1", Kind: 1, CreatedAt: 100, Content: "hello"}
	res, err := s.SaveEvent(ctx, evt)
	if err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if res.Changes != 1 {
		t.Fatalf("expected 1 change, got %d", res.Changes)
	}
}

func TestSaveEvent_DuplicateIDIsNoOp(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	evt := &nostr.Event{ID: "a", PubKey: "pk1", Kind: 1, CreatedAt: 100, Content: "hello"}
	s.SaveEvent(ctx, evt)
	res, err := s.SaveEvent(ctx, evt)
	if err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if res.Changes != 0 {
		t.Fatalf("expected 0 changes for duplicate id, got %d", res.Changes)
	}
}

func TestSaveEvent_ReplaceableKindDeletesOlder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	old := &nostr.Event{ID: "old", PubKey: "pk1", Kind: 0, CreatedAt: 100, Content: "v1"}
	newer := &nostr.Event{ID: "new", PubKey: "pk1", Kind: 0, CreatedAt: 200, Content: "v2"}

	s.SaveEvent(ctx, old)
	s.SaveEvent(ctx, newer)

	got, err := s.QueryEvents(ctx, Filter{Authors: []string{"pk1"}, Kinds: []int{0}})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("expected only the newer profile event, got %+v", got)
	}
}

func TestSaveEvent_ParameterizedReplaceableScopedByDTag(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	a1 := &nostr.Event{ID: "a1", PubKey: "pk1", Kind: 30078, CreatedAt: 100, Tags: nostr.Tags{{"d", "feed-a"}}}
	a2 := &nostr.Event{ID: "a2", PubKey: "pk1", Kind: 30078, CreatedAt: 200, Tags: nostr.Tags{{"d", "feed-a"}}}
	b1 := &nostr.Event{ID: "b1", PubKey: "pk1", Kind: 30078, CreatedAt: 150, Tags: nostr.Tags{{"d", "feed-b"}}}

	s.SaveEvent(ctx, a1)
	s.SaveEvent(ctx, a2)
	s.SaveEvent(ctx, b1)

	got, err := s.QueryEvents(ctx, Filter{Authors: []string{"pk1"}, Kinds: []int{30078}})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected feed-a replaced and feed-b kept, got %d events: %+v", len(got), got)
	}
	ids := map[string]bool{}
	for _, e := range got {
		ids[e.ID] = true
	}
	if ids["a1"] || !ids["a2"] || !ids["b1"] {
		t.Errorf("expected {a2, b1}, got %v", ids)
	}
}

func TestSaveEvent_Kind5DeletesReferencedEvents(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	target := &nostr.Event{ID: "target", PubKey: "pk1", Kind: 1, CreatedAt: 100, Content: "gone soon"}
	s.SaveEvent(ctx, target)

	deletion := &nostr.Event{ID: "del", PubKey: "pk1", Kind: 5, CreatedAt: 200, Tags: nostr.Tags{{"e", "target"}}}
	if _, err := s.SaveEvent(ctx, deletion); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	got, err := s.QueryEvents(ctx, Filter{IDs: []string{"target"}})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected target event deleted, got %+v", got)
	}
}

func TestQueryEvents_TagFilter(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	e1 := &nostr.Event{ID: "e1", PubKey: "pk1", Kind: 1, CreatedAt: 100, Tags: nostr.Tags{{"t", "nostr"}}}
	e2 := &nostr.Event{ID: "e2", PubKey: "pk1", Kind: 1, CreatedAt: 100, Tags: nostr.Tags{{"t", "other"}}}
	s.SaveEvent(ctx, e1)
	s.SaveEvent(ctx, e2)

	got, err := s.QueryEvents(ctx, Filter{Tags: map[string][]string{"t": {"nostr"}}})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("expected only e1, got %+v", got)
	}
}

func TestQueryEvents_Search(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	s.SaveEvent(ctx, &nostr.Event{ID: "e1", PubKey: "pk1", Kind: 1, CreatedAt: 100, Content: "the quick brown fox"})
	s.SaveEvent(ctx, &nostr.Event{ID: "e2", PubKey: "pk1", Kind: 1, CreatedAt: 100, Content: "lorem ipsum"})

	got, err := s.QueryEvents(ctx, Filter{Search: "fox"})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("expected only e1 to match search, got %+v", got)
	}
}

func TestQueryEvents_RespectsLimit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		s.SaveEvent(ctx, &nostr.Event{ID: id, PubKey: "pk1", Kind: 1, CreatedAt: nostr.Timestamp(i)})
	}

	got, err := s.QueryEvents(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
}
