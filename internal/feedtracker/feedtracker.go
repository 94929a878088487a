// Package feedtracker implements FeedTracker: resolves
// (transport_pubkey, relay_pubkey?) to a feed-index magnet via a
// DHT-then-relay strategy, with an LRU result cache. Relay fallback
// subscription shape grounded on 0x3639-qube-manager's d-tag filter
// use (nostr.TagMap{"d": []string{...}}).
package feedtracker

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/dhtclient"
	"github.com/nostrswarm/bridge/internal/magnet"
)

const (
	discoverTimeout = 5 * time.Second
	bridgeFeedDTag  = "nostr-over-bt-feed"
	bridgeFeedKind  = 30078
	defaultCacheSize = 1024
)

// PointerResolver is the subset of FeedManager that FeedTracker needs.
type PointerResolver interface {
	ResolveFeedPointer(ctx context.Context, pubkeyHex string) (*dhtclient.Record, error)
}

// EventAwaiter is the subset of RelayClient that FeedTracker needs.
type EventAwaiter interface {
	AwaitEvent(ctx context.Context, filter nostr.Filter, deadline time.Duration) (*nostr.Event, error)
}

// Tracker resolves and caches feed-index magnets.
type Tracker struct {
	pointers PointerResolver
	relay    EventAwaiter
	trackers []string

	cache *lru.Cache[string, string]
}

// New constructs a Tracker. cacheSize <= 0 uses defaultCacheSize.
func New(pointers PointerResolver, relay EventAwaiter, trackers []string, cacheSize int) (*Tracker, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		pointers: pointers,
		relay:    relay,
		trackers: trackers,
		cache:    cache,
	}, nil
}

// Discover resolves transportPubkeyHex to its current feed-index
// magnet, trying the local cache, then the DHT pointer, then (if
// relayPubkeyHex is non-empty) a one-shot relay subscription for the
// bridge-discovery event. Returns (nil, nil) if nothing was found.
func (t *Tracker) Discover(ctx context.Context, transportPubkeyHex, relayPubkeyHex string) (*magnet.URI, error) {
	if cached, ok := t.cache.Get(transportPubkeyHex); ok {
		m, err := magnet.Parse(cached)
		if err == nil {
			return m, nil
		}
	}

	var found *magnet.URI

	if rec, err := t.pointers.ResolveFeedPointer(ctx, transportPubkeyHex); err == nil && rec != nil {
		found = magnet.New(rec.InfoHash, "index.json", nil)
	}

	if found == nil && relayPubkeyHex != "" {
		filter := nostr.Filter{
			Authors: []string{relayPubkeyHex},
			Kinds:   []int{bridgeFeedKind},
			Tags:    nostr.TagMap{"d": []string{bridgeFeedDTag}},
			Limit:   1,
		}
		evt, err := t.relay.AwaitEvent(ctx, filter, discoverTimeout)
		if err == nil && evt != nil && strings.HasPrefix(evt.Content, "magnet:") {
			if m, perr := magnet.Parse(evt.Content); perr == nil {
				found = m
			}
		}
	}

	if found == nil {
		return nil, nil
	}

	found = found.WithTrackers(t.trackers)
	t.cache.Add(transportPubkeyHex, found.String())
	return found, nil
}

// Invalidate drops any cached magnet for transportPubkeyHex.
func (t *Tracker) Invalidate(transportPubkeyHex string) {
	t.cache.Remove(transportPubkeyHex)
}
