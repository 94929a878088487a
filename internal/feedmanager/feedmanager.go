// Package feedmanager implements FeedManager: owns a FeedIndex and a
// DHT pointer client, and serializes updates to the publisher's feed
// pointer behind a per-identity sequence counter.
package feedmanager

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/bridgeerr"
	"github.com/nostrswarm/bridge/internal/codec"
	"github.com/nostrswarm/bridge/internal/dhtclient"
	"github.com/nostrswarm/bridge/internal/feedindex"
	"github.com/nostrswarm/bridge/internal/identity"
	"github.com/nostrswarm/bridge/internal/magnet"
)

const (
	BridgeFeedDTag    = "nostr-over-bt-feed"
	bridgeFeedKind    = 30078
	publishRetries    = 3
	retryWait         = 2 * time.Second
	pointerGetTimeout = 5 * time.Second
)

// Seeder is the subset of SwarmClient that FeedManager needs: seeding
// the serialized index object and resolving its magnet.
type Seeder interface {
	Seed(ctx context.Context, buffer []byte, filename string) (*magnet.URI, error)
}

// SignBridge signs an unsigned bridge-discovery event with the caller's
// relay key, returning the signed event.
type SignBridge func(unsigned *nostr.Event) (*nostr.Event, error)

// UpdateResult is returned by UpdateFeed.
type UpdateResult struct {
	Magnet      string
	BridgeEvent *nostr.Event // set only when sign_bridge was provided and trackers are configured
}

// Options configures FeedManager.
type Options struct {
	InitialSeq int64
	IndexLimit int
	Trackers   []string // non-empty enables bridge-discovery event construction
}

// Manager owns one FeedIndex and the DHT pointer for one identity.
type Manager struct {
	identity *identity.Store
	dht      *dhtclient.Client
	seeder   Seeder

	opts Options

	mu    sync.Mutex
	index *feedindex.Index
	seq   int64
}

// New constructs a FeedManager for identity id, backed by dht and
// seeder.
func New(id *identity.Store, dht *dhtclient.Client, seeder Seeder, opts Options) *Manager {
	seq := opts.InitialSeq
	if seq <= 0 {
		seq = 1
	}
	return &Manager{
		identity: id,
		dht:      dht,
		seeder:   seeder,
		opts:     opts,
		index:    feedindex.New(opts.IndexLimit),
		seq:      seq,
	}
}

// SyncSequence resolves the remote pointer for this identity and, if
// found, sets the local sequence counter to remote.seq + 1. Absence or
// error leaves seq unchanged.
func (m *Manager) SyncSequence(ctx context.Context) int64 {
	rec, seq, err := m.resolve(ctx, m.identity.PublicKeyHex())
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || rec == nil {
		return m.seq
	}
	m.seq = seq + 1
	return m.seq
}

// UpdateFeed adds evt/eventMagnet to the index, seeds the serialized
// index, publishes the new pointer, and optionally builds a signed
// bridge-discovery event.
func (m *Manager) UpdateFeed(ctx context.Context, evt *codec.Event, eventMagnet string, signBridge SignBridge) (UpdateResult, error) {
	m.mu.Lock()
	m.index.Add(evt, eventMagnet)
	payload := m.index.ToBytes()
	m.mu.Unlock()

	indexMagnetURI, err := m.seeder.Seed(ctx, payload, "index.json")
	if err != nil {
		return UpdateResult{}, bridgeerr.NewTransportError(bridgeerr.TransportBT, "feedmanager.seed_index", err)
	}

	if _, err := m.PublishFeedPointer(ctx, indexMagnetURI.InfoHash); err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{Magnet: indexMagnetURI.String()}

	if signBridge != nil && len(m.opts.Trackers) > 0 {
		unsigned := &nostr.Event{
			Kind:      bridgeFeedKind,
			CreatedAt: nostr.Now(),
			Tags:      nostr.Tags{{"d", BridgeFeedDTag}},
			Content:   result.Magnet,
		}
		signed, err := signBridge(unsigned)
		if err != nil {
			return UpdateResult{}, bridgeerr.NewTransportError(bridgeerr.TransportNostr, "feedmanager.sign_bridge", err)
		}
		result.BridgeEvent = signed
	}

	return result, nil
}

// PublishFeedPointer builds and PUTs a pointer record for infohash,
// retrying up to publishRetries times with a 2s wait between attempts.
// The sequence number is incremented on every attempt (including
// retries) so stale writes from an earlier attempt never look newer
// than this one.
func (m *Manager) PublishFeedPointer(ctx context.Context, infohash [20]byte) (string, error) {
	var pub [32]byte
	copy(pub[:], m.identity.PublicKey())

	var lastErr error
	for attempt := 0; attempt <= publishRetries; attempt++ {
		m.mu.Lock()
		seq := m.seq
		m.seq++
		m.mu.Unlock()

		rec := dhtclient.Record{InfoHash: infohash, TS: uint64(time.Now().Unix())}
		err := m.dht.Put(ctx, pub, seq, rec, m.identity.Sign)
		if err == nil {
			return m.identity.PublicKeyHex(), nil
		}
		lastErr = err
		log.Printf("[feedmanager] publish_feed_pointer attempt %d failed: %v", attempt+1, err)
		if attempt < publishRetries {
			select {
			case <-time.After(retryWait):
			case <-ctx.Done():
				return "", bridgeerr.NewTransportError(bridgeerr.TransportCore, "publish_feed_pointer", ctx.Err())
			}
		}
	}
	return "", bridgeerr.NewTransportError(bridgeerr.TransportCore, "publish_feed_pointer", lastErr)
}

// ResolveFeedPointer resolves the current pointer for a hex-encoded
// 32-byte pubkey.
func (m *Manager) ResolveFeedPointer(ctx context.Context, pubkeyHex string) (*dhtclient.Record, error) {
	rec, _, err := m.resolve(ctx, pubkeyHex)
	return rec, err
}

func (m *Manager) resolve(ctx context.Context, pubkeyHex string) (*dhtclient.Record, int64, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(raw) != 32 {
		return nil, 0, fmt.Errorf("feedmanager: invalid pubkey hex")
	}
	var pub [32]byte
	copy(pub[:], raw)

	ctx, cancel := context.WithTimeout(ctx, pointerGetTimeout)
	defer cancel()

	return m.dht.Get(ctx, pub)
}

// Index exposes the underlying FeedIndex for inspection (e.g. tests).
func (m *Manager) Index() *feedindex.Index {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}
