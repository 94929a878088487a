// Package coordinator implements TransportCoordinator: the top-level
// orchestration object tying RelayClient, SwarmClient, FeedManager,
// WoTGraph, FeedTracker and the codec together. Grounded on the
// teacher's habit of a single top-level wiring struct
// (internal/torrent.Client as the hub for seeding/downloading/
// tracking) generalized to the bridge's broader publish/subscribe/
// reseed/fetch surface.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/bridgeerr"
	"github.com/nostrswarm/bridge/internal/codec"
	"github.com/nostrswarm/bridge/internal/feedindex"
	"github.com/nostrswarm/bridge/internal/feedmanager"
	"github.com/nostrswarm/bridge/internal/feedtracker"
	"github.com/nostrswarm/bridge/internal/magnet"
	"github.com/nostrswarm/bridge/internal/relaynet"
	"github.com/nostrswarm/bridge/internal/wot"
)

const (
	identityDTag   = "nostr-over-bt-identity"
	resolveTimeout = 5 * time.Second
	mediaFetchTimeout = 10 * time.Second
	httpFetchTimeout  = 10 * time.Second
	defaultCacheSize  = 2048

	defaultProfileCacheSize = 1024
	defaultProfileCacheTTL  = 24 * time.Hour

	defaultBatchInterval = 2 * time.Second
	defaultMaxBatchSize  = 50
	profileBatchRetries  = 3
	profileBatchRetryWait = 2 * time.Second
)

// Seeder is the subset of SwarmClient the coordinator needs.
type Seeder interface {
	Seed(ctx context.Context, buffer []byte, filename string) (*magnet.URI, error)
	Fetch(ctx context.Context, magnetURI string, deadline time.Duration) ([]byte, error)
}

// Relay is the subset of RelayClient the coordinator needs.
type Relay interface {
	Publish(ctx context.Context, evt nostr.Event) []relaynet.PublishResult
	AwaitEvent(ctx context.Context, filter nostr.Filter, deadline time.Duration) (*nostr.Event, error)
	Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, func(), error)
}

// FeedUpdater is the subset of FeedManager the coordinator needs.
type FeedUpdater interface {
	UpdateFeed(ctx context.Context, evt *nostr.Event, eventMagnet string, signBridge feedmanager.SignBridge) (feedmanager.UpdateResult, error)
}

// MediaItem is one piece of media accompanying a publish call.
type MediaItem struct {
	Filename string
	Buffer   []byte
}

// PublishResult is returned by Publish.
type PublishResult struct {
	Magnet       string
	MediaMagnets []string
	RelayStatus  []relaynet.PublishResult
}

// ReseedResult is returned by ReseedEvent.
type ReseedResult struct {
	Magnet string
	Queued bool
}

// Options configures a Coordinator.
type Options struct {
	Trackers         []string
	MaxDegree        uint8
	CacheSize        int
	ProfileCacheSize int
	ProfileCacheTTL  time.Duration
	BatchIntervalMS  int // profile-batch flush window; default 2000
	MaxBatchSize     int // profile-batch chunk size; default 50
	SignEvent        func(evt *nostr.Event) error // signs with the relay's own key
}

// Coordinator owns the bridge's cross-transport orchestration.
type Coordinator struct {
	relay   Relay
	swarm   Seeder
	feed    FeedUpdater // nil if p2p feed publishing is disabled
	graph   *wot.Graph  // nil if web-of-trust sync is disabled
	tracker *feedtracker.Tracker
	codec   *codec.Codec

	signEvent func(evt *nostr.Event) error
	trackers  []string
	maxDegree uint8

	magnetCache  *lru.Cache[string, string]
	keyCache     *lru.Cache[string, string]
	profileCache *expirable.LRU[string, *nostr.Event]

	batchInterval time.Duration
	maxBatchSize  int

	profileMu      sync.Mutex
	profilePending []profileRequest
	profileTimer   *time.Timer
}

// profileRequest is one caller's pending ResolveProfile call, waiting
// on the next batch flush to resolve or fail.
type profileRequest struct {
	pubkey string
	result chan profileResult
}

type profileResult struct {
	evt *nostr.Event
	ok  bool
}

// New constructs a Coordinator. feed and graph may be nil to disable
// P2P feed publishing / web-of-trust sync respectively.
func New(relay Relay, swarm Seeder, feed FeedUpdater, graph *wot.Graph, tracker *feedtracker.Tracker, codec *codec.Codec, opts Options) (*Coordinator, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	magnetCache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	keyCache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	maxDegree := opts.MaxDegree
	if maxDegree == 0 {
		maxDegree = wot.DefaultMaxDegree
	}
	profileCacheSize := opts.ProfileCacheSize
	if profileCacheSize <= 0 {
		profileCacheSize = defaultProfileCacheSize
	}
	profileCacheTTL := opts.ProfileCacheTTL
	if profileCacheTTL <= 0 {
		profileCacheTTL = defaultProfileCacheTTL
	}
	profileCache := expirable.NewLRU[string, *nostr.Event](profileCacheSize, nil, profileCacheTTL)

	batchInterval := time.Duration(opts.BatchIntervalMS) * time.Millisecond
	if batchInterval <= 0 {
		batchInterval = defaultBatchInterval
	}
	maxBatchSize := opts.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}

	return &Coordinator{
		relay:         relay,
		swarm:         swarm,
		feed:          feed,
		graph:         graph,
		tracker:       tracker,
		codec:         codec,
		signEvent:     opts.SignEvent,
		trackers:      opts.Trackers,
		maxDegree:     maxDegree,
		magnetCache:   magnetCache,
		keyCache:      keyCache,
		profileCache:  profileCache,
		batchInterval: batchInterval,
		maxBatchSize:  maxBatchSize,
	}, nil
}

// Publish acknowledges evt on the relay network first; only on success
// does it seed the event (and any media) into the swarm. A relay
// rejection is a hard error: no seeding occurs.
func (c *Coordinator) Publish(ctx context.Context, evt *nostr.Event, media []MediaItem) (*PublishResult, error) {
	relayStatus := c.relay.Publish(ctx, *evt)
	if !anySucceeded(relayStatus) {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportNostr, "coordinator.publish", fmt.Errorf("no relay accepted the event"))
	}

	payload, err := c.codec.Encode(evt)
	if err != nil {
		return nil, err
	}
	m, err := c.swarm.Seed(ctx, payload, c.codec.Filename(evt))
	if err != nil {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportBT, "coordinator.publish.seed", err)
	}

	mediaMagnets := make([]string, len(media))
	if len(media) > 0 {
		var wg sync.WaitGroup
		for i, item := range media {
			wg.Add(1)
			go func(i int, item MediaItem) {
				defer wg.Done()
				mm, err := c.swarm.Seed(ctx, item.Buffer, item.Filename)
				if err != nil {
					log.Printf("[coordinator] media seed failed for %s: %v", item.Filename, err)
					return
				}
				mediaMagnets[i] = mm.String()
			}(i, item)
		}
		wg.Wait()
	}

	return &PublishResult{
		Magnet:       m.String(),
		MediaMagnets: mediaMagnets,
		RelayStatus:  relayStatus,
	}, nil
}

func anySucceeded(results []relaynet.PublishResult) bool {
	for _, r := range results {
		if r.Error == nil {
			return true
		}
	}
	return false
}

// signBridge adapts Options.SignEvent into a feedmanager.SignBridge.
// Returns nil when no signing key is configured, so bridge-discovery
// events are simply skipped rather than failing the whole update.
func (c *Coordinator) signBridge() feedmanager.SignBridge {
	if c.signEvent == nil {
		return nil
	}
	return func(unsigned *nostr.Event) (*nostr.Event, error) {
		if err := c.signEvent(unsigned); err != nil {
			return nil, err
		}
		return unsigned, nil
	}
}

// announceBridgeEvent publishes a freshly signed bridge-discovery event
// to the relay network, if one was produced.
func (c *Coordinator) announceBridgeEvent(ctx context.Context, evt *nostr.Event) {
	if evt == nil {
		return
	}
	results := c.relay.Publish(ctx, *evt)
	if !anySucceeded(results) {
		log.Printf("[coordinator] bridge-discovery event %s reached no relay", evt.ID)
	}
}

// PublishP2P seeds evt's buffer and folds it into the node's own feed
// index, returning the new index magnet. Fails if no FeedManager was
// configured.
func (c *Coordinator) PublishP2P(ctx context.Context, evt *nostr.Event) (string, error) {
	if c.feed == nil {
		return "", bridgeerr.NewTransportError(bridgeerr.TransportCore, "coordinator.publish_p2p", fmt.Errorf("feed manager not configured"))
	}
	payload, err := c.codec.Encode(evt)
	if err != nil {
		return "", err
	}
	eventMagnet, err := c.swarm.Seed(ctx, payload, c.codec.Filename(evt))
	if err != nil {
		return "", bridgeerr.NewTransportError(bridgeerr.TransportBT, "coordinator.publish_p2p.seed", err)
	}
	result, err := c.feed.UpdateFeed(ctx, evt, eventMagnet.String(), c.signBridge())
	if err != nil {
		return "", err
	}
	c.announceBridgeEvent(ctx, result.BridgeEvent)
	return result.Magnet, nil
}

// SubscribeP2P discovers transportPubkeyHex's feed index (optionally
// via relayPubkeyHex) and returns its items, or an empty slice if
// nothing was found.
func (c *Coordinator) SubscribeP2P(ctx context.Context, transportPubkeyHex, relayPubkeyHex string) ([]feedindex.Entry, error) {
	m, err := c.tracker.Discover(ctx, transportPubkeyHex, relayPubkeyHex)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	buf, err := c.swarm.Fetch(ctx, m.String(), mediaFetchTimeout)
	if err != nil {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportBT, "coordinator.subscribe_p2p.fetch", err)
	}
	idx := feedindex.FromBytes(buf, 0)
	return idx.Items, nil
}

// ReseedEvent ensures evt's bytes are seeded, returning its magnet. A
// cache hit or an explicit bt-tag short-circuits the seed. When
// background is true the work is kicked off in a goroutine and a
// queued marker is returned immediately instead.
func (c *Coordinator) ReseedEvent(ctx context.Context, evt *nostr.Event, background bool) (ReseedResult, error) {
	if cached, ok := c.magnetCache.Get(evt.ID); ok {
		return ReseedResult{Magnet: cached}, nil
	}
	if tag := firstTagValue(evt, "bt"); tag != "" {
		c.magnetCache.Add(evt.ID, tag)
		return ReseedResult{Magnet: tag}, nil
	}

	do := func(ctx context.Context) (string, error) {
		payload, err := c.codec.Encode(evt)
		if err != nil {
			return "", err
		}
		m, err := c.swarm.Seed(ctx, payload, c.codec.Filename(evt))
		if err != nil {
			return "", bridgeerr.NewTransportError(bridgeerr.TransportBT, "coordinator.reseed_event.seed", err)
		}
		if c.feed != nil {
			result, err := c.feed.UpdateFeed(ctx, evt, m.String(), c.signBridge())
			if err != nil {
				return "", err
			}
			c.announceBridgeEvent(ctx, result.BridgeEvent)
		}
		c.magnetCache.Add(evt.ID, m.String())
		return m.String(), nil
	}

	if background {
		go func() {
			bgCtx := context.Background()
			if _, err := do(bgCtx); err != nil {
				log.Printf("[coordinator] background reseed of %s failed: %v", evt.ID, err)
			}
		}()
		return ReseedResult{Magnet: fmt.Sprintf("queued:%s", evt.ID), Queued: true}, nil
	}

	m, err := do(ctx)
	if err != nil {
		return ReseedResult{}, err
	}
	return ReseedResult{Magnet: m}, nil
}

func firstTagValue(evt *nostr.Event, name string) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// FetchMedia resolves evt's attached media: a bt-tag magnet first,
// falling back to an HTTP url/image/video tag if the swarm fetch
// fails or is absent. Fails with TransportError if neither succeeds.
func (c *Coordinator) FetchMedia(ctx context.Context, evt *nostr.Event) ([]byte, error) {
	if tag := firstTagValue(evt, "bt"); tag != "" {
		buf, err := c.swarm.Fetch(ctx, tag, mediaFetchTimeout)
		if err == nil {
			return buf, nil
		}
		log.Printf("[coordinator] bt fetch failed for %s, falling back to http: %v", evt.ID, err)
	}

	for _, name := range []string{"url", "image", "video"} {
		if url := firstTagValue(evt, name); url != "" {
			buf, err := fetchHTTP(ctx, url)
			if err == nil {
				return buf, nil
			}
			log.Printf("[coordinator] http fetch of %s failed: %v", url, err)
		}
	}

	return nil, bridgeerr.NewTransportError(bridgeerr.TransportCore, "coordinator.fetch_media", fmt.Errorf("no media source resolved for %s", evt.ID))
}

func fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, httpFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ResolveTransportKey resolves relayPubkeyHex's swarm (transport)
// pubkey: key cache first, else a one-shot relay subscription for the
// identity attestation event.
func (c *Coordinator) ResolveTransportKey(ctx context.Context, relayPubkeyHex string) (string, bool) {
	if cached, ok := c.keyCache.Get(relayPubkeyHex); ok {
		return cached, true
	}
	filter := nostr.Filter{
		Authors: []string{relayPubkeyHex},
		Kinds:   []int{30078},
		Tags:    nostr.TagMap{"d": []string{identityDTag}},
		Limit:   1,
	}
	evt, err := c.relay.AwaitEvent(ctx, filter, resolveTimeout)
	if err != nil || evt == nil || len(evt.Content) != 64 {
		return "", false
	}
	c.keyCache.Add(relayPubkeyHex, evt.Content)
	return evt.Content, true
}

// BootstrapWoT seeds the web-of-trust graph from transportPubkeyHex's
// contact list (kind 3), recording its follows at degree (default 1
// when degree == 0).
func (c *Coordinator) BootstrapWoT(ctx context.Context, transportPubkeyHex, relayPubkeyHex string, degree uint8) error {
	if c.graph == nil {
		return bridgeerr.NewTransportError(bridgeerr.TransportCore, "coordinator.bootstrap_wot", fmt.Errorf("wot graph not configured"))
	}
	if degree == 0 {
		degree = 1
	}
	items, err := c.SubscribeP2P(ctx, transportPubkeyHex, relayPubkeyHex)
	if err != nil {
		return err
	}
	var contactListEntry *feedindex.Entry
	for i := range items {
		if items[i].Kind == 3 {
			contactListEntry = &items[i]
			break
		}
	}
	if contactListEntry == nil {
		return nil
	}
	buf, err := c.swarm.Fetch(ctx, contactListEntry.Magnet, mediaFetchTimeout)
	if err != nil {
		return bridgeerr.NewTransportError(bridgeerr.TransportBT, "coordinator.bootstrap_wot.fetch", err)
	}
	evt, err := c.codec.Decode(buf)
	if err != nil {
		return err
	}
	c.graph.ParseContactList(evt, degree)
	return nil
}

// SyncWoTRecursive expands the web-of-trust graph outward, one degree
// at a time, up to the configured max degree.
func (c *Coordinator) SyncWoTRecursive(ctx context.Context) {
	if c.graph == nil {
		return
	}
	for d := uint8(1); d < c.maxDegree; d++ {
		pubkeys := c.graph.PubkeysAt(d)
		var wg sync.WaitGroup
		for _, relayPubkeyHex := range pubkeys {
			wg.Add(1)
			go func(relayPubkeyHex string) {
				defer wg.Done()
				transportPubkeyHex, ok := c.ResolveTransportKey(ctx, relayPubkeyHex)
				if !ok {
					return
				}
				if err := c.BootstrapWoT(ctx, transportPubkeyHex, relayPubkeyHex, d+1); err != nil {
					log.Printf("[coordinator] sync_wot_recursive degree %d failed for %s: %v", d+1, relayPubkeyHex, err)
				}
			}(relayPubkeyHex)
		}
		wg.Wait()
	}
}

// SubscribeFollowsP2P resolves and subscribes to every pubkey in the
// web-of-trust graph, returning the union of their feed items sorted
// by timestamp descending.
func (c *Coordinator) SubscribeFollowsP2P(ctx context.Context) []feedindex.Entry {
	if c.graph == nil {
		return nil
	}
	var all []feedindex.Entry
	var mu sync.Mutex
	var wg sync.WaitGroup

	for d := uint8(0); d <= c.maxDegree; d++ {
		for _, relayPubkeyHex := range c.graph.PubkeysAt(d) {
			wg.Add(1)
			go func(relayPubkeyHex string) {
				defer wg.Done()
				transportPubkeyHex, ok := c.ResolveTransportKey(ctx, relayPubkeyHex)
				if !ok {
					return
				}
				items, err := c.SubscribeP2P(ctx, transportPubkeyHex, relayPubkeyHex)
				if err != nil {
					return
				}
				mu.Lock()
				all = append(all, items...)
				mu.Unlock()
			}(relayPubkeyHex)
		}
	}
	wg.Wait()

	sort.SliceStable(all, func(i, j int) bool { return all[i].TS > all[j].TS })
	return all
}

// HandleIncomingEvent reseeds evt in the background if its author is
// present in the web-of-trust graph; otherwise it is a no-op. Kind-0
// profile metadata is opportunistically cached regardless of WoT
// membership, since ResolveProfile callers (display layers) need it
// for any author, not only followed ones.
func (c *Coordinator) HandleIncomingEvent(ctx context.Context, evt *nostr.Event) {
	if evt.Kind == 0 {
		c.profileCache.Add(evt.PubKey, evt)
	}
	if c.graph == nil || !c.graph.IsFollowing(evt.PubKey) {
		return
	}
	if _, err := c.ReseedEvent(ctx, evt, true); err != nil {
		log.Printf("[coordinator] handle_incoming_event reseed failed for %s: %v", evt.ID, err)
	}
}

// ResolveProfile returns pubkeyHex's latest kind-0 profile metadata
// event, consulting the TTL'd profile cache before folding the request
// into the next profile batch: concurrent callers resolving different
// pubkeys within the same flush window (default 2s, up to 50 pubkeys
// per spec.md's "Profile-batch flush window 2 s, chunk size 50") share
// a single relay subscription instead of one round trip each.
func (c *Coordinator) ResolveProfile(ctx context.Context, pubkeyHex string) (*nostr.Event, bool) {
	if cached, ok := c.profileCache.Get(pubkeyHex); ok {
		return cached, true
	}

	result := make(chan profileResult, 1)
	c.enqueueProfileRequest(pubkeyHex, result)

	select {
	case res := <-result:
		return res.evt, res.ok
	case <-ctx.Done():
		return nil, false
	}
}

func (c *Coordinator) enqueueProfileRequest(pubkeyHex string, result chan profileResult) {
	c.profileMu.Lock()
	c.profilePending = append(c.profilePending, profileRequest{pubkey: pubkeyHex, result: result})
	flushNow := len(c.profilePending) >= c.maxBatchSize
	if c.profileTimer == nil && !flushNow {
		c.profileTimer = time.AfterFunc(c.batchInterval, c.flushProfileBatch)
	}
	c.profileMu.Unlock()

	if flushNow {
		if c.profileTimer != nil {
			c.profileTimer.Stop()
		}
		go c.flushProfileBatch()
	}
}

// flushProfileBatch drains the pending request list and resolves every
// distinct pubkey in it with one batched relay query.
func (c *Coordinator) flushProfileBatch() {
	c.profileMu.Lock()
	pending := c.profilePending
	c.profilePending = nil
	c.profileTimer = nil
	c.profileMu.Unlock()
	if len(pending) == 0 {
		return
	}

	authors := make([]string, 0, len(pending))
	seen := make(map[string]bool, len(pending))
	for _, req := range pending {
		if !seen[req.pubkey] {
			seen[req.pubkey] = true
			authors = append(authors, req.pubkey)
		}
	}

	found := c.fetchProfileBatch(authors)
	for _, req := range pending {
		if evt, ok := found[req.pubkey]; ok {
			c.profileCache.Add(req.pubkey, evt)
			req.result <- profileResult{evt: evt, ok: true}
		} else {
			req.result <- profileResult{ok: false}
		}
	}
}

// fetchProfileBatch issues one relay subscription for the given
// authors' kind-0 events and re-queries authors that produced nothing,
// making at most profileBatchRetries attempts in all with a
// profileBatchRetryWait pause between them -- the same component-local
// retry spec.md's propagation
// policy gives the DHT PUT path, applied here to profile batches, the
// other transport surface it names.
func (c *Coordinator) fetchProfileBatch(authors []string) map[string]*nostr.Event {
	found := make(map[string]*nostr.Event, len(authors))
	remaining := append([]string(nil), authors...)

	for attempt := 0; attempt < profileBatchRetries && len(remaining) > 0; attempt++ {
		if attempt > 0 {
			time.Sleep(profileBatchRetryWait)
		}

		filter := nostr.Filter{Authors: remaining, Kinds: []int{0}}
		ctx, cancel := context.WithTimeout(context.Background(), c.batchInterval)
		events, unsub, err := c.relay.Subscribe(ctx, filter)
		if err != nil {
			cancel()
			continue
		}

	collect:
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					break collect
				}
				if evt.Kind == 0 {
					found[evt.PubKey] = evt
				}
			case <-ctx.Done():
				break collect
			}
		}
		unsub()
		cancel()

		var next []string
		for _, pk := range remaining {
			if _, ok := found[pk]; !ok {
				next = append(next, pk)
			}
		}
		remaining = next
	}
	return found
}
