package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/codec"
	"github.com/nostrswarm/bridge/internal/dhtclient"
	"github.com/nostrswarm/bridge/internal/feedmanager"
	"github.com/nostrswarm/bridge/internal/feedtracker"
	"github.com/nostrswarm/bridge/internal/magnet"
	"github.com/nostrswarm/bridge/internal/relaynet"
	"github.com/nostrswarm/bridge/internal/wot"
)

type fakeRelay struct {
	publishResults []relaynet.PublishResult
	publishCalls   int
	awaitEvt       *nostr.Event
	awaitErr       error

	subscribeEvents []*nostr.Event
	subscribeErr    error
	subscribeCalls  int
}

func (f *fakeRelay) Publish(ctx context.Context, evt nostr.Event) []relaynet.PublishResult {
	f.publishCalls++
	return f.publishResults
}

func (f *fakeRelay) AwaitEvent(ctx context.Context, filter nostr.Filter, deadline time.Duration) (*nostr.Event, error) {
	return f.awaitEvt, f.awaitErr
}

func (f *fakeRelay) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, func(), error) {
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return nil, nil, f.subscribeErr
	}
	out := make(chan *nostr.Event, len(f.subscribeEvents))
	for _, evt := range f.subscribeEvents {
		out <- evt
	}
	close(out)
	return out, func() {}, nil
}

type fakeSeeder struct {
	seedMagnet *magnet.URI
	seedErr    error
	fetchBuf   []byte
	fetchErr   error
	seedCalls  int
}

func (f *fakeSeeder) Seed(ctx context.Context, buffer []byte, filename string) (*magnet.URI, error) {
	f.seedCalls++
	return f.seedMagnet, f.seedErr
}

func (f *fakeSeeder) Fetch(ctx context.Context, magnetURI string, deadline time.Duration) ([]byte, error) {
	return f.fetchBuf, f.fetchErr
}

type fakeFeedUpdater struct {
	result feedmanager.UpdateResult
	err    error
	calls  int
}

func (f *fakeFeedUpdater) UpdateFeed(ctx context.Context, evt *nostr.Event, eventMagnet string, signBridge feedmanager.SignBridge) (feedmanager.UpdateResult, error) {
	f.calls++
	if signBridge != nil {
		signed, _ := signBridge(&nostr.Event{Kind: 30078})
		f.result.BridgeEvent = signed
	}
	return f.result, f.err
}

// errSeeder mirrors cmd/bridged's disabledSeeder: every call fails
// with a plain error instead of panicking, the way a nil Seeder
// interface value would if ever invoked.
type errSeeder struct{}

func (errSeeder) Seed(ctx context.Context, buffer []byte, filename string) (*magnet.URI, error) {
	return nil, fmt.Errorf("swarm disabled")
}

func (errSeeder) Fetch(ctx context.Context, magnetURI string, deadline time.Duration) ([]byte, error) {
	return nil, fmt.Errorf("swarm disabled")
}

func testMagnet(b byte) *magnet.URI {
	var hash [20]byte
	hash[0] = b
	return magnet.New(hash, "event.json", nil)
}

func newTestCoordinator(t *testing.T, relay Relay, seeder Seeder, feed FeedUpdater, graph *wot.Graph, opts Options) *Coordinator {
	t.Helper()
	tracker, err := feedtracker.New(&stubPointers{}, relay.(feedtracker.EventAwaiter), nil, 0)
	if err != nil {
		t.Fatalf("feedtracker.New: %v", err)
	}
	c, err := New(relay, seeder, feed, graph, tracker, codec.New(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

type stubPointers struct{}

func (stubPointers) ResolveFeedPointer(ctx context.Context, pubkeyHex string) (*dhtclient.Record, error) {
	return nil, nil
}

func TestPublish_FailsWhenNoRelayAccepts(t *testing.T) {
	relay := &fakeRelay{publishResults: []relaynet.PublishResult{{URL: "r1", Error: fmt.Errorf("down")}}}
	seeder := &fakeSeeder{}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a"), Kind: 1}
	_, err := c.Publish(context.Background(), evt, nil)
	if err == nil {
		t.Fatal("expected error when no relay accepts the event")
	}
	if seeder.seedCalls != 0 {
		t.Fatalf("expected no seed to occur after a relay rejection, got %d calls", seeder.seedCalls)
	}
}

func TestPublish_SeedsAfterRelayAccepts(t *testing.T) {
	relay := &fakeRelay{publishResults: []relaynet.PublishResult{{URL: "r1", Error: nil}}}
	m := testMagnet(1)
	seeder := &fakeSeeder{seedMagnet: m}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a"), Kind: 1}
	res, err := c.Publish(context.Background(), evt, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Magnet != m.String() {
		t.Fatalf("expected magnet %s, got %s", m.String(), res.Magnet)
	}
}

func TestPublish_SeedsMediaConcurrently(t *testing.T) {
	relay := &fakeRelay{publishResults: []relaynet.PublishResult{{URL: "r1", Error: nil}}}
	seeder := &fakeSeeder{seedMagnet: testMagnet(1)}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a"), Kind: 1}
	media := []MediaItem{{Filename: "a.png", Buffer: []byte("x")}, {Filename: "b.png", Buffer: []byte("y")}}
	res, err := c.Publish(context.Background(), evt, media)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(res.MediaMagnets) != 2 {
		t.Fatalf("expected 2 media magnets, got %d", len(res.MediaMagnets))
	}
	for _, mm := range res.MediaMagnets {
		if mm == "" {
			t.Fatalf("expected every media item to be seeded, got %v", res.MediaMagnets)
		}
	}
}

func TestPublishP2P_FailsWithoutFeedManager(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	_, err := c.PublishP2P(context.Background(), &nostr.Event{ID: idHex("a")})
	if err == nil {
		t.Fatal("expected error without a feed manager configured")
	}
}

func TestPublishP2P_UpdatesFeedAndAnnouncesBridgeEvent(t *testing.T) {
	relay := &fakeRelay{publishResults: []relaynet.PublishResult{{URL: "r1", Error: nil}}}
	seeder := &fakeSeeder{seedMagnet: testMagnet(1)}
	feed := &fakeFeedUpdater{result: feedmanager.UpdateResult{Magnet: "magnet:?xt=urn:btih:" + fmt.Sprintf("%040x", 2)}}
	c := newTestCoordinator(t, relay, seeder, feed, nil, Options{SignEvent: func(evt *nostr.Event) error { return nil }})

	m, err := c.PublishP2P(context.Background(), &nostr.Event{ID: idHex("a")})
	if err != nil {
		t.Fatalf("PublishP2P: %v", err)
	}
	if m != feed.result.Magnet {
		t.Fatalf("expected index magnet %s, got %s", feed.result.Magnet, m)
	}
	if feed.calls != 1 {
		t.Fatalf("expected UpdateFeed to be called once, got %d", feed.calls)
	}
	if relay.publishCalls != 1 {
		t.Fatalf("expected the bridge-discovery event to be announced on the relay network, got %d publish calls", relay.publishCalls)
	}
}

func TestReseedEvent_CacheHitSkipsSeed(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{seedMagnet: testMagnet(1)}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a")}
	c.magnetCache.Add(evt.ID, "magnet:?xt=urn:btih:cached")

	res, err := c.ReseedEvent(context.Background(), evt, false)
	if err != nil {
		t.Fatalf("ReseedEvent: %v", err)
	}
	if res.Magnet != "magnet:?xt=urn:btih:cached" {
		t.Fatalf("expected cached magnet, got %s", res.Magnet)
	}
	if seeder.seedCalls != 0 {
		t.Fatalf("expected no seed call on cache hit, got %d", seeder.seedCalls)
	}
}

func TestReseedEvent_BtTagShortCircuitsSeed(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{seedMagnet: testMagnet(1)}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a"), Tags: nostr.Tags{{"bt", "magnet:?xt=urn:btih:fromtag"}}}
	res, err := c.ReseedEvent(context.Background(), evt, false)
	if err != nil {
		t.Fatalf("ReseedEvent: %v", err)
	}
	if res.Magnet != "magnet:?xt=urn:btih:fromtag" {
		t.Fatalf("expected bt-tag magnet, got %s", res.Magnet)
	}
	if seeder.seedCalls != 0 {
		t.Fatalf("expected no seed call when a bt tag is present, got %d", seeder.seedCalls)
	}
}

func TestReseedEvent_BackgroundReturnsQueuedMarker(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{seedMagnet: testMagnet(1)}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a")}
	res, err := c.ReseedEvent(context.Background(), evt, true)
	if err != nil {
		t.Fatalf("ReseedEvent: %v", err)
	}
	if !res.Queued || res.Magnet != "queued:"+evt.ID {
		t.Fatalf("expected queued marker, got %+v", res)
	}
}

func TestReseedEvent_ForegroundReturnsRealMagnet(t *testing.T) {
	relay := &fakeRelay{}
	m := testMagnet(3)
	seeder := &fakeSeeder{seedMagnet: m}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a")}
	res, err := c.ReseedEvent(context.Background(), evt, false)
	if err != nil {
		t.Fatalf("ReseedEvent: %v", err)
	}
	if res.Magnet != m.String() || res.Queued {
		t.Fatalf("expected foreground magnet %s, got %+v", m.String(), res)
	}
}

func TestFetchMedia_FailsWhenBtFetchFailsAndNoHTTPTag(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{fetchErr: fmt.Errorf("not found")}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a"), Tags: nostr.Tags{{"bt", "magnet:?xt=urn:btih:x"}}}
	_, err := c.FetchMedia(context.Background(), evt)
	if err == nil {
		t.Fatal("expected error: bt fetch fails and no http tag is present")
	}
}

func TestFetchMedia_FailsWithNoSources(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	_, err := c.FetchMedia(context.Background(), &nostr.Event{ID: idHex("a")})
	if err == nil {
		t.Fatal("expected error with no bt or http tags present")
	}
}

func TestResolveTransportKey_CacheHit(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{})
	c.keyCache.Add("relaypk", "cachedhex")

	key, ok := c.ResolveTransportKey(context.Background(), "relaypk")
	if !ok || key != "cachedhex" {
		t.Fatalf("expected cached key, got %q ok=%v", key, ok)
	}
}

func TestResolveTransportKey_RejectsShortContent(t *testing.T) {
	relay := &fakeRelay{awaitEvt: &nostr.Event{Content: "short"}}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{})

	_, ok := c.ResolveTransportKey(context.Background(), "relaypk")
	if ok {
		t.Fatal("expected rejection of non-64-char content")
	}
}

func TestHandleIncomingEvent_IgnoresUnknownPubkey(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{seedMagnet: testMagnet(1)}
	graph := wot.New(2)
	c := newTestCoordinator(t, relay, seeder, nil, graph, Options{})

	c.HandleIncomingEvent(context.Background(), &nostr.Event{ID: idHex("a"), PubKey: "stranger"})
	time.Sleep(10 * time.Millisecond)
	if seeder.seedCalls != 0 {
		t.Fatalf("expected no reseed for an untracked pubkey, got %d seed calls", seeder.seedCalls)
	}
}

func TestHandleIncomingEvent_ReseedsKnownPubkey(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{seedMagnet: testMagnet(1)}
	graph := wot.New(2)
	graph.Add("friend", 1)
	c := newTestCoordinator(t, relay, seeder, nil, graph, Options{})

	evt := &nostr.Event{ID: idHex("a"), PubKey: "friend"}
	c.HandleIncomingEvent(context.Background(), evt)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if seeder.seedCalls > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if seeder.seedCalls == 0 {
		t.Fatal("expected background reseed to run for a known pubkey")
	}
}

func TestSubscribeP2P_ReturnsEmptyWhenNothingDiscovered(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{})

	items, err := c.SubscribeP2P(context.Background(), "pk", "")
	if err != nil {
		t.Fatalf("SubscribeP2P: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

func TestSubscribeFollowsP2P_ReturnsNilWithoutGraph(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{})

	items := c.SubscribeFollowsP2P(context.Background())
	if items != nil {
		t.Fatalf("expected nil without a wot graph, got %v", items)
	}
}

func TestResolveProfile_CacheHit(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{})
	cached := &nostr.Event{ID: idHex("p"), Kind: 0, Content: `{"name":"alice"}`}
	c.profileCache.Add("alicepk", cached)

	evt, ok := c.ResolveProfile(context.Background(), "alicepk")
	if !ok || evt != cached {
		t.Fatalf("expected cached profile event, got %+v ok=%v", evt, ok)
	}
	if relay.subscribeCalls != 0 {
		t.Fatalf("expected no relay round trip on cache hit")
	}
}

func TestResolveProfile_FetchesAndCachesOnMiss(t *testing.T) {
	want := &nostr.Event{ID: idHex("p"), PubKey: "bobpk", Kind: 0, Content: `{"name":"bob"}`}
	relay := &fakeRelay{subscribeEvents: []*nostr.Event{want}}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{MaxBatchSize: 1})

	evt, ok := c.ResolveProfile(context.Background(), "bobpk")
	if !ok || evt != want {
		t.Fatalf("expected resolved profile event, got %+v ok=%v", evt, ok)
	}
	if cached, ok := c.profileCache.Get("bobpk"); !ok || cached != want {
		t.Fatal("expected the resolved profile to be cached")
	}
}

func TestResolveProfile_BatchesConcurrentDistinctPubkeys(t *testing.T) {
	alice := &nostr.Event{ID: idHex("a"), PubKey: "alicepk", Kind: 0, Content: `{"name":"alice"}`}
	bob := &nostr.Event{ID: idHex("b"), PubKey: "bobpk", Kind: 0, Content: `{"name":"bob"}`}
	relay := &fakeRelay{subscribeEvents: []*nostr.Event{alice, bob}}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{MaxBatchSize: 2})

	type resolved struct {
		evt *nostr.Event
		ok  bool
	}
	results := make(chan resolved, 2)
	for _, pk := range []string{"alicepk", "bobpk"} {
		go func(pk string) {
			evt, ok := c.ResolveProfile(context.Background(), pk)
			results <- resolved{evt, ok}
		}(pk)
	}

	deadline := time.After(time.Second)
	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if !r.ok {
				t.Fatalf("expected both pubkeys to resolve, got ok=false for %+v", r.evt)
			}
			got[r.evt.PubKey] = true
		case <-deadline:
			t.Fatal("timed out waiting for batched profile resolution")
		}
	}
	if !got["alicepk"] || !got["bobpk"] {
		t.Fatalf("expected both alice and bob resolved, got %v", got)
	}
	if relay.subscribeCalls != 1 {
		t.Fatalf("expected one batched subscription for both pubkeys, got %d", relay.subscribeCalls)
	}
}

func TestResolveProfile_MissWhenRelayHasNothing(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{MaxBatchSize: 1})

	_, ok := c.ResolveProfile(context.Background(), "nobody")
	if ok {
		t.Fatal("expected no profile when the relay subscription returns nothing")
	}
}

func TestResolveProfile_MissWhenRelaySubscribeFails(t *testing.T) {
	relay := &fakeRelay{subscribeErr: fmt.Errorf("no connected relays")}
	c := newTestCoordinator(t, relay, &fakeSeeder{}, nil, nil, Options{MaxBatchSize: 1})

	_, ok := c.ResolveProfile(context.Background(), "nobody")
	if ok {
		t.Fatal("expected no profile when the relay subscription fails")
	}
	if relay.subscribeCalls != profileBatchRetries {
		t.Fatalf("expected %d retry attempts, got %d", profileBatchRetries, relay.subscribeCalls)
	}
}

func TestHandleIncomingEvent_CachesProfileEvents(t *testing.T) {
	relay := &fakeRelay{}
	seeder := &fakeSeeder{seedMagnet: testMagnet(1)}
	c := newTestCoordinator(t, relay, seeder, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a"), PubKey: "carol", Kind: 0, Content: `{"name":"carol"}`}
	c.HandleIncomingEvent(context.Background(), evt)

	cached, ok := c.profileCache.Get("carol")
	if !ok || cached != evt {
		t.Fatalf("expected kind-0 event to be cached regardless of wot membership, got %+v ok=%v", cached, ok)
	}
}

func TestPublish_ReturnsErrorWithDisabledSeeder(t *testing.T) {
	relay := &fakeRelay{publishResults: []relaynet.PublishResult{{URL: "r1", Error: nil}}}
	c := newTestCoordinator(t, relay, errSeeder{}, nil, nil, Options{})

	if _, err := c.Publish(context.Background(), &nostr.Event{ID: idHex("a"), Kind: 1}, nil); err == nil {
		t.Fatal("expected an error, not a panic, when the swarm is disabled")
	}
}

func TestReseedEvent_ReturnsErrorWithDisabledSeeder(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestCoordinator(t, relay, errSeeder{}, nil, nil, Options{})

	if _, err := c.ReseedEvent(context.Background(), &nostr.Event{ID: idHex("a")}, false); err == nil {
		t.Fatal("expected an error, not a panic, when the swarm is disabled")
	}
}

func TestFetchMedia_ReturnsErrorWithDisabledSeeder(t *testing.T) {
	relay := &fakeRelay{}
	c := newTestCoordinator(t, relay, errSeeder{}, nil, nil, Options{})

	evt := &nostr.Event{ID: idHex("a"), Tags: nostr.Tags{{"bt", "magnet:?xt=urn:btih:x"}}}
	if _, err := c.FetchMedia(context.Background(), evt); err == nil {
		t.Fatal("expected an error, not a panic, when the swarm is disabled")
	}
}

func TestSubscribeP2P_ReturnsErrorWithDisabledSeeder(t *testing.T) {
	relay := &fakeRelay{awaitEvt: &nostr.Event{ID: idHex("x"), Content: testMagnet(4).String()}}
	c := newTestCoordinator(t, relay, errSeeder{}, nil, nil, Options{})

	if _, err := c.SubscribeP2P(context.Background(), "pk", "relaypk"); err == nil {
		t.Fatal("expected an error, not a panic, when the swarm is disabled")
	}
}

func TestPublishP2P_ReturnsErrorWithDisabledSeeder(t *testing.T) {
	relay := &fakeRelay{}
	feed := &fakeFeedUpdater{}
	c := newTestCoordinator(t, relay, errSeeder{}, feed, nil, Options{})

	if _, err := c.PublishP2P(context.Background(), &nostr.Event{ID: idHex("a")}); err == nil {
		t.Fatal("expected an error, not a panic, when the swarm is disabled")
	}
}

func idHex(seed string) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = byte('0' + (i+len(seed))%10)
	}
	return string(out)
}
