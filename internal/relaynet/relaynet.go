// Package relaynet implements RelayClient: a small pool of relay
// connections supporting fan-out publish, long-lived subscriptions,
// and one-shot filter-based waits, grounded on 00quasr-Shirushi's
// internal/relay.Pool (itself built on nbd-wtf/go-nostr).
package relaynet

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/bridgeerr"
)

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 10 * time.Second
	subscribeTimeout = 10 * time.Second
)

// conn is one pooled relay connection.
type conn struct {
	url       string
	relay     *nostr.Relay
	connected bool
	lastErr   string
}

// Client manages connections to a set of relays and fans operations
// out across all of them.
type Client struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

// New returns a Client with no relays connected. Use Add to connect.
func New() *Client {
	return &Client{conns: make(map[string]*conn)}
}

// Add connects to url in the background. A relay already present is a
// no-op.
func (c *Client) Add(ctx context.Context, url string) {
	c.mu.Lock()
	if _, exists := c.conns[url]; exists {
		c.mu.Unlock()
		return
	}
	c.conns[url] = &conn{url: url}
	c.mu.Unlock()

	go c.connect(ctx, url)
}

func (c *Client) connect(ctx context.Context, url string) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	relay, err := nostr.RelayConnect(ctx, url)

	c.mu.Lock()
	defer c.mu.Unlock()
	cn, exists := c.conns[url]
	if !exists {
		return // removed while connecting
	}
	if err != nil {
		cn.connected = false
		cn.lastErr = err.Error()
		log.Printf("[relaynet] connect %s failed: %v", url, err)
		return
	}
	cn.relay = relay
	cn.connected = true
	cn.lastErr = ""
	log.Printf("[relaynet] connected to %s", url)
}

// Remove disconnects and forgets url.
func (c *Client) Remove(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, exists := c.conns[url]
	if !exists {
		return
	}
	if cn.relay != nil {
		cn.relay.Close()
	}
	delete(c.conns, url)
}

// connectedRelays returns a snapshot of currently connected relays.
func (c *Client) connectedRelays() []*nostr.Relay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*nostr.Relay
	for _, cn := range c.conns {
		if cn.connected && cn.relay != nil {
			out = append(out, cn.relay)
		}
	}
	return out
}

// PublishResult is one relay's outcome for a Publish call.
type PublishResult struct {
	URL   string
	Error error
}

// Publish fans evt out to every connected relay concurrently and
// returns each relay's outcome. A nil error on at least one result
// indicates the event reached the network; the caller decides how
// many acks are required.
func (c *Client) Publish(ctx context.Context, evt nostr.Event) []PublishResult {
	c.mu.RLock()
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.RUnlock()

	results := make([]PublishResult, len(conns))
	var wg sync.WaitGroup
	for i, cn := range conns {
		wg.Add(1)
		go func(i int, cn *conn) {
			defer wg.Done()
			if !cn.connected || cn.relay == nil {
				results[i] = PublishResult{URL: cn.url, Error: fmt.Errorf("relay not connected")}
				return
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			defer cancel()
			err := cn.relay.Publish(pctx, evt)
			results[i] = PublishResult{URL: cn.url, Error: err}
		}(i, cn)
	}
	wg.Wait()
	return results
}

// Subscribe opens a long-lived subscription against every connected
// relay for filter, merging their events onto one channel. The
// returned cancel func unsubscribes from all relays and closes the
// channel. The channel is unbuffered from the caller's perspective but
// internally fanned-in; slow consumers block publishers.
func (c *Client) Subscribe(ctx context.Context, filter nostr.Filter) (<-chan *nostr.Event, func(), error) {
	relays := c.connectedRelays()
	if len(relays) == 0 {
		return nil, nil, bridgeerr.NewTransportError(bridgeerr.TransportNostr, "relaynet.subscribe", fmt.Errorf("no connected relays"))
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *nostr.Event)
	var wg sync.WaitGroup

	for _, relay := range relays {
		sub, err := relay.Subscribe(ctx, nostr.Filters{filter})
		if err != nil {
			log.Printf("[relaynet] subscribe to %s failed: %v", relay.URL, err)
			continue
		}
		wg.Add(1)
		go func(sub *nostr.Subscription) {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	stop := func() {
		cancel()
		wg.Wait()
		close(out)
	}
	return out, stop, nil
}

// AwaitEvent subscribes to filter across all connected relays and
// returns the first matching event, or Timeout if deadline elapses
// first.
func (c *Client) AwaitEvent(ctx context.Context, filter nostr.Filter, deadline time.Duration) (*nostr.Event, error) {
	if deadline <= 0 {
		deadline = subscribeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	events, stop, err := c.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer stop()

	select {
	case ev := <-events:
		return ev, nil
	case <-ctx.Done():
		return nil, &bridgeerr.Timeout{Op: "relaynet.await_event", Deadline: deadline.String()}
	}
}

// Close disconnects every relay.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, cn := range c.conns {
		if cn.relay != nil {
			cn.relay.Close()
		}
		delete(c.conns, url)
	}
}
