// Package relayfrontend implements the Relay Frontend: the ingest/
// query WebSocket loop (EVENT/REQ/CLOSE framing) plus the NIP-11 relay
// information document, fronted by a gorilla/mux router. Grounded on
// the teacher's internal/api.Server (router setup, Start/Shutdown over
// an *http.Server) and internal/websocket.Handler/Client (the
// upgrade-then-pump connection lifecycle).
package relayfrontend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/seedqueue"
	"github.com/nostrswarm/bridge/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// EventStore is the subset of RelayStore the frontend needs.
type EventStore interface {
	SaveEvent(ctx context.Context, evt *nostr.Event) (store.SaveResult, error)
	QueryEvents(ctx context.Context, filter store.Filter) ([]*nostr.Event, error)
}

// Queue is the subset of SeedingQueue the frontend needs. Nil disables
// seeding entirely.
type Queue interface {
	Submit(job seedqueue.Job) bool
}

// Info is the relay's NIP-11 identity.
type Info struct {
	Name        string
	Description string
	Pubkey      string
	Contact     string
}

// Options configures a Frontend.
type Options struct {
	AllowedPubkeys []string // hex or npub1... entries; empty disables whitelisting
	Info           Info
	// OnEvent is invoked after every newly-inserted event, e.g. to feed
	// TransportCoordinator.HandleIncomingEvent.
	OnEvent func(ctx context.Context, evt *nostr.Event)
	// Reseed builds the seed/reseed side effect submitted to Queue for
	// a newly-inserted event. Required when Queue is non-nil.
	Reseed func(ctx context.Context, evt *nostr.Event) error
}

// Frontend is the relay's HTTP/WebSocket ingest and query surface.
type Frontend struct {
	router *mux.Router
	server *http.Server

	store EventStore
	queue Queue

	whitelistMu sync.RWMutex
	whitelist   map[string]bool

	info    Info
	onEvent func(ctx context.Context, evt *nostr.Event)
	reseed  func(ctx context.Context, evt *nostr.Event) error

	hub      *hub
	upgrader websocket.Upgrader
}

// New constructs a Frontend. queue may be nil to disable reseed
// submission entirely.
func New(eventStore EventStore, queue Queue, opts Options) (*Frontend, error) {
	whitelist, err := parsePubkeys(opts.AllowedPubkeys)
	if err != nil {
		return nil, err
	}
	f := &Frontend{
		store:     eventStore,
		queue:     queue,
		whitelist: whitelist,
		info:      opts.Info,
		onEvent:   opts.OnEvent,
		reseed:    opts.Reseed,
		hub:       newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	f.router = mux.NewRouter()
	f.router.HandleFunc("/", f.handleRoot)
	return f, nil
}

// Start begins serving on addr (":4848"-style) and blocks until the
// server stops.
func (f *Frontend) Start(addr string) error {
	f.server = &http.Server{
		Addr:         addr,
		Handler:      f.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("[relayfrontend] listening on %s", addr)
	err := f.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (f *Frontend) Shutdown(ctx context.Context) error {
	if f.server == nil {
		return nil
	}
	return f.server.Shutdown(ctx)
}

// UpdateWhitelist swaps in a freshly parsed set of allowed pubkeys,
// letting a config hot-reload take effect without a restart.
func (f *Frontend) UpdateWhitelist(entries []string) error {
	whitelist, err := parsePubkeys(entries)
	if err != nil {
		return err
	}
	f.whitelistMu.Lock()
	f.whitelist = whitelist
	f.whitelistMu.Unlock()
	log.Printf("[relayfrontend] whitelist reloaded (%d entries)", len(whitelist))
	return nil
}

// handleRoot dispatches NIP-11 info requests (Accept:
// application/nostr+json) and WebSocket upgrades, per the standard
// nostr convention of serving both off the relay's root URL.
func (f *Frontend) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/nostr+json") {
		f.serveInfo(w, r)
		return
	}
	f.serveWebSocket(w, r)
}

func (f *Frontend) serveInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":           f.info.Name,
		"description":    f.info.Description,
		"pubkey":         f.info.Pubkey,
		"contact":        f.info.Contact,
		"supported_nips": []int{1, 9, 11, 33},
		"software":       "nostrswarm-bridge",
		"version":        "0.1.0",
	})
}

func (f *Frontend) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relayfrontend] upgrade failed: %v", err)
		return
	}
	c := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		subs: make(map[string]nostr.Filters),
	}
	f.hub.register(c)

	go f.writePump(c)
	go f.readPump(c)
}

func (f *Frontend) readPump(c *wsClient) {
	defer func() {
		f.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		f.handleFrame(c, data)
	}
}

func (f *Frontend) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Frontend) handleFrame(c *wsClient, data []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		f.sendNotice(c, "invalid frame")
		return
	}
	var frameType string
	if err := json.Unmarshal(raw[0], &frameType); err != nil {
		f.sendNotice(c, "invalid frame type")
		return
	}
	switch frameType {
	case "EVENT":
		f.handleEvent(c, raw)
	case "REQ":
		f.handleReq(c, raw)
	case "CLOSE":
		f.handleClose(c, raw)
	default:
		f.sendNotice(c, fmt.Sprintf("unknown frame type %q", frameType))
	}
}

func (f *Frontend) handleEvent(c *wsClient, raw []json.RawMessage) {
	if len(raw) < 2 {
		f.sendNotice(c, "EVENT frame missing payload")
		return
	}
	var evt nostr.Event
	if err := json.Unmarshal(raw[1], &evt); err != nil {
		f.sendNotice(c, "malformed event")
		return
	}

	ctx := context.Background()

	f.whitelistMu.RLock()
	allowed := f.whitelist == nil || f.whitelist[evt.PubKey]
	f.whitelistMu.RUnlock()
	if !allowed {
		f.sendOK(c, evt.ID, false, "restricted: pubkey not whitelisted")
		return
	}

	result, err := f.store.SaveEvent(ctx, &evt)
	if err != nil {
		f.sendOK(c, evt.ID, false, err.Error())
		return
	}
	f.sendOK(c, evt.ID, true, "")

	if result.Changes == 0 {
		return
	}

	if f.queue != nil {
		evtCopy := evt
		f.queue.Submit(seedqueue.Job{
			EventID: evt.ID,
			Reseed: func(ctx context.Context) error {
				if f.reseed == nil {
					return nil
				}
				return f.reseed(ctx, &evtCopy)
			},
		})
	}

	if f.onEvent != nil {
		f.onEvent(ctx, &evt)
	}

	f.hub.broadcast(&evt)
}

func (f *Frontend) handleReq(c *wsClient, raw []json.RawMessage) {
	if len(raw) < 2 {
		f.sendNotice(c, "REQ frame missing subscription id")
		return
	}
	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		f.sendNotice(c, "invalid subscription id")
		return
	}

	filters := make(nostr.Filters, 0, len(raw)-2)
	for _, part := range raw[2:] {
		var filter nostr.Filter
		if err := json.Unmarshal(part, &filter); err != nil {
			f.sendNotice(c, "invalid filter")
			return
		}
		filters = append(filters, filter)
	}

	c.subsMu.Lock()
	c.subs[subID] = filters
	c.subsMu.Unlock()

	ctx := context.Background()
	seen := make(map[string]bool)
	for _, filter := range filters {
		events, err := f.store.QueryEvents(ctx, toStoreFilter(filter))
		if err != nil {
			log.Printf("[relayfrontend] query for sub %s failed: %v", subID, err)
			continue
		}
		for _, evt := range events {
			if seen[evt.ID] {
				continue
			}
			seen[evt.ID] = true
			f.sendEvent(c, subID, evt)
		}
	}
	f.sendFrame(c, []interface{}{"EOSE", subID})
}

func (f *Frontend) handleClose(c *wsClient, raw []json.RawMessage) {
	if len(raw) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		return
	}
	c.subsMu.Lock()
	delete(c.subs, subID)
	c.subsMu.Unlock()
}

func toStoreFilter(filter nostr.Filter) store.Filter {
	sf := store.Filter{
		IDs:     filter.IDs,
		Authors: filter.Authors,
		Kinds:   filter.Kinds,
		Limit:   filter.Limit,
		Search:  filter.Search,
	}
	if filter.Since != nil {
		v := int64(*filter.Since)
		sf.Since = &v
	}
	if filter.Until != nil {
		v := int64(*filter.Until)
		sf.Until = &v
	}
	if len(filter.Tags) > 0 {
		sf.Tags = map[string][]string(filter.Tags)
	}
	return sf
}

func (f *Frontend) sendFrame(c *wsClient, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[relayfrontend] dropping outgoing frame for slow client")
	}
}

func (f *Frontend) sendOK(c *wsClient, id string, ok bool, reason string) {
	f.sendFrame(c, []interface{}{"OK", id, ok, reason})
}

func (f *Frontend) sendNotice(c *wsClient, message string) {
	f.sendFrame(c, []interface{}{"NOTICE", message})
}

func (f *Frontend) sendEvent(c *wsClient, subID string, evt *nostr.Event) {
	f.sendFrame(c, []interface{}{"EVENT", subID, evt})
}
