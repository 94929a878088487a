package relayfrontend

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// wsClient is one connected relay client: a gorilla/websocket
// connection plus the set of subscriptions it currently holds open.
// Grounded on the teacher's websocket.Client/Hub split
// (internal/websocket/hub.go, handler.go), narrowed from the
// server-fleet command/control protocol to plain NIP-01 frames. id
// mirrors the teacher's Client.ID (a uuid.UUID identifying the
// connection across log lines), even though nothing here keys a map by
// it the way the teacher's Hub does by ServerID.
type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte

	subsMu sync.Mutex
	subs   map[string]nostr.Filters
}

// hub tracks every connected client and fans newly-saved events out to
// whichever subscriptions match.
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	log.Printf("[relayfrontend] client %s connected (%d total)", c.id, len(h.clients))
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		log.Printf("[relayfrontend] client %s disconnected (%d total)", c.id, len(h.clients))
	}
}

// broadcast sends evt to every subscription across every client whose
// filters match it.
func (h *hub) broadcast(evt *nostr.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		c.subsMu.Lock()
		for subID, filters := range c.subs {
			if !filters.Match(evt) {
				continue
			}
			frame, err := json.Marshal([]interface{}{"EVENT", subID, evt})
			if err != nil {
				continue
			}
			select {
			case c.send <- frame:
			default:
				log.Printf("[relayfrontend] dropping broadcast to slow client, sub %s", subID)
			}
		}
		c.subsMu.Unlock()
	}
}
