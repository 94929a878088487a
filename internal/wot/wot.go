// Package wot implements WoTGraph: a degree-annotated follow set built
// by parsing kind-3 contact-list events, with shortest-path merge
// semantics. Grounded on nostrocket-deepfry's crawler package
// (FetchAndUpdateFollows/updateFollowsFromEvent's p-tag extraction),
// adapted from its Dgraph-backed store to a plain in-memory map.
package wot

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// DefaultMaxDegree bounds how far contact-list parsing will recurse.
const DefaultMaxDegree = 2

// node is one tracked pubkey's graph membership.
type node struct {
	degree     uint8
	lastSynced uint64
}

// Graph maps pubkey -> {degree, last_synced}. Safe for concurrent use.
type Graph struct {
	maxDegree uint8

	mu    sync.RWMutex
	nodes map[string]node
}

// New returns an empty graph bounded to maxDegree hops (DefaultMaxDegree
// if maxDegree == 0).
func New(maxDegree uint8) *Graph {
	if maxDegree == 0 {
		maxDegree = DefaultMaxDegree
	}
	return &Graph{
		maxDegree: maxDegree,
		nodes:     make(map[string]node),
	}
}

// ParseContactList extracts every p-tag pubkey from evt and adds it at
// degree. A no-op if degree exceeds the configured max.
func (g *Graph) ParseContactList(evt *nostr.Event, degree uint8) {
	if degree > g.maxDegree {
		return
	}
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			g.Add(tag[1], degree)
		}
	}
}

// Add inserts pubkey at degree if absent, or overwrites the stored
// degree if degree is strictly smaller than what is already recorded
// (shortest-path semantics: the closer sighting wins).
func (g *Graph) Add(pubkey string, degree uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.nodes[pubkey]
	if !ok || degree < existing.degree {
		g.nodes[pubkey] = node{degree: degree, lastSynced: existing.lastSynced}
	}
}

// Touch records that pubkey was synced at unix time ts, without
// altering its degree.
func (g *Graph) Touch(pubkey string, ts uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodes[pubkey]
	n.lastSynced = ts
	g.nodes[pubkey] = n
}

// PubkeysAt returns a snapshot of every pubkey currently recorded at
// exactly degree.
func (g *Graph) PubkeysAt(degree uint8) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for pk, n := range g.nodes {
		if n.degree == degree {
			out = append(out, pk)
		}
	}
	return out
}

// IsFollowing reports whether pubkey is present in the graph at any
// degree.
func (g *Graph) IsFollowing(pubkey string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[pubkey]
	return ok
}

// MaxDegree returns the configured recursion bound.
func (g *Graph) MaxDegree() uint8 {
	return g.maxDegree
}

// Size returns the number of distinct pubkeys tracked.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
