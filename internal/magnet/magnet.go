// Package magnet parses and builds magnet URIs of the shape
// "magnet:?xt=urn:btih:<40-hex>&dn=<name>&tr=<tracker>*", preserving
// insertion order of the tracker set so that decode-then-encode is
// idempotent.
package magnet

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// URI is a parsed magnet link: a content hash plus an ordered,
// deduplicated tracker set.
type URI struct {
	InfoHash    metainfo.Hash // 20-byte SHA-1 content address
	DisplayName string
	Trackers    []string // insertion order preserved, no duplicates
}

// Parse decodes a magnet URI string.
func Parse(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("magnet: invalid URI: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: scheme must be \"magnet\", got %q", u.Scheme)
	}

	q := u.Query()
	xt := q.Get("xt")
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, fmt.Errorf("magnet: missing or malformed xt parameter")
	}
	hashHex := strings.ToLower(strings.TrimPrefix(xt, prefix))
	if len(hashHex) != 40 {
		return nil, fmt.Errorf("magnet: infohash must be 40 hex characters, got %d", len(hashHex))
	}

	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) != metainfo.HashSize {
		return nil, fmt.Errorf("magnet: invalid infohash hex")
	}
	var hash metainfo.Hash
	copy(hash[:], raw)

	seen := make(map[string]bool)
	var trackers []string
	for _, tr := range q["tr"] {
		if tr == "" || seen[tr] {
			continue
		}
		seen[tr] = true
		trackers = append(trackers, tr)
	}

	return &URI{
		InfoHash:    hash,
		DisplayName: q.Get("dn"),
		Trackers:    trackers,
	}, nil
}

// String renders the canonical magnet URI: xt, then dn (if set), then
// tr for each tracker in insertion order.
func (m *URI) String() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(hex.EncodeToString(m.InfoHash[:]))
	if m.DisplayName != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.DisplayName))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}

// WithTrackers returns a copy of m whose tracker set is the union of
// m's trackers and extra, preserving m's order first and deduplicating.
func (m *URI) WithTrackers(extra []string) *URI {
	seen := make(map[string]bool, len(m.Trackers))
	merged := make([]string, 0, len(m.Trackers)+len(extra))
	for _, tr := range m.Trackers {
		if !seen[tr] {
			seen[tr] = true
			merged = append(merged, tr)
		}
	}
	for _, tr := range extra {
		if tr != "" && !seen[tr] {
			seen[tr] = true
			merged = append(merged, tr)
		}
	}
	out := *m
	out.Trackers = merged
	return &out
}

// New builds a URI from a raw 20-byte infohash, name and tracker list.
func New(hash metainfo.Hash, displayName string, trackers []string) *URI {
	return (&URI{InfoHash: hash, DisplayName: displayName}).WithTrackers(trackers)
}
