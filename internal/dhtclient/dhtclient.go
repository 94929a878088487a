// Package dhtclient implements PUT/GET of signed BEP-44 mutable
// records against the SwarmNet DHT, on top of
// github.com/anacrolix/dht/v2's bep44/getput extensions -- the same
// pattern HORNET-Storage's relay-store sync package uses to publish
// mutable pointers.
package dhtclient

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/bep44"
	"github.com/anacrolix/dht/v2/exts/getput"
	"github.com/anacrolix/torrent/bencode"

	"github.com/nostrswarm/bridge/internal/bridgeerr"
)

// Signer produces a 64-byte signature over bytes handed to it (see
// identity.Store.Sign). No salt is used: target = SHA1(pubkey), per
// canonical BEP-44 (spec's "the other code path" that skips hashing is
// treated as a bug, not followed here).
type Signer func(data []byte) []byte

// Client wraps a DHT server for mutable PUT/GET of pointer records.
type Client struct {
	server *dht.Server
}

// New wraps an already-bootstrapped DHT server.
func New(server *dht.Server) *Client {
	return &Client{server: server}
}

// Target computes the BEP-44 mutable target for a 32-byte pubkey:
// SHA1(pubkey), no salt.
func Target(pubkey []byte) [20]byte {
	return sha1.Sum(pubkey)
}

// Record is the decoded value half of a pointer record ({ih, ts, npk?}).
type Record struct {
	InfoHash [20]byte
	TS       uint64
	NPK      *[32]byte
}

type wireValue struct {
	IH  []byte `bencode:"ih"`
	TS  uint64 `bencode:"ts"`
	NPK []byte `bencode:"npk,omitempty"`
}

// Put signs and publishes a pointer record {k, seq, v:{ih, ts, npk?}} at
// target = SHA1(pubkey).
func (c *Client) Put(ctx context.Context, pubkey [32]byte, seq int64, rec Record, sign Signer) error {
	target := Target(pubkey[:])

	v := wireValue{IH: rec.InfoHash[:], TS: rec.TS}
	if rec.NPK != nil {
		v.NPK = rec.NPK[:]
	}

	k := pubkey
	_, err := getput.Put(ctx, target, c.server, nil, func(curSeq int64) bep44.Put {
		put := bep44.Put{
			K:   &k,
			V:   v,
			Seq: seq,
		}
		sigInput, serr := signatureInput(&put)
		if serr != nil {
			return put
		}
		sig := sign(sigInput)
		copy(put.Sig[:], sig)
		return put
	})
	if err != nil {
		return bridgeerr.NewTransportError(bridgeerr.TransportCore, "dht.put", err)
	}
	return nil
}

// Get resolves the current pointer record for pubkey, or (nil, nil) if
// no record is stored yet.
func (c *Client) Get(ctx context.Context, pubkey [32]byte) (*Record, int64, error) {
	target := bep44.Target(Target(pubkey[:]))

	result, _, err := getput.Get(ctx, target, c.server, nil, nil)
	if err != nil {
		return nil, 0, nil //nolint:nilerr // absence is not an error; caller treats nil as "no record"
	}

	var v wireValue
	if err := bencode.Unmarshal(result.V, &v); err != nil {
		return nil, 0, bridgeerr.NewInvalidEvent("malformed pointer record value", err)
	}
	if len(v.IH) != 20 {
		return nil, 0, bridgeerr.NewInvalidEvent("pointer record infohash wrong length", nil)
	}

	rec := &Record{TS: v.TS}
	copy(rec.InfoHash[:], v.IH)
	if len(v.NPK) == 32 {
		var npk [32]byte
		copy(npk[:], v.NPK)
		rec.NPK = &npk
	}

	return rec, result.Seq, nil
}

// Bootstrap blocks until the DHT has at least one known node, or
// deadline elapses.
func Bootstrap(ctx context.Context, server *dht.Server, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if server.Stats().GoodNodes > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return &bridgeerr.Timeout{Op: "dht.bootstrap", Deadline: deadline.String()}
		case <-ticker.C:
		}
	}
}

// signatureInput builds the canonical bencoded "(seq, v)" byte string
// that the signature must cover, matching the
// SignPut/createSignatureInput pattern used against this same library.
func signatureInput(put *bep44.Put) ([]byte, error) {
	var buf bytes.Buffer
	if len(put.Salt) > 0 {
		fmt.Fprintf(&buf, "4:salt%d:", len(put.Salt))
		buf.Write(put.Salt)
	}
	fmt.Fprintf(&buf, "3:seqi%de1:v", put.Seq)
	enc := bencode.NewEncoder(&buf)
	if err := enc.Encode(put.V); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
