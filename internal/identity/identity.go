// Package identity holds the swarm-layer Ed25519 signing key used for
// DHT pointer authentication, and builds the cross-network attestation
// that binds it to a relay pubkey.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

const (
	AttestationDTag = "nostr-over-bt-identity"
	attestationKind = 30078
)

// Store holds an Ed25519 keypair for DHT record signing.
//
// NOTE: FromRelaySecret reuses the relay's Schnorr secret bytes
// directly as the Ed25519 seed. That is cross-algorithm key reuse; it
// is preserved here because the spec calls for deterministic
// derivation from the relay identity, not because it is good crypto
// hygiene. Flag it for security review before production use.
type Store struct {
	public ed25519.PublicKey
	secret ed25519.PrivateKey
}

// FromRelaySecret derives the swarm keypair from a 32-byte relay
// secret seed, truncating any longer input to 32 bytes.
func FromRelaySecret(relaySecret []byte) (*Store, error) {
	seed := relaySecret
	if len(seed) > ed25519.SeedSize {
		seed = seed[:ed25519.SeedSize]
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: relay secret must be at least %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	secret := ed25519.NewKeyFromSeed(seed)
	return &Store{
		public: secret.Public().(ed25519.PublicKey),
		secret: secret,
	}, nil
}

// Generate samples a fresh random Ed25519 keypair from the OS RNG.
func Generate() (*Store, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate key: %w", err)
	}
	return &Store{public: pub, secret: priv}, nil
}

// PublicKeyHex returns the hex-encoded 32-byte public key.
func (s *Store) PublicKeyHex() string {
	return hex.EncodeToString(s.public)
}

// SecretHex returns the hex-encoded 32-byte seed. Exposed only for
// persistence; callers should treat it as sensitive.
func (s *Store) SecretHex() string {
	return hex.EncodeToString(s.secret.Seed())
}

// Sign produces a 64-byte Ed25519 signature over arbitrary bytes.
// Synchronous and side-effect-free, as the DHT PUT path needs to sign
// opaque bencoded payloads handed to it by the DHT layer.
func (s *Store) Sign(data []byte) []byte {
	return ed25519.Sign(s.secret, data)
}

// PublicKey exposes the raw 32-byte public key, for building DHT
// pointer targets (target = H_SHA1(pubkey)).
func (s *Store) PublicKey() ed25519.PublicKey {
	return s.public
}

// Attestation builds the kind-30078 "nostr-over-bt-identity" event
// binding this swarm pubkey to relayPubkeyHex. The caller (holder of
// the relay secret key) must sign the returned event before publishing
// it.
func (s *Store) Attestation(relayPubkeyHex string) *nostr.Event {
	return &nostr.Event{
		PubKey:    relayPubkeyHex,
		CreatedAt: nostr.Now(),
		Kind:      attestationKind,
		Tags:      nostr.Tags{{"d", AttestationDTag}},
		Content:   s.PublicKeyHex(),
	}
}
