package relayfrontend

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// parsePubkeys resolves a mixed list of 64-char hex pubkeys and
// npub1... bech32 entries into a lookup set of hex pubkeys. Decoding
// bech32 via go-nostr's nip19 package mirrors what 00quasr-Shirushi's
// internal/nak.Decode does for the same NIP-19 job, without shelling
// out to an external CLI: the library is already a direct dependency,
// the nak binary is not.
func parsePubkeys(entries []string) (map[string]bool, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]bool, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "npub1") {
			prefix, value, err := nip19.Decode(entry)
			if err != nil {
				return nil, fmt.Errorf("relayfrontend: invalid npub %q: %w", entry, err)
			}
			if prefix != "npub" {
				return nil, fmt.Errorf("relayfrontend: %q is not an npub entity", entry)
			}
			hexPubkey, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("relayfrontend: unexpected npub payload for %q", entry)
			}
			out[hexPubkey] = true
			continue
		}
		if len(entry) != 64 {
			return nil, fmt.Errorf("relayfrontend: pubkey %q is neither an npub nor 64 hex characters", entry)
		}
		out[strings.ToLower(entry)] = true
	}
	return out, nil
}
