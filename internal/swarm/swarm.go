// Package swarm implements SwarmClient: the seed-buffer-returns-magnet
// and fetch-magnet-returns-buffer abstractions over a real
// anacrolix/torrent client, adapted from the teacher's
// internal/torrent.Client (single-file in-memory torrents instead of
// whole DCP package directories).
package swarm

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"github.com/nostrswarm/bridge/internal/bridgeerr"
	"github.com/nostrswarm/bridge/internal/dhtclient"
	"github.com/nostrswarm/bridge/internal/magnet"
)

const (
	DefaultFetchDeadline = 5 * time.Second
	DefaultDHTDeadline   = 10 * time.Second

	minPieceLength = 16 * 1024
	maxPieceLength = 4 * 1024 * 1024
)

// Client wraps a torrent.Client, seeding and fetching single-file
// in-memory objects addressed by magnet URI.
type Client struct {
	client  *torrent.Client
	dataDir string

	mu       sync.Mutex
	trackers []string // announced to every new seed
	seeded   map[metainfo.Hash]*torrent.Torrent
}

// New wraps an already-constructed torrent.Client. dataDir must match
// the client's configured DataDir, since Seed writes files there
// directly before adding them for seeding.
func New(client *torrent.Client, dataDir string) *Client {
	return &Client{
		client:  client,
		dataDir: dataDir,
		seeded:  make(map[metainfo.Hash]*torrent.Torrent),
	}
}

// AnnounceTracker adds url to the tracker list used by future seeds. It
// does not retroactively re-announce torrents already seeding.
func (c *Client) AnnounceTracker(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.trackers {
		if t == url {
			return
		}
	}
	c.trackers = append(c.trackers, url)
}

// Seed writes buffer to disk under filename, builds a single-file
// torrent, and adds it for seeding. Repeated seeds of identical bytes
// under the same filename produce the same info hash -- the info
// dictionary depends only on name, length and piece hashes -- and the
// second call is a no-op that returns the same magnet.
func (c *Client) Seed(ctx context.Context, buffer []byte, filename string) (*magnet.URI, error) {
	info := metainfo.Info{
		PieceLength: pieceLength(len(buffer)),
		Name:        filename,
		Length:      int64(len(buffer)),
	}
	info.Pieces = hashPieces(buffer, info.PieceLength)

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportBT, "swarm.seed.marshal_info", err)
	}
	hash := metainfo.Hash(sha1.Sum(infoBytes))

	c.mu.Lock()
	if _, exists := c.seeded[hash]; exists {
		trackers := append([]string(nil), c.trackers...)
		c.mu.Unlock()
		return magnet.New(hash, filename, trackers), nil
	}
	trackers := append([]string(nil), c.trackers...)
	c.mu.Unlock()

	path := filepath.Join(c.dataDir, filename)
	if err := os.WriteFile(path, buffer, 0o644); err != nil {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportBT, "swarm.seed.write", err)
	}

	var announce [][]string
	if len(trackers) > 0 {
		announce = [][]string{trackers}
	}

	t, _, err := c.client.AddTorrentSpec(&torrent.TorrentSpec{
		InfoHash:  hash,
		InfoBytes: infoBytes,
		Trackers:  announce,
		Storage:   storage.NewFile(c.dataDir),
	})
	if err != nil {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportBT, "swarm.seed.add_torrent", err)
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		return nil, &bridgeerr.Timeout{Op: "swarm.seed", Deadline: "ctx"}
	}

	c.mu.Lock()
	c.seeded[hash] = t
	c.mu.Unlock()

	log.Printf("[swarm] seeded %s as %s (%d bytes)", hash.HexString(), filename, len(buffer))

	return magnet.New(hash, filename, trackers), nil
}

// Fetch joins the swarm for magnetURI and returns the bytes of its
// first (only) file, or fails with Timeout/TransportError.
func (c *Client) Fetch(ctx context.Context, magnetURI string, deadline time.Duration) ([]byte, error) {
	if deadline <= 0 {
		deadline = DefaultFetchDeadline
	}
	m, err := magnet.Parse(magnetURI)
	if err != nil {
		return nil, bridgeerr.NewInvalidEvent("swarm.fetch: bad magnet", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	t, isNew := c.client.AddTorrentInfoHash(m.InfoHash)
	if isNew && len(m.Trackers) > 0 {
		t.AddTrackers([][]string{m.Trackers})
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		return nil, &bridgeerr.Timeout{Op: "swarm.fetch.got_info", Deadline: deadline.String()}
	}

	info := t.Info()
	if info == nil || (len(info.Files) == 0 && info.Length == 0) {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportBT, "swarm.fetch", fmt.Errorf("no files resolved for %s", m.InfoHash.HexString()))
	}

	t.DownloadAll()

	if err := waitForCompletion(ctx, t); err != nil {
		return nil, err
	}

	r := t.NewReader()
	defer r.Close()

	buf := make([]byte, t.Length())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, bridgeerr.NewTransportError(bridgeerr.TransportBT, "swarm.fetch.read", err)
	}
	return buf, nil
}

// DHTHandle exposes the DHT server backing this torrent client's
// first socket, for FeedManager's dhtclient.Client.
func (c *Client) DHTHandle() *dht.Server {
	servers := c.client.DhtServers()
	if len(servers) == 0 {
		return nil
	}
	return servers[0]
}

// WaitForDHT resolves when the DHT has at least one known node.
func (c *Client) WaitForDHT(ctx context.Context, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = DefaultDHTDeadline
	}
	server := c.DHTHandle()
	if server == nil {
		return bridgeerr.NewTransportError(bridgeerr.TransportBT, "swarm.wait_for_dht", fmt.Errorf("no dht server configured"))
	}
	return dhtclient.Bootstrap(ctx, server, deadline)
}

// waitForCompletion polls BytesMissing until it reaches zero or ctx is
// done. The torrent library has no blocking "download complete"
// channel, so this mirrors the polling pattern the teacher's
// monitorDownload uses.
func waitForCompletion(ctx context.Context, t *torrent.Torrent) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if t.BytesMissing() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return &bridgeerr.Timeout{Op: "swarm.fetch.download", Deadline: "ctx"}
		case <-ticker.C:
		}
	}
}

func pieceLength(size int) int64 {
	if size <= minPieceLength {
		return minPieceLength
	}
	pl := int64(minPieceLength)
	for pl*64 < int64(size) && pl < maxPieceLength {
		pl *= 2
	}
	return pl
}

// hashPieces splits buffer into pieceLen-sized chunks and returns the
// concatenation of their SHA-1 digests, the raw form metainfo.Info.Pieces
// expects.
func hashPieces(buffer []byte, pieceLen int64) []byte {
	if pieceLen <= 0 {
		pieceLen = minPieceLength
	}
	var out []byte
	for off := 0; off < len(buffer); off += int(pieceLen) {
		end := off + int(pieceLen)
		if end > len(buffer) {
			end = len(buffer)
		}
		sum := sha1.Sum(buffer[off:end])
		out = append(out, sum[:]...)
	}
	if len(buffer) == 0 {
		sum := sha1.Sum(nil)
		out = append(out, sum[:]...)
	}
	return out
}
