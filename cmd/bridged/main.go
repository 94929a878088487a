// Command bridged runs the RelayNet/SwarmNet bridge: a relay frontend
// (WebSocket ingest/query + NIP-11 info) backed by an embedded SQLite
// event store, wired to a BitTorrent swarm client and DHT for
// content-addressed seeding and signed mutable pointers. Wiring mirrors
// the teacher's cmd/omnicloud/main.go: load config, open the store,
// construct the swarm/relay/dht clients, construct the top-level
// coordinator, start the HTTP/WS frontend and seeding queue, block on
// signals.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrswarm/bridge/internal/codec"
	"github.com/nostrswarm/bridge/internal/config"
	"github.com/nostrswarm/bridge/internal/coordinator"
	"github.com/nostrswarm/bridge/internal/dhtclient"
	"github.com/nostrswarm/bridge/internal/feedmanager"
	"github.com/nostrswarm/bridge/internal/feedtracker"
	"github.com/nostrswarm/bridge/internal/identity"
	"github.com/nostrswarm/bridge/internal/magnet"
	"github.com/nostrswarm/bridge/internal/relayfrontend"
	"github.com/nostrswarm/bridge/internal/relaynet"
	"github.com/nostrswarm/bridge/internal/seedqueue"
	"github.com/nostrswarm/bridge/internal/store"
	"github.com/nostrswarm/bridge/internal/swarm"
	"github.com/nostrswarm/bridge/internal/wot"
)

const dhtBootstrapTimeout = 15 * time.Second

// disabledPointerResolver stands in for FeedManager when ENABLE_BT is
// false, so FeedTracker always has a live, non-nil PointerResolver
// instead of an interface wrapping a nil *feedmanager.Manager.
type disabledPointerResolver struct{}

func (disabledPointerResolver) ResolveFeedPointer(ctx context.Context, pubkeyHex string) (*dhtclient.Record, error) {
	return nil, fmt.Errorf("bridge: bittorrent swarm disabled, no feed pointer to resolve")
}

// disabledSeeder stands in for SwarmClient when ENABLE_BT is false, so
// Coordinator always has a live, non-nil Seeder instead of an
// interface wrapping a nil *swarm.Client -- calling a method on that
// nil interface would panic the first time any event is reseeded.
type disabledSeeder struct{}

func (disabledSeeder) Seed(ctx context.Context, buffer []byte, filename string) (*magnet.URI, error) {
	return nil, fmt.Errorf("bridge: bittorrent swarm disabled, cannot seed %s", filename)
}

func (disabledSeeder) Fetch(ctx context.Context, magnetURI string, deadline time.Duration) ([]byte, error) {
	return nil, fmt.Errorf("bridge: bittorrent swarm disabled, cannot fetch %s", magnetURI)
}

func main() {
	log.Printf("Starting nostrswarm bridge...")

	configPath := os.Getenv("BRIDGE_CONFIG")
	if configPath == "" {
		if wd, err := os.Getwd(); err == nil {
			candidate := filepath.Join(wd, "bridge.conf")
			if _, statErr := os.Stat(candidate); statErr == nil {
				configPath = candidate
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	secretHex := os.Getenv("RELAY_SECRET_HEX")
	if secretHex == "" {
		secretHex = nostr.GeneratePrivateKey()
		log.Printf("WARNING: no RELAY_SECRET_HEX set, generated an ephemeral relay identity for this run")
	}
	relayPubkeyHex, err := nostr.GetPublicKey(secretHex)
	if err != nil {
		log.Fatalf("failed to derive relay public key: %v", err)
	}
	if cfg.RelayPubkey == "" {
		cfg.RelayPubkey = relayPubkeyHex
	}
	log.Printf("Relay identity: %s", cfg.RelayPubkey)

	secretBytes, err := hex.DecodeString(secretHex)
	if err != nil {
		log.Fatalf("relay secret is not valid hex: %v", err)
	}
	idStore, err := identity.FromRelaySecret(secretBytes)
	if err != nil {
		log.Fatalf("failed to derive swarm identity: %v", err)
	}
	log.Printf("Swarm identity: %s", idStore.PublicKeyHex())

	eventStore, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open event store at %s: %v", cfg.DBPath, err)
	}
	defer eventStore.Close()
	log.Printf("Event store opened: %s", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var trackers []string
	if cfg.TrackerPort > 0 {
		trackers = append(trackers, fmt.Sprintf("http://%s:%d/announce", cfg.DHTHost, cfg.TrackerPort))
	}

	var (
		swarmClient *swarm.Client
		dhtHandle   *dhtclient.Client
		feedMgr     *feedmanager.Manager
	)
	if cfg.EnableBT {
		dataDir := filepath.Join(filepath.Dir(cfg.DBPath), "bridge-swarm-data")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Fatalf("failed to create swarm data dir %s: %v", dataDir, err)
		}

		torrentCfg := torrent.NewDefaultClientConfig()
		torrentCfg.DataDir = dataDir
		torrentCfg.Seed = true
		torrentCfg.NoDHT = false // the bridge needs the DHT for BEP-44 pointers

		torrentClient, err := torrent.NewClient(torrentCfg)
		if err != nil {
			log.Fatalf("failed to create torrent client: %v", err)
		}
		defer torrentClient.Close()

		swarmClient = swarm.New(torrentClient, dataDir)
		for _, tr := range trackers {
			swarmClient.AnnounceTracker(tr)
		}
		log.Println("Swarm client initialized")

		dhtServer := swarmClient.DHTHandle()
		if dhtServer == nil {
			log.Fatalf("torrent client has no DHT server, cannot bootstrap feed manager")
		}

		bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, dhtBootstrapTimeout)
		if err := dhtclient.Bootstrap(bootstrapCtx, dhtServer, dhtBootstrapTimeout); err != nil {
			log.Printf("WARNING: DHT bootstrap did not complete: %v (continuing, will retry lazily)", err)
		}
		bootstrapCancel()

		dhtHandle = dhtclient.New(dhtServer)
		feedMgr = feedmanager.New(idStore, dhtHandle, swarmClient, feedmanager.Options{
			IndexLimit: cfg.IndexLimit,
			Trackers:   trackers,
		})
		feedMgr.SyncSequence(ctx)
		log.Println("Feed manager initialized")
	} else {
		log.Println("BitTorrent swarm disabled (ENABLE_BT=false)")
	}

	relayClient := relaynet.New()
	defer relayClient.Close()
	selfRelayURL := fmt.Sprintf("ws://127.0.0.1:%d", cfg.Port)
	relayClient.Add(ctx, selfRelayURL)
	log.Printf("Relay client bootstrapped with self peer %s", selfRelayURL)

	graph := wot.New(uint8(cfg.MaxDegree))

	var pointerResolver feedtracker.PointerResolver
	var seeder coordinator.Seeder
	var feedUpdater coordinator.FeedUpdater
	if feedMgr != nil {
		pointerResolver = feedMgr
		feedUpdater = feedMgr
	} else {
		pointerResolver = disabledPointerResolver{}
	}
	if swarmClient != nil {
		seeder = swarmClient
	} else {
		seeder = disabledSeeder{}
	}

	tracker, err := feedtracker.New(pointerResolver, relayClient, trackers, cfg.MagnetCacheSize)
	if err != nil {
		log.Fatalf("failed to construct feed tracker: %v", err)
	}

	coord, err := coordinator.New(relayClient, seeder, feedUpdater, graph, tracker, codec.New(), coordinator.Options{
		Trackers:         trackers,
		MaxDegree:        uint8(cfg.MaxDegree),
		CacheSize:        cfg.KeyCacheSize,
		ProfileCacheSize: cfg.ProfileCacheSize,
		ProfileCacheTTL:  time.Duration(cfg.ProfileCacheTTLHours) * time.Hour,
		SignEvent: func(evt *nostr.Event) error {
			return evt.Sign(secretHex)
		},
	})
	if err != nil {
		log.Fatalf("failed to construct transport coordinator: %v", err)
	}
	log.Println("Transport coordinator initialized")

	queue := seedqueue.New(cfg.SeedingWorkers, cfg.SeedingWorkers*4)
	queue.Start(ctx)
	defer queue.Close()
	log.Printf("Seeding queue started (%d workers)", cfg.SeedingWorkers)

	frontend, err := relayfrontend.New(eventStore, queue, relayfrontend.Options{
		AllowedPubkeys: cfg.AllowedPubkeys,
		Info: relayfrontend.Info{
			Name:        cfg.RelayName,
			Description: cfg.RelayDescription,
			Pubkey:      cfg.RelayPubkey,
			Contact:     cfg.RelayContact,
		},
		OnEvent: coord.HandleIncomingEvent,
		Reseed: func(ctx context.Context, evt *nostr.Event) error {
			_, err := coord.ReseedEvent(ctx, evt, false)
			return err
		},
	})
	if err != nil {
		log.Fatalf("failed to construct relay frontend: %v", err)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(reloaded *config.Config) {
			if err := frontend.UpdateWhitelist(reloaded.AllowedPubkeys); err != nil {
				log.Printf("failed to apply reloaded whitelist: %v", err)
			}
		})
		if err != nil {
			log.Printf("WARNING: config hot-reload disabled: %v", err)
		} else if err := watcher.Start(); err != nil {
			log.Printf("WARNING: config hot-reload disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	go func() {
		if err := frontend.Start(addr); err != nil {
			log.Printf("relay frontend error: %v", err)
		}
	}()
	log.Printf("Relay frontend listening on %s", addr)

	log.Println("nostrswarm bridge is running")
	log.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping bridge...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := frontend.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down relay frontend: %v", err)
	}

	log.Println("nostrswarm bridge stopped")
}
