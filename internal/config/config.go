// Package config loads bridge configuration from an optional key=value
// file plus environment variables, with environment variables taking
// precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config holds all relay-binary configuration (spec §6 "Environment
// variables (Relay binary)").
type Config struct {
	Port        int    // relay frontend HTTP/WS listen port
	TrackerPort int     // BitTorrent tracker announce port, 0 = no embedded tracker
	DBPath      string  // sqlite database file for RelayStore
	EnableBT    bool    // whether SwarmClient seeding/fetching is active

	AllowedPubkeys []string // hex or npub1... entries; empty = no whitelist

	RelayName        string
	RelayDescription string
	RelayPubkey      string
	RelayContact     string

	DHTBootstrap []string // host:port bootstrap nodes
	DHTHost      string    // local bind host for the DHT server

	// Derived/tunable knobs not named by an env var but needed to wire
	// the rest of the components.
	IndexLimit            int // FeedIndex entry cap (default 100)
	MaxDegree             int // WoTGraph max_degree (default 2)
	SeedingWorkers        int // SeedingQueue concurrency (0 = CPU count)
	KeyCacheSize          int
	MagnetCacheSize       int
	ProfileCacheSize      int
	ProfileCacheTTLHours  int
}

// Load reads configuration from a key=value file (if present) and then
// applies environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Port:        10868,
		TrackerPort: 0,
		DBPath:      "./bridge.db",
		EnableBT:    true,

		RelayName:        getHostname() + "-bridge",
		RelayDescription: "bridges RelayNet events to SwarmNet content",

		DHTHost: "0.0.0.0",

		IndexLimit:           100,
		MaxDegree:            2,
		SeedingWorkers:       0,
		KeyCacheSize:         1024,
		MagnetCacheSize:      1024,
		ProfileCacheSize:     1024,
		ProfileCacheTTLHours: 24,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	numCPU := runtime.NumCPU()
	if numCPU < 1 {
		numCPU = 1
	}
	if cfg.SeedingWorkers <= 0 {
		cfg.SeedingWorkers = numCPU
	}

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "port":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.Port = p
			}
		case "tracker_port":
			if p, err := strconv.Atoi(value); err == nil {
				cfg.TrackerPort = p
			}
		case "db_path":
			cfg.DBPath = value
		case "enable_bt":
			cfg.EnableBT = value == "true" || value == "1" || value == "yes"
		case "allowed_pubkeys":
			cfg.AllowedPubkeys = splitCSV(value)
		case "relay_name":
			cfg.RelayName = value
		case "relay_description":
			cfg.RelayDescription = value
		case "relay_pubkey":
			cfg.RelayPubkey = value
		case "relay_contact":
			cfg.RelayContact = value
		case "dht_bootstrap":
			cfg.DHTBootstrap = splitCSV(value)
		case "dht_host":
			cfg.DHTHost = value
		case "index_limit":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.IndexLimit = v
			}
		case "max_degree":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.MaxDegree = v
			}
		case "seeding_workers":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.SeedingWorkers = v
			}
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("TRACKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.TrackerPort = p
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ENABLE_BT"); v != "" {
		cfg.EnableBT = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("ALLOWED_PUBKEYS"); v != "" {
		cfg.AllowedPubkeys = splitCSV(v)
	}
	if v := os.Getenv("RELAY_NAME"); v != "" {
		cfg.RelayName = v
	}
	if v := os.Getenv("RELAY_DESCRIPTION"); v != "" {
		cfg.RelayDescription = v
	}
	if v := os.Getenv("RELAY_PUBKEY"); v != "" {
		cfg.RelayPubkey = v
	}
	if v := os.Getenv("RELAY_CONTACT"); v != "" {
		cfg.RelayContact = v
	}
	if v := os.Getenv("DHT_BOOTSTRAP"); v != "" {
		cfg.DHTBootstrap = splitCSV(v)
	}
	if v := os.Getenv("DHT_HOST"); v != "" {
		cfg.DHTHost = v
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getHostname returns the system hostname, used as a fallback relay name.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
