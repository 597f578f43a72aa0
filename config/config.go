/*
Package config loads the node configuration file: a single TOML file
whose keys include listen_addr, listen_port, bootstrap_nodes[],
accept_relay, max_peers, and data_dir.

Adapted from PeernetOfficial-core's Config.go: same
embed-default-then-override loading pattern (read file, fall back to a
built-in default if absent/empty), but TOML via github.com/BurntSushi/toml
instead of YAML, following katzenpost-katzenpost's configuration style.
*/
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Mode is the node's operating mode.
type Mode string

const (
	ModeNode  Mode = "node"  // full participation: accepts inbound relay requests
	ModeProxy Mode = "proxy" // client-only: does not accept inbound relay requests
)

// Defaults collects every default value used across the codebase in one
// table instead of scattering magic numbers in-line.
var Defaults = struct {
	ListenPort           int
	MaxPeers             int
	DataDir              string
	PoWDifficulty         uint8
	HandshakeTimeout     time.Duration
	CircuitIdleTimeout   time.Duration
	CircuitMaxAge        time.Duration
	DescriptorTTL        time.Duration
	IntroPointCount      int
	MaxIntroPoints       int
	KademliaK            int
	KademliaAlpha        int
	ReplicationFactor    int
	RefreshInterval      time.Duration
	MaxLocalStoreEntries int
	PoolSizeGeneral      int
	MinUptime            time.Duration
	SendWindow           int
	RecvWindow           int
	MaxRelayPayload      int
	MaxPendingCells      int
	RendezvousRetries    int
	PublishBackoffMin    time.Duration
	PublishBackoffMax    time.Duration
	SocksListenAddr      string
	MaxSocksConnections  int
}{
	ListenPort:           9000,
	MaxPeers:             200,
	DataDir:              "./anonnet-data",
	PoWDifficulty:         20,
	HandshakeTimeout:     10 * time.Second,
	CircuitIdleTimeout:   10 * time.Minute,
	CircuitMaxAge:        time.Hour,
	DescriptorTTL:        2 * time.Hour,
	IntroPointCount:      3,
	MaxIntroPoints:       8,
	KademliaK:            20,
	KademliaAlpha:        3,
	ReplicationFactor:    3,
	RefreshInterval:      time.Hour,
	MaxLocalStoreEntries: 10000,
	PoolSizeGeneral:      5,
	MinUptime:            30 * time.Minute,
	SendWindow:           1000,
	RecvWindow:           500,
	MaxRelayPayload:      490,
	MaxPendingCells:      1024,
	RendezvousRetries:    3,
	PublishBackoffMin:    2 * time.Second,
	PublishBackoffMax:    60 * time.Second,
	SocksListenAddr:      "127.0.0.1:0",
	MaxSocksConnections:  256,
}

// SeedPeer is one entry of the bootstrap list.
type SeedPeer struct {
	PublicKeyHex string `toml:"public_key"`
	Address      string `toml:"address"`
}

// Config is the node configuration loaded from the TOML file.
type Config struct {
	Mode Mode `toml:"mode"`

	ListenAddr string `toml:"listen_addr"`
	ListenPort int    `toml:"listen_port"`

	BootstrapNodes []SeedPeer `toml:"bootstrap_nodes"`

	AcceptRelay bool `toml:"accept_relay"`
	MaxPeers    int  `toml:"max_peers"`
	DataDir     string `toml:"data_dir"`

	PrivateKeyHex string `toml:"private_key"`
	PoWDifficulty  uint8   `toml:"pow_difficulty"`

	LogFile  string `toml:"log_file"`
	LogLevel string `toml:"log_level"`

	SocksListenAddr string `toml:"socks_listen_addr"`
}

//go:embed default.toml
var defaultConfig []byte

// Load reads the TOML configuration file at filename. If the file does
// not exist or is empty, the embedded default is used instead
// (PeernetOfficial-core's Config.go does the same for its YAML default).
func Load(filename string) (*Config, error) {
	raw := defaultConfig

	if filename != "" {
		stat, err := os.Stat(filename)
		switch {
		case err == nil && stat.Size() > 0:
			raw, err = os.ReadFile(filename)
			if err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", filename, err)
			}
		case err != nil && !os.IsNotExist(err):
			return nil, fmt.Errorf("config: stat %s: %w", filename, err)
		}
	}

	cfg := defaultsConfig()
	if _, err := toml.Decode(string(raw), cfg); err != nil {
		return nil, fmt.Errorf("config: parsing TOML: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func defaultsConfig() *Config {
	return &Config{
		Mode:        ModeNode,
		ListenAddr:  "0.0.0.0",
		ListenPort:  Defaults.ListenPort,
		AcceptRelay: true,
		MaxPeers:    Defaults.MaxPeers,
		DataDir:     Defaults.DataDir,
		PoWDifficulty: Defaults.PoWDifficulty,
		LogLevel:    "info",
		SocksListenAddr: Defaults.SocksListenAddr,
	}
}

// applyDefaults fills any zero-valued field left empty by the TOML file.
func applyDefaults(cfg *Config) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = Defaults.ListenPort
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = Defaults.MaxPeers
	}
	if cfg.DataDir == "" {
		cfg.DataDir = Defaults.DataDir
	}
	if cfg.PoWDifficulty == 0 {
		cfg.PoWDifficulty = Defaults.PoWDifficulty
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeNode
	}
	if cfg.SocksListenAddr == "" {
		cfg.SocksListenAddr = Defaults.SocksListenAddr
	}
}

// Save writes cfg back to filename as TOML (used after generating and
// persisting a fresh private key on first run).
func Save(filename string, cfg *Config) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", filename, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
