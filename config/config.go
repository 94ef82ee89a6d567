package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

const (
	DefaultListen       = "/ip4/0.0.0.0/tcp/0"
	DefaultMulticast    = "239.255.77.77:7777"
	DefaultTopic        = "chat"
	DefaultSeenCapacity = 4096
	DefaultInterval     = 5 * time.Second
)

// Duration is a time.Duration encoded as a Go duration string ("5s", "1m30s").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config represents the configuration of a floodmesh node
type Config struct {
	// Default config file location
	configFile string

	// Long-lived signing key. Generated by the init subcommand.
	Identity struct {
		PrivateKey PrivKey `json:"private_key"`
	} `json:"identity"`

	Network struct {
		Listen           string   `json:"listen"`              // multiaddr to bind
		Advertise        []string `json:"advertise,omitempty"` // multiaddrs announced instead of the bound ones
		HandshakeTimeout Duration `json:"handshake_timeout"`
		MaxFrameSize     int      `json:"max_frame_size"`
	} `json:"network"`

	// Local network presence announcements
	Discovery struct {
		Enabled   bool     `json:"enabled"`
		Multicast string   `json:"multicast"`
		Interval  Duration `json:"interval"`
		Jitter    Duration `json:"jitter"`
		TTL       Duration `json:"ttl"`
	} `json:"discovery"`

	Gossip struct {
		DefaultTopic string `json:"default_topic"`
		SeenCapacity int    `json:"seen_capacity"`
		Relay        bool   `json:"relay"`
	} `json:"gossip"`

	DataStore struct {
		PeerBookPath string `json:"peerbook"` // empty disables persistence
	} `json:"datastore"`

	Metrics struct {
		Listen string `json:"listen"`
	} `json:"metrics"`
}

// NewConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Network.Listen = DefaultListen
	cfg.Network.HandshakeTimeout = Duration(10 * time.Second)
	cfg.Network.MaxFrameSize = 16 << 10

	cfg.Discovery.Enabled = true
	cfg.Discovery.Multicast = DefaultMulticast
	cfg.Discovery.Interval = Duration(DefaultInterval)
	cfg.Discovery.Jitter = Duration(500 * time.Millisecond)
	cfg.Discovery.TTL = Duration(3 * DefaultInterval)

	cfg.Gossip.DefaultTopic = DefaultTopic
	cfg.Gossip.SeenCapacity = DefaultSeenCapacity
	cfg.Gossip.Relay = true

	return cfg
}

// DefaultPeerBookPath is where init places the peer book of the node with the given ID.
// leveldb locks its directory, so every identity gets its own.
func DefaultPeerBookPath(id string) string {
	return filepath.Join(os.TempDir(), "floodmesh", id, "peerbook")
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Path() string {
	return c.configFile
}

// Validate checks settings that would otherwise fail deep inside the node.
func (c *Config) Validate() error {
	var errs []error
	if !c.Identity.PrivateKey.Valid() {
		errs = append(errs, errors.New("identity.private_key is not set, run init first"))
	}
	if c.Network.Listen == "" {
		errs = append(errs, errors.New("network.listen is empty"))
	}
	if c.Network.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("network.max_frame_size must be positive, got %d", c.Network.MaxFrameSize))
	}
	if c.Discovery.Enabled {
		if c.Discovery.Interval <= 0 {
			errs = append(errs, errors.New("discovery.interval must be positive"))
		}
		if c.Discovery.Jitter < 0 || c.Discovery.Jitter >= c.Discovery.Interval {
			errs = append(errs, errors.New("discovery.jitter must be smaller than discovery.interval"))
		}
		if c.Discovery.TTL <= c.Discovery.Interval {
			errs = append(errs, errors.New("discovery.ttl must exceed discovery.interval"))
		}
	}
	if c.Gossip.SeenCapacity <= 0 {
		errs = append(errs, fmt.Errorf("gossip.seen_capacity must be positive, got %d", c.Gossip.SeenCapacity))
	}
	if c.Gossip.DefaultTopic == "" {
		errs = append(errs, errors.New("gossip.default_topic is empty"))
	}
	return errors.Join(errs...)
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file. The file holds the private key.
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}
