package router

import (
	"fmt"
	"time"
)

// Config configures the router / pool allocator process.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	// Pool is the initial inventory of idle peer backup addresses, in
	// allocation order. Peers already recorded in the persisted state
	// are not re-added.
	Pool []string `yaml:"pool"`

	// ReplicationFactor is the total family size R used for the first
	// family, before any existing family exists to derive R from.
	ReplicationFactor int `yaml:"replication_factor"`

	NetworkTimeout time.Duration `yaml:"network_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns the router defaults: replication factor 3 and
// the conservative network timeouts shared with the peer process.
func DefaultConfig() Config {
	return Config{
		ReplicationFactor: 3,
		NetworkTimeout:    2 * time.Second,
		ProbeTimeout:      1 * time.Second,
	}
}

// Validate checks the fields that must be set before Start.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("router: listen_addr is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("router: data_dir is required")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("router: replication_factor must be at least 1")
	}
	return nil
}
