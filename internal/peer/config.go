package peer

import (
	"fmt"
	"time"
)

// Config configures one replica peer process. BackupAddr is the
// well-known backup endpoint (listening from process start, used while
// POOLED and BACKUP); PrimaryAddr is the well-known primary endpoint,
// brought up only at promotion.
type Config struct {
	BackupAddr  string `yaml:"backup_addr"`
	PrimaryAddr string `yaml:"primary_addr"`
	RouterAddr  string `yaml:"router_addr"`
	DataDir     string `yaml:"data_dir"`

	TPing    time.Duration `yaml:"t_ping"`
	TCheck   time.Duration `yaml:"t_check"`
	TTimeout time.Duration `yaml:"t_timeout"`

	NetworkTimeout time.Duration `yaml:"network_timeout"`

	// SplitBrainThreshold is the number of consecutive replication
	// rejections (a backup telling this primary it is not the
	// recognized primary) before the primary self-terminates into
	// StateUnavailable rather than retrying forever.
	SplitBrainThreshold int `yaml:"split_brain_threshold"`

	// FamilyCapacity is the soft user-file cap a family primary reports
	// itself willing to accept new files below, refusing them at or
	// above it. Zero means use defaultFamilyCapacity.
	FamilyCapacity int `yaml:"family_capacity"`
}

// defaultFamilyCapacity is the soft per-family file count used when
// Config.FamilyCapacity is left unset.
const defaultFamilyCapacity = 10000

// DefaultConfig returns the protocol timer defaults: a 0.5s heartbeat
// interval, a 3s primary-silence timeout, and a 1s check interval
// comfortably between a ping and the timeout it watches.
func DefaultConfig() Config {
	return Config{
		TPing:               500 * time.Millisecond,
		TCheck:              1 * time.Second,
		TTimeout:            3 * time.Second,
		NetworkTimeout:      2 * time.Second,
		SplitBrainThreshold: 5,
	}
}

// Validate checks the fields that must be set before Start.
func (c Config) Validate() error {
	if c.BackupAddr == "" {
		return fmt.Errorf("peer: backup_addr is required")
	}
	if c.PrimaryAddr == "" {
		return fmt.Errorf("peer: primary_addr is required")
	}
	if c.RouterAddr == "" {
		return fmt.Errorf("peer: router_addr is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("peer: data_dir is required")
	}
	return nil
}
