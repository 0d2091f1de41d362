package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete configuration for one replicafed
// process. A process loads the whole file and reads only the section for
// the role it runs (Router or Peer); the shared sections (Global,
// Network, Monitoring) apply to both.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Router     RouterConfig     `yaml:"router"`
	Peer       PeerConfig       `yaml:"peer"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents settings shared by the router and peer roles.
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
	HealthPort int    `yaml:"health_port"`
	DataDir    string `yaml:"data_dir"`
}

// RouterConfig configures the router / pool allocator process.
type RouterConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// Pool is the initial inventory of idle peer backup addresses, in
	// allocation order.
	Pool []string `yaml:"pool"`

	// ReplicationFactor is the total family size R (primary + backups)
	// used when no existing family exists yet to derive it from.
	ReplicationFactor int `yaml:"replication_factor"`
}

// PeerConfig configures a replica peer process.
type PeerConfig struct {
	BackupAddr  string `yaml:"backup_addr"`
	PrimaryAddr string `yaml:"primary_addr"`
	RouterAddr  string `yaml:"router_addr"`

	TPing    time.Duration `yaml:"t_ping"`
	TCheck   time.Duration `yaml:"t_check"`
	TTimeout time.Duration `yaml:"t_timeout"`

	// SplitBrainThreshold is the number of consecutive replication
	// rejections a primary tolerates before self-terminating.
	SplitBrainThreshold int `yaml:"split_brain_threshold"`

	// FamilyCapacity is the soft user-file cap past which a primary
	// stops volunteering for new files.
	FamilyCapacity int `yaml:"family_capacity"`
}

// NetworkConfig represents outbound call behavior.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents network timeout settings.
type TimeoutConfig struct {
	Request time.Duration `yaml:"request"`
	Probe   time.Duration `yaml:"probe"`
}

// RetryConfig represents retry settings. They are parsed and validated
// here; pkg/client takes its retry settings from its own Config, and the
// peer's pool request makes a single attempt.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents monitoring settings.
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled    bool `yaml:"enabled"`
	Prometheus bool `yaml:"prometheus"`
	Port       int  `yaml:"port"`
}

// HealthChecksConfig represents health check settings.
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults: the
// protocol timer defaults (T_PING=0.5s, T_TIMEOUT=3s, T_CHECK=1s),
// replication factor 3, and conservative network settings.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:   "INFO",
			LogFile:    "",
			HealthPort: 8081,
			DataDir:    "data",
		},
		Router: RouterConfig{
			ListenAddr:        "127.0.0.1:7000",
			ReplicationFactor: 3,
		},
		Peer: PeerConfig{
			TPing:               500 * time.Millisecond,
			TCheck:              1 * time.Second,
			TTimeout:            3 * time.Second,
			SplitBrainThreshold: 5,
			FamilyCapacity:      10000,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Request: 2 * time.Second,
				Probe:   1 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				Port:       9090,
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables. Unset
// variables leave the current value alone.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("REPLICAFED_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("REPLICAFED_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("REPLICAFED_DATA_DIR"); val != "" {
		c.Global.DataDir = val
	}
	if val := os.Getenv("REPLICAFED_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.HealthPort = port
		}
	}
	if val := os.Getenv("REPLICAFED_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Metrics.Port = port
		}
	}

	// Router settings
	if val := os.Getenv("REPLICAFED_ROUTER_LISTEN_ADDR"); val != "" {
		c.Router.ListenAddr = val
	}
	if val := os.Getenv("REPLICAFED_ROUTER_POOL"); val != "" {
		parts := strings.Split(val, ",")
		pool := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				pool = append(pool, trimmed)
			}
		}
		c.Router.Pool = pool
	}
	if val := os.Getenv("REPLICAFED_REPLICATION_FACTOR"); val != "" {
		if r, err := strconv.Atoi(val); err == nil {
			c.Router.ReplicationFactor = r
		}
	}

	// Peer settings
	if val := os.Getenv("REPLICAFED_PEER_BACKUP_ADDR"); val != "" {
		c.Peer.BackupAddr = val
	}
	if val := os.Getenv("REPLICAFED_PEER_PRIMARY_ADDR"); val != "" {
		c.Peer.PrimaryAddr = val
	}
	if val := os.Getenv("REPLICAFED_PEER_ROUTER_ADDR"); val != "" {
		c.Peer.RouterAddr = val
	}
	if val := os.Getenv("REPLICAFED_T_PING"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Peer.TPing = d
		}
	}
	if val := os.Getenv("REPLICAFED_T_CHECK"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Peer.TCheck = d
		}
	}
	if val := os.Getenv("REPLICAFED_T_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Peer.TTimeout = d
		}
	}

	// Network settings
	if val := os.Getenv("REPLICAFED_REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Network.Timeouts.Request = d
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Router.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1")
	}

	if c.Peer.TPing <= 0 {
		return fmt.Errorf("t_ping must be greater than 0")
	}
	if c.Peer.TCheck <= 0 {
		return fmt.Errorf("t_check must be greater than 0")
	}
	if c.Peer.TTimeout <= c.Peer.TPing {
		return fmt.Errorf("t_timeout (%v) must exceed t_ping (%v)", c.Peer.TTimeout, c.Peer.TPing)
	}

	if c.Network.Timeouts.Request <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.Network.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be greater than 0")
	}

	for _, addr := range c.Router.Pool {
		if addr == "" {
			return fmt.Errorf("router pool contains an empty address")
		}
	}

	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
