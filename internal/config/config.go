package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/iofwd/iof/internal/circuit"
	"github.com/iofwd/iof/internal/progress"
	"github.com/iofwd/iof/internal/storage/s3"
	"github.com/iofwd/iof/pkg/retry"
)

// Configuration represents the complete configuration of a client or I/O node
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Transport TransportConfig `yaml:"transport"`
	Progress  progress.Config `yaml:"progress"`
	Pools     PoolConfig      `yaml:"pools"`
	GAH       GAHConfig       `yaml:"gah"`
	Retry     retry.Config    `yaml:"retry"`
	Circuit   circuit.Config  `yaml:"circuit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Client    ClientConfig    `yaml:"client"`
	Server    ServerConfig    `yaml:"server"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
	// LogMaxSizeMB rotates the log file once it reaches this size.
	LogMaxSizeMB  int64 `yaml:"log_max_size_mb"`
	LogMaxBackups int   `yaml:"log_max_backups"`
	LogCompress   bool  `yaml:"log_compress"`
	// Rank identifies this I/O node in the capabilities it mints.
	Rank int `yaml:"rank"`
}

// TransportConfig represents RPC settings
type TransportConfig struct {
	Listen         string        `yaml:"listen"`
	Endpoints      []string      `yaml:"endpoints"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`
	QueueDepth     int           `yaml:"queue_depth"`
}

// PoolConfig represents request pool settings
type PoolConfig struct {
	Delta int `yaml:"delta"`
}

// GAHConfig represents capability store settings
type GAHConfig struct {
	Capacity int `yaml:"capacity"`
	Delta    int `yaml:"delta"`
}

// MetricsConfig represents the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// Pprof serves the runtime profiles under /debug/pprof/ on the metrics
	// address.
	Pprof bool `yaml:"pprof"`
}

// ClientConfig represents client node settings
type ClientConfig struct {
	MountPrefix    string        `yaml:"mount_prefix"`
	FuseOptions    []string      `yaml:"fuse_options"`
	AllowOther     bool          `yaml:"allow_other"`
	AttrTimeout    time.Duration `yaml:"attr_timeout"`
	EntryTimeout   time.Duration `yaml:"entry_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	SignOnAttempts int           `yaml:"sign_on_attempts"`
}

// ServerConfig represents I/O node settings
type ServerConfig struct {
	PollInterval time.Duration      `yaml:"poll_interval"`
	Projections  []ProjectionConfig `yaml:"projections"`
	S3           s3.Config          `yaml:"s3"`
}

// ProjectionConfig represents one exported filesystem
type ProjectionConfig struct {
	Name string `yaml:"name"`
	// Backend is "local" or "s3".
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Writeable   bool   `yaml:"writeable"`
	Failover    bool   `yaml:"failover"`
	MaxRead     uint32 `yaml:"max_read"`
	MaxWrite    uint32 `yaml:"max_write"`
	ReaddirSize uint32 `yaml:"readdir_size"`
}

// Backend kinds
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
		},
		Transport: TransportConfig{
			Listen:         ":7070",
			RPCTimeout:     60 * time.Second,
			MaxMessageSize: 8 << 20,
			QueueDepth:     1024,
		},
		Progress: progress.DefaultConfig(),
		Pools:    PoolConfig{Delta: 16},
		GAH:      GAHConfig{Capacity: 1 << 20, Delta: 1024},
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Circuit: circuit.Config{
			MaxRequests:      1,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Client: ClientConfig{
			MountPrefix:    "/tmp/iof",
			AttrTimeout:    time.Second,
			EntryTimeout:   time.Second,
			HealthInterval: 10 * time.Second,
			SignOnAttempts: 5,
		},
		Server: ServerConfig{
			PollInterval: 100 * time.Millisecond,
			S3:           *s3.NewDefaultConfig(),
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

// LoadFromEnv loads configuration from IOF_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("IOF_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("IOF_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("IOF_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("IOF_RANK"); val != "" {
		rank, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid IOF_RANK: %w", err)
		}
		c.Global.Rank = rank
	}

	if val := os.Getenv("IOF_LISTEN"); val != "" {
		c.Transport.Listen = val
	}
	if val := os.Getenv("IOF_ENDPOINTS"); val != "" {
		c.Transport.Endpoints = splitList(val)
	}
	if val := os.Getenv("IOF_RPC_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid IOF_RPC_TIMEOUT: %w", err)
		}
		c.Transport.RPCTimeout = d
	}

	if val := os.Getenv("IOF_PROGRESS_MODE"); val != "" {
		c.Progress.Mode = progress.Mode(strings.ToLower(val))
	}
	if val := os.Getenv("IOF_POOL_DELTA"); val != "" {
		if delta, err := strconv.Atoi(val); err == nil {
			c.Pools.Delta = delta
		}
	}

	if val := os.Getenv("IOF_METRICS_ADDRESS"); val != "" {
		c.Metrics.Address = val
	}
	if val := os.Getenv("IOF_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("IOF_PPROF"); val != "" {
		c.Metrics.Pprof = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("IOF_MOUNT_PREFIX"); val != "" {
		c.Client.MountPrefix = val
	}

	if val := os.Getenv("IOF_S3_REGION"); val != "" {
		c.Server.S3.Region = val
	}
	if val := os.Getenv("IOF_S3_ENDPOINT"); val != "" {
		c.Server.S3.Endpoint = val
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

// Validate validates the settings shared by both node kinds
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Global.Rank < 0 || c.Global.Rank > 255 {
		return fmt.Errorf("rank must be between 0 and 255, got %d", c.Global.Rank)
	}
	if c.Transport.RPCTimeout <= 0 {
		return fmt.Errorf("rpc_timeout must be greater than 0")
	}
	if c.Pools.Delta <= 0 {
		return fmt.Errorf("pools.delta must be greater than 0")
	}
	switch c.Progress.Mode {
	case progress.ModeThread, progress.ModeInline:
	default:
		return fmt.Errorf("invalid progress mode: %q", c.Progress.Mode)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}

	return nil
}

// ValidateClient checks the settings a client node needs
func (c *Configuration) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Transport.Endpoints) == 0 {
		return fmt.Errorf("at least one I/O node endpoint is required")
	}
	if c.Client.MountPrefix == "" {
		return fmt.Errorf("mount_prefix is required")
	}
	return nil
}

// ValidateServer checks the settings an I/O node needs
func (c *Configuration) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Transport.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.Server.Projections) == 0 {
		return fmt.Errorf("at least one projection is required")
	}
	if len(c.Server.Projections) > 256 {
		return fmt.Errorf("at most 256 projections are supported, got %d", len(c.Server.Projections))
	}

	seen := make(map[string]bool)
	for i, p := range c.Server.Projections {
		if p.Name == "" {
			return fmt.Errorf("projection %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("projection %s: configured twice", p.Name)
		}
		seen[p.Name] = true

		switch p.Backend {
		case "", BackendLocal:
			if p.Path == "" {
				return fmt.Errorf("projection %s: path is required for the local backend", p.Name)
			}
		case BackendS3:
			if p.Bucket == "" && c.Server.S3.Bucket == "" {
				return fmt.Errorf("projection %s: bucket is required for the s3 backend", p.Name)
			}
		default:
			return fmt.Errorf("projection %s: unknown backend %q", p.Name, p.Backend)
		}
	}
	return nil
}

// S3For returns the S3 settings of projection p, the shared settings with the
// projection's bucket and prefix applied.
func (c *Configuration) S3For(p ProjectionConfig) *s3.Config {
	cfg := c.Server.S3
	if p.Bucket != "" {
		cfg.Bucket = p.Bucket
	}
	if p.Prefix != "" {
		cfg.Prefix = p.Prefix
	}
	return &cfg
}
