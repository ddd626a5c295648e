package s3

import (
	"fmt"
	"time"
)

// Config represents S3 backend configuration
type Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix places the projection root below a key prefix.
	Prefix string `yaml:"prefix"`

	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Objects at or above this size are uploaded through CargoShip when it is
	// enabled.
	EnableCargoShipOptimization bool  `yaml:"enable_cargoship_optimization"`
	CargoShipThreshold          int64 `yaml:"cargoship_threshold"`
	Concurrency                 int   `yaml:"concurrency"`

	StorageTier string `yaml:"storage_tier"`
}

// NewDefaultConfig returns a configuration for the standard tier without
// CargoShip.
func NewDefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		MaxRetries:         3,
		RequestTimeout:     30 * time.Second,
		CargoShipThreshold: 32 * 1024 * 1024,
		Concurrency:        8,
		StorageTier:        TierStandard,
	}
}

// Validate checks the settings a backend cannot start without.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket name cannot be empty")
	}
	if c.StorageTier != "" && !ValidTier(c.StorageTier) {
		return fmt.Errorf("unsupported storage tier %q", c.StorageTier)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}
