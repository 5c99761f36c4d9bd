package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval      = 30 * time.Second
	DefaultLivenessEvery     = 96
	DefaultRenewalPeriod     = 518400 * time.Second
	DefaultBatchConcurrency  = 8
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMax        = time.Minute
	DefaultLocationCacheTTL  = 10 * time.Minute
	DefaultAllocatorTimeout  = 90 * time.Second
	DefaultRequestsPerSecond = 10.0
	DefaultRequestBurst      = 20
	DefaultLogFile           = "vesselctl.log"
	DefaultKeyDir            = "."
	PortPlaceholder          = "{port}"
	publicKeySuffix          = ".publickey"
	privateKeySuffix         = ".privatekey"
)

// Config is the on-disk description of one deployment.
type Config struct {
	Username         string          `yaml:"username"`
	KeyDir           string          `yaml:"key_dir"`
	DesiredCount     int             `yaml:"desired_count"`
	SlotType         string          `yaml:"slot_type"`
	Program          string          `yaml:"program"`
	ProgramArgs      []string        `yaml:"program_args,omitempty"`
	LogFile          string          `yaml:"log_file"`
	PollInterval     time.Duration   `yaml:"poll_interval"`
	LivenessEvery    int             `yaml:"liveness_every"`
	RenewalPeriod    time.Duration   `yaml:"renewal_period"`
	BatchConcurrency int             `yaml:"batch_concurrency"`
	BootstrapBackoff BackoffConfig   `yaml:"bootstrap_backoff"`
	LocationCacheTTL time.Duration   `yaml:"location_cache_ttl"`
	StatusListen     string          `yaml:"status_listen,omitempty"`
	STUNServers      []string        `yaml:"stun_servers,omitempty"`
	Allocator        AllocatorConfig `yaml:"allocator"`
}

// BackoffConfig bounds the delay between empty bootstrap acquisitions.
// Disabled retries without any delay.
type BackoffConfig struct {
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
	Disabled bool          `yaml:"disabled,omitempty"`
}

// AllocatorConfig describes how to reach the allocation service.
type AllocatorConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs static validation. Checks that need the allocator
// (slot type advertisement, credit ceiling) happen in fleet.Init.
func Validate(cfg Config) error {
	if cfg.Username == "" {
		return fmt.Errorf("username is required")
	}
	if cfg.Program == "" {
		return fmt.Errorf("program is required")
	}
	if cfg.DesiredCount < 1 {
		return fmt.Errorf("desired_count must be positive, got %d", cfg.DesiredCount)
	}
	if cfg.SlotType == "" {
		return fmt.Errorf("slot_type is required")
	}
	if cfg.Allocator.URL == "" {
		return fmt.Errorf("allocator.url is required")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if cfg.RenewalPeriod <= 0 {
		return fmt.Errorf("renewal_period must be positive")
	}
	if b := cfg.BootstrapBackoff; !b.Disabled && (b.Initial < 0 || b.Max < b.Initial) {
		return fmt.Errorf("bootstrap_backoff: need 0 <= initial <= max")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.KeyDir == "" {
		cfg.KeyDir = DefaultKeyDir
	}
	if cfg.LogFile == "" {
		cfg.LogFile = DefaultLogFile
	}
	if len(cfg.ProgramArgs) == 0 {
		cfg.ProgramArgs = []string{PortPlaceholder}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LivenessEvery <= 0 {
		cfg.LivenessEvery = DefaultLivenessEvery
	}
	if cfg.RenewalPeriod == 0 {
		cfg.RenewalPeriod = DefaultRenewalPeriod
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if !cfg.BootstrapBackoff.Disabled {
		if cfg.BootstrapBackoff.Initial == 0 {
			cfg.BootstrapBackoff.Initial = DefaultBackoffInitial
		}
		if cfg.BootstrapBackoff.Max == 0 {
			cfg.BootstrapBackoff.Max = DefaultBackoffMax
		}
	}
	if cfg.LocationCacheTTL == 0 {
		cfg.LocationCacheTTL = DefaultLocationCacheTTL
	}
	if cfg.Allocator.Timeout == 0 {
		cfg.Allocator.Timeout = DefaultAllocatorTimeout
	}
	if cfg.Allocator.RequestsPerSecond == 0 {
		cfg.Allocator.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Allocator.Burst == 0 {
		cfg.Allocator.Burst = DefaultRequestBurst
	}
}

// PublicKeyPath returns the path of the user's public key file.
func (c Config) PublicKeyPath() string {
	return filepath.Join(c.KeyDir, c.Username+publicKeySuffix)
}

// PrivateKeyPath returns the path of the user's private key file.
func (c Config) PrivateKeyPath() string {
	return filepath.Join(c.KeyDir, c.Username+privateKeySuffix)
}

// ExpandArgs substitutes the allocator-assigned port into the program
// arguments and appends extra.
func ExpandArgs(args []string, port int, extra ...string) []string {
	out := make([]string, 0, len(args)+len(extra))
	portStr := fmt.Sprintf("%d", port)
	for _, arg := range args {
		out = append(out, strings.ReplaceAll(arg, PortPlaceholder, portStr))
	}
	return append(out, extra...)
}
