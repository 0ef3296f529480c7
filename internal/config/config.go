// ABOUTME: Configuration loading and parsing for mailagent
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default folder names used when an account doesn't override them.
const (
	DefaultDraftsFolder = "Drafts"
	DefaultSentFolder   = "Sent"
)

// Config represents the complete mailagent configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Accounts  []Account       `yaml:"accounts"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds MCP endpoint authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Require   bool   `yaml:"require"`
}

// SchedulerConfig holds deferred-send sweep configuration
type SchedulerConfig struct {
	SweepInterval   time.Duration `yaml:"-"`
	MaxAttempts     int           `yaml:"max_attempts"`
	StaleClaimAfter time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SweepIntervalRaw   string `yaml:"sweep_interval"`
	StaleClaimAfterRaw string `yaml:"stale_claim_after"`
}

// RateLimitConfig holds the per-account send throttle configuration
type RateLimitConfig struct {
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"-"`

	WindowRaw string `yaml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Account holds one mailbox account with its two role endpoints.
// Accounts are immutable for the process lifetime.
type Account struct {
	Name     string   `yaml:"name"`
	Address  string   `yaml:"address"`
	IMAP     Endpoint `yaml:"imap"`
	SMTP     Endpoint `yaml:"smtp"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	DraftsFolder string `yaml:"drafts_folder"`
	SentFolder   string `yaml:"sent_folder"`
}

// Endpoint holds the network address and TLS mode of one role endpoint
type Endpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SSL      bool   `yaml:"ssl"`
	StartTLS bool   `yaml:"starttls"`
}

// Addr returns the host:port dial address for the endpoint.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Defaults applied when the config file omits optional values.
const (
	defaultSweepInterval   = time.Minute
	defaultMaxAttempts     = 3
	defaultStaleClaimAfter = 10 * time.Minute
	defaultRateCapacity    = 10
	defaultRateWindow      = time.Minute
	defaultHTTPAddr        = ":8484"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued optional fields.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = defaultHTTPAddr
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = defaultSweepInterval
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = defaultMaxAttempts
	}
	if c.Scheduler.StaleClaimAfter == 0 {
		c.Scheduler.StaleClaimAfter = defaultStaleClaimAfter
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = defaultRateCapacity
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = defaultRateWindow
	}
	for i := range c.Accounts {
		if c.Accounts[i].DraftsFolder == "" {
			c.Accounts[i].DraftsFolder = DefaultDraftsFolder
		}
		if c.Accounts[i].SentFolder == "" {
			c.Accounts[i].SentFolder = DefaultSentFolder
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.Require && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.require is set")
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, acct := range c.Accounts {
		if acct.Name == "" {
			return fmt.Errorf("account name is required")
		}
		if seen[acct.Name] {
			return fmt.Errorf("duplicate account name %q", acct.Name)
		}
		seen[acct.Name] = true

		if acct.Address == "" {
			return fmt.Errorf("account %q: address is required", acct.Name)
		}
		if acct.IMAP.Host == "" || acct.IMAP.Port == 0 {
			return fmt.Errorf("account %q: imap host and port are required", acct.Name)
		}
		if acct.SMTP.Host == "" || acct.SMTP.Port == 0 {
			return fmt.Errorf("account %q: smtp host and port are required", acct.Name)
		}
	}

	return nil
}

// Account returns the account with the given name, or nil if not configured.
func (c *Config) Account(name string) *Account {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i]
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Scheduler.SweepIntervalRaw != "" {
		cfg.Scheduler.SweepInterval, err = time.ParseDuration(cfg.Scheduler.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Scheduler.SweepIntervalRaw, err)
		}
	}

	if cfg.Scheduler.StaleClaimAfterRaw != "" {
		cfg.Scheduler.StaleClaimAfter, err = time.ParseDuration(cfg.Scheduler.StaleClaimAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_claim_after %q: %w", cfg.Scheduler.StaleClaimAfterRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_limit window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	return nil
}
