package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Block response policies
const (
	BlockResponseNXDomain = "nxdomain"
	BlockResponseRefused  = "refused"
)

// Malformed query policies
const (
	MalformedDrop    = "drop"
	MalformedFormErr = "formerr"
)

// Rate limit actions
const (
	RateLimitActionDrop    = "drop"
	RateLimitActionRefused = "refused"
)

// Feed formats understood by the aggregator
const (
	FeedFormatHosts   = "hosts"
	FeedFormatPlain   = "plain"
	FeedFormatURLHaus = "urlhaus"
	FeedFormatAdblock = "adblock"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Blocklist BlocklistConfig `yaml:"blocklist"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds settings for the client-facing UDP listener
type ServerConfig struct {
	ListenAddress   string `yaml:"listen_address" validate:"required"`
	BlockResponse   string `yaml:"block_response" validate:"oneof=nxdomain refused"`
	MalformedPolicy string `yaml:"malformed_policy" validate:"oneof=drop formerr"`
}

// UpstreamConfig describes the single forwarder
type UpstreamConfig struct {
	Address string        `yaml:"address" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	UDPSize int           `yaml:"udp_size" validate:"gte=512,lte=65535"`
}

// BlocklistConfig points at the rule file and controls hot reload
type BlocklistConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	Watch        bool          `yaml:"watch"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	Debounce     time.Duration `yaml:"debounce" validate:"gte=0"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MaxEntries     int           `yaml:"max_entries" validate:"gt=0"`
	ShardCount     int           `yaml:"shard_count" validate:"gt=0"`
	DefaultTTL     time.Duration `yaml:"default_ttl" validate:"gte=0"`
	CoalesceMisses bool          `yaml:"coalesce_misses"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" validate:"oneof=json text"`
	Output    string `yaml:"output" validate:"oneof=stdout stderr file"`
	FilePath  string `yaml:"file_path"`
	AddSource bool   `yaml:"add_source"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port" validate:"gte=0,lte=65535"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// StorageConfig holds query log settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	BufferSize    int           `yaml:"buffer_size" validate:"gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`
	BatchSize     int           `yaml:"batch_size" validate:"gte=0"`
	RetentionDays int           `yaml:"retention_days" validate:"gte=0"`
	Workers       int           `yaml:"workers" validate:"gte=0"`
}

// RateLimitConfig bounds the query rate of each client address. Exempt
// entries are IPs or CIDRs that are never limited.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	Action            string        `yaml:"action" validate:"oneof=drop refused"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" validate:"gte=0"`
	MaxTrackedClients int           `yaml:"max_tracked_clients" validate:"gte=0"`
	Exempt            []string      `yaml:"exempt"`
}

// FeedsConfig controls the threat feed aggregator
type FeedsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval" validate:"gte=0"`
	Output         string        `yaml:"output"`
	BackupDir      string        `yaml:"backup_dir"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" validate:"gte=0"`
	UserAgent      string        `yaml:"user_agent"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gte=0"`
	Sources        []FeedSource  `yaml:"sources" validate:"dive"`
}

// FeedSource is one third-party feed
type FeedSource struct {
	Name   string `yaml:"name" validate:"required"`
	URL    string `yaml:"url" validate:"required,url"`
	Format string `yaml:"format" validate:"oneof=hosts plain urlhaus adblock"`
}

// DefaultFeedSources mirrors the feeds the updater has always pulled
func DefaultFeedSources() []FeedSource {
	return []FeedSource{
		{Name: "stevenblack", URL: "https://raw.githubusercontent.com/StevenBlack/hosts/master/hosts", Format: FeedFormatHosts},
		{Name: "openphish", URL: "https://openphish.com/feed.txt", Format: FeedFormatPlain},
		{Name: "urlhaus", URL: "https://urlhaus.abuse.ch/downloads/csv/", Format: FeedFormatURLHaus},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := LoadWithDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{
		Blocklist: BlocklistConfig{
			Watch:        true,
			PollInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if c.Server.BlockResponse == "" {
		c.Server.BlockResponse = BlockResponseNXDomain
	}
	if c.Server.MalformedPolicy == "" {
		c.Server.MalformedPolicy = MalformedDrop
	}

	if c.Upstream.Address == "" {
		c.Upstream.Address = "8.8.8.8:53"
	}
	if _, _, err := net.SplitHostPort(c.Upstream.Address); err != nil {
		c.Upstream.Address = net.JoinHostPort(strings.Trim(c.Upstream.Address, "[]"), "53")
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 5 * time.Second
	}
	if c.Upstream.UDPSize == 0 {
		c.Upstream.UDPSize = 4096
	}

	if c.Blocklist.Path == "" {
		c.Blocklist.Path = "blacklist.txt"
	}
	if c.Blocklist.Debounce == 0 {
		c.Blocklist.Debounce = 100 * time.Millisecond
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.ShardCount == 0 {
		c.Cache.ShardCount = 64
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dns-firewall"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./dns-firewall.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}
	if c.Storage.Workers == 0 {
		c.Storage.Workers = 2
	}

	if c.Feeds.Interval == 0 {
		c.Feeds.Interval = time.Hour
	}
	if c.Feeds.Output == "" {
		c.Feeds.Output = c.Blocklist.Path
	}
	if c.Feeds.BackupDir == "" {
		c.Feeds.BackupDir = "blacklist_backups"
	}
	if c.Feeds.FetchTimeout == 0 {
		c.Feeds.FetchTimeout = 20 * time.Second
	}
	if c.Feeds.UserAgent == "" {
		c.Feeds.UserAgent = "dns-firewall-updater/1.0"
	}
	if c.Feeds.InitialBackoff == 0 {
		c.Feeds.InitialBackoff = 30 * time.Second
	}
	if c.Feeds.MaxBackoff == 0 {
		c.Feeds.MaxBackoff = 30 * time.Minute
	}
	if len(c.Feeds.Sources) == 0 {
		c.Feeds.Sources = DefaultFeedSources()
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.Action == "" {
		c.RateLimit.Action = RateLimitActionDrop
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 5 * time.Minute
	}
	if c.RateLimit.MaxTrackedClients == 0 {
		c.RateLimit.MaxTrackedClients = 10000
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid value for %s: failed %q check", first.Namespace(), first.Tag())
		}
		return err
	}

	if _, _, err := net.SplitHostPort(c.Upstream.Address); err != nil {
		return fmt.Errorf("invalid upstream address %q: %w", c.Upstream.Address, err)
	}

	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	for _, e := range c.RateLimit.Exempt {
		if net.ParseIP(e) == nil {
			if _, _, err := net.ParseCIDR(e); err != nil {
				return fmt.Errorf("invalid rate_limit.exempt entry %q: not an IP or CIDR", e)
			}
		}
	}

	if c.Feeds.Enabled && c.Feeds.MaxBackoff < c.Feeds.InitialBackoff {
		return fmt.Errorf("feeds.max_backoff (%s) must not be shorter than feeds.initial_backoff (%s)",
			c.Feeds.MaxBackoff, c.Feeds.InitialBackoff)
	}

	return nil
}
