package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != "127.0.0.1:5353" {
		t.Errorf("Expected listen address 127.0.0.1:5353, got %s", cfg.Server.ListenAddress)
	}
	if cfg.Server.BlockResponse != BlockResponseRefused {
		t.Errorf("Expected block response refused, got %s", cfg.Server.BlockResponse)
	}
	if cfg.Server.MalformedPolicy != MalformedFormErr {
		t.Errorf("Expected malformed policy formerr, got %s", cfg.Server.MalformedPolicy)
	}

	// Port is appended when omitted
	if cfg.Upstream.Address != "1.1.1.1:53" {
		t.Errorf("Expected upstream 1.1.1.1:53, got %s", cfg.Upstream.Address)
	}
	if cfg.Upstream.Timeout != 2*time.Second {
		t.Errorf("Expected upstream timeout 2s, got %v", cfg.Upstream.Timeout)
	}

	if cfg.Blocklist.Watch {
		t.Error("Expected watch to be disabled")
	}
	if cfg.Blocklist.PollInterval != 0 {
		t.Errorf("Expected polling disabled, got %v", cfg.Blocklist.PollInterval)
	}

	if cfg.Cache.MaxEntries != 500 {
		t.Errorf("Expected max entries 500, got %d", cfg.Cache.MaxEntries)
	}
	if !cfg.Cache.CoalesceMisses {
		t.Error("Expected coalesce_misses to be enabled")
	}
	if cfg.Cache.ShardCount != 64 {
		t.Errorf("Expected default shard count 64, got %d", cfg.Cache.ShardCount)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Unexpected logging config: %+v", cfg.Logging)
	}

	if cfg.Storage.RetentionDays != 3 {
		t.Errorf("Expected retention 3 days, got %d", cfg.Storage.RetentionDays)
	}

	if len(cfg.Feeds.Sources) != 1 || cfg.Feeds.Sources[0].Name != "local" {
		t.Errorf("Expected a single local feed, got %+v", cfg.Feeds.Sources)
	}
	if cfg.Feeds.Output != "/etc/dns-firewall/blacklist.txt" {
		t.Errorf("Expected feeds to publish to the blocklist path, got %s", cfg.Feeds.Output)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()

	if cfg.Server.ListenAddress != ":53" {
		t.Errorf("Expected default listen address :53, got %s", cfg.Server.ListenAddress)
	}
	if cfg.Upstream.Address != "8.8.8.8:53" {
		t.Errorf("Expected default upstream 8.8.8.8:53, got %s", cfg.Upstream.Address)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Errorf("Expected default timeout 5s, got %v", cfg.Upstream.Timeout)
	}
	if cfg.Blocklist.Path != "blacklist.txt" {
		t.Errorf("Expected default blocklist path, got %s", cfg.Blocklist.Path)
	}
	if !cfg.Blocklist.Watch {
		t.Error("Expected watch enabled by default")
	}
	if cfg.Blocklist.PollInterval != 30*time.Second {
		t.Errorf("Expected poll interval 30s, got %v", cfg.Blocklist.PollInterval)
	}
	if !cfg.Cache.Enabled {
		t.Error("Expected cache enabled by default")
	}
	if cfg.Cache.DefaultTTL != 60*time.Second {
		t.Errorf("Expected default TTL 60s, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.CoalesceMisses {
		t.Error("Expected coalescing disabled by default")
	}
	if len(cfg.Feeds.Sources) != 3 {
		t.Errorf("Expected 3 default feed sources, got %d", len(cfg.Feeds.Sources))
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !cfg.Cache.Enabled {
		t.Error("Expected cache enabled when omitted")
	}
}

func TestParseDisablesCache(t *testing.T) {
	cfg, err := Parse([]byte("cache:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Cache.Enabled {
		t.Error("Expected cache disabled")
	}
}

func TestParseIPv6Upstream(t *testing.T) {
	cfg, err := Parse([]byte("upstream:\n  address: \"2001:4860:4860::8888\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Upstream.Address != "[2001:4860:4860::8888]:53" {
		t.Errorf("Expected bracketed IPv6 with port, got %s", cfg.Upstream.Address)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty listen address",
			mutate:  func(c *Config) { c.Server.ListenAddress = "" },
			wantErr: true,
		},
		{
			name:    "unknown block response",
			mutate:  func(c *Config) { c.Server.BlockResponse = "sinkhole" },
			wantErr: true,
		},
		{
			name:    "unknown malformed policy",
			mutate:  func(c *Config) { c.Server.MalformedPolicy = "ignore" },
			wantErr: true,
		},
		{
			name:    "upstream without port",
			mutate:  func(c *Config) { c.Upstream.Address = "8.8.8.8" },
			wantErr: true,
		},
		{
			name:    "zero upstream timeout",
			mutate:  func(c *Config) { c.Upstream.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero cache capacity",
			mutate:  func(c *Config) { c.Cache.MaxEntries = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: true,
		},
		{
			name: "feed with bad format",
			mutate: func(c *Config) {
				c.Feeds.Sources = []FeedSource{{Name: "x", URL: "https://example.com/x", Format: "csv"}}
			},
			wantErr: true,
		},
		{
			name:    "unknown rate limit action",
			mutate:  func(c *Config) { c.RateLimit.Action = "tarpit" },
			wantErr: true,
		},
		{
			name:    "rate limit exempt accepts IPs and CIDRs",
			mutate:  func(c *Config) { c.RateLimit.Exempt = []string{"127.0.0.1", "10.0.0.0/8", "::1"} },
			wantErr: false,
		},
		{
			name:    "bad rate limit exempt entry",
			mutate:  func(c *Config) { c.RateLimit.Exempt = []string{"10.0.0.0/33"} },
			wantErr: true,
		},
		{
			name: "backoff ceiling below floor",
			mutate: func(c *Config) {
				c.Feeds.Enabled = true
				c.Feeds.InitialBackoff = time.Minute
				c.Feeds.MaxBackoff = time.Second
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}
