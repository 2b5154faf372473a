package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dns-firewall/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     *config.LoggingConfig
		name    string
		wantErr bool
	}{
		{
			name:    "text format stdout",
			cfg:     &config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
			wantErr: false,
		},
		{
			name:    "json format stderr",
			cfg:     &config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"},
			wantErr: false,
		},
		{
			name:    "file in missing directory",
			cfg:     &config.LoggingConfig{Level: "info", Format: "text", Output: "file", FilePath: "/nonexistent/dir/x.log"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firewall.log")
	logger, err := New(&config.LoggingConfig{Level: "info", Format: "text", Output: "file", FilePath: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("blocked query", "name", "ads.example.com.")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "ads.example.com.") {
		t.Errorf("log file missing entry, got: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := parseLevel(tt.level); got != tt.want {
				t.Errorf("parseLevel(%s) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestJSONFormatWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "info", Format: "json"})

	logger.WithComponent("blocklist").Info("rules loaded", "rules", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "blocklist" {
		t.Errorf("component = %v, want blocklist", entry["component"])
	}
	if entry["rules"] != float64(3) {
		t.Errorf("rules = %v, want 3", entry["rules"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "warn", Format: "text"})

	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "loud") {
		t.Error("warn message missing")
	}
}

func TestGlobalLogger(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global() returned nil")
	}

	prev := Global()
	defer SetGlobal(prev)

	newLogger := NewDiscard()
	SetGlobal(newLogger)
	if Global() != newLogger {
		t.Error("SetGlobal() did not update global logger")
	}
}
