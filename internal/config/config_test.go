// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
database:
  path: "./test.db"
matrix:
  homeserver: "https://matrix.example.org"
  user_id: "@files:example.org"
  access_token: "syt_token"
verification:
  bot_link: "https://files.example.org/start"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configContent := `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"
  public_url: "https://files.example.org"

database:
  path: "./test.db"

matrix:
  homeserver: "https://matrix.example.org"
  user_id: "@files:example.org"
  access_token: "syt_token"
  command_prefix: "/"
  index_rooms:
    - "!uploads:example.org"
  admins:
    - "@owner:example.org"

verification:
  enabled: true
  duration: "12h"
  shortlink_host: "shrink.example"
  shortlink_api_key: "key123"
  membership_channel: "!updates:example.org"

delivery:
  max_results: 5
  link_mode: true
  auto_delete: "0s"

logging:
  level: "debug"
  format: "json"
`
	cfg, err := Load(writeConfig(t, "gateway.yaml", configContent))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Matrix.CommandPrefix != "/" {
		t.Errorf("Matrix.CommandPrefix = %q, want %q", cfg.Matrix.CommandPrefix, "/")
	}
	if len(cfg.Matrix.IndexRooms) != 1 || cfg.Matrix.IndexRooms[0] != "!uploads:example.org" {
		t.Errorf("Matrix.IndexRooms = %v", cfg.Matrix.IndexRooms)
	}
	if len(cfg.Matrix.Admins) != 1 {
		t.Errorf("len(Matrix.Admins) = %d, want 1", len(cfg.Matrix.Admins))
	}
	if cfg.Verification.Duration != 12*time.Hour {
		t.Errorf("Verification.Duration = %v, want %v", cfg.Verification.Duration, 12*time.Hour)
	}
	if cfg.Verification.MembershipChannel != "!updates:example.org" {
		t.Errorf("Verification.MembershipChannel = %q", cfg.Verification.MembershipChannel)
	}
	if cfg.Delivery.MaxResults != 5 {
		t.Errorf("Delivery.MaxResults = %d, want 5", cfg.Delivery.MaxResults)
	}
	if !cfg.Delivery.LinkMode {
		t.Error("Delivery.LinkMode = false, want true")
	}
	if cfg.Delivery.AutoDelete != 0 {
		t.Errorf("Delivery.AutoDelete = %v, want 0", cfg.Delivery.AutoDelete)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Matrix.CommandPrefix != "!" {
		t.Errorf("Matrix.CommandPrefix = %q, want %q", cfg.Matrix.CommandPrefix, "!")
	}
	if !cfg.Matrix.PMSearch {
		t.Error("Matrix.PMSearch should default to true")
	}
	if cfg.Matrix.DedupeTTL != 5*time.Minute {
		t.Errorf("Matrix.DedupeTTL = %v, want 5m", cfg.Matrix.DedupeTTL)
	}
	if !cfg.Verification.Enabled {
		t.Error("Verification.Enabled should default to true")
	}
	if cfg.Verification.Duration != 24*time.Hour {
		t.Errorf("Verification.Duration = %v, want 24h", cfg.Verification.Duration)
	}
	if cfg.Verification.ShortenTimeout != 10*time.Second {
		t.Errorf("Verification.ShortenTimeout = %v, want 10s", cfg.Verification.ShortenTimeout)
	}
	if cfg.Delivery.MaxResults != 10 {
		t.Errorf("Delivery.MaxResults = %d, want 10", cfg.Delivery.MaxResults)
	}
	if !cfg.Delivery.SpellCheck {
		t.Error("Delivery.SpellCheck should default to true")
	}
	if cfg.Delivery.AutoDelete != 5*time.Minute {
		t.Errorf("Delivery.AutoDelete = %v, want 5m", cfg.Delivery.AutoDelete)
	}
	if cfg.Delivery.SendTimeout != 30*time.Second {
		t.Errorf("Delivery.SendTimeout = %v, want 30s", cfg.Delivery.SendTimeout)
	}
	if cfg.Delivery.Caption != DefaultCaption {
		t.Errorf("Delivery.Caption = %q, want default caption", cfg.Delivery.Caption)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoad_TOML(t *testing.T) {
	configContent := `
[database]
path = "./test.db"

[matrix]
homeserver = "https://matrix.example.org"
user_id = "@files:example.org"
access_token = "syt_token"
admins = ["@owner:example.org"]

[verification]
enabled = false

[delivery]
max_results = 3
auto_delete = "2m"
`
	cfg, err := Load(writeConfig(t, "gateway.toml", configContent))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Verification.Enabled {
		t.Error("Verification.Enabled = true, want false")
	}
	if cfg.Delivery.MaxResults != 3 {
		t.Errorf("Delivery.MaxResults = %d, want 3", cfg.Delivery.MaxResults)
	}
	if cfg.Delivery.AutoDelete != 2*time.Minute {
		t.Errorf("Delivery.AutoDelete = %v, want 2m", cfg.Delivery.AutoDelete)
	}
	if cfg.Matrix.CommandPrefix != "!" {
		t.Errorf("Matrix.CommandPrefix = %q, want default", cfg.Matrix.CommandPrefix)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_MATRIX_TOKEN", "syt_from_env")
	t.Setenv("TEST_SHORTLINK_KEY", "env-key")

	configContent := strings.Replace(minimalYAML, `"syt_token"`, `"${TEST_MATRIX_TOKEN}"`, 1) + `
  shortlink_host: "shrink.example"
  shortlink_api_key: "${TEST_SHORTLINK_KEY}"
`
	cfg, err := Load(writeConfig(t, "gateway.yaml", configContent))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matrix.AccessToken != "syt_from_env" {
		t.Errorf("Matrix.AccessToken = %q, want %q", cfg.Matrix.AccessToken, "syt_from_env")
	}
	if cfg.Verification.ShortlinkAPIKey != "env-key" {
		t.Errorf("Verification.ShortlinkAPIKey = %q, want %q", cfg.Verification.ShortlinkAPIKey, "env-key")
	}
}

func TestExpandEnvVars_Unset(t *testing.T) {
	got := expandEnvVars("token: ${DEFINITELY_NOT_SET_AUTOFILTER}")
	if got != "token: " {
		t.Errorf("expandEnvVars() = %q, want %q", got, "token: ")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configContent := minimalYAML + `
delivery:
  auto_delete: "five minutes"
`
	_, err := Load(writeConfig(t, "gateway.yaml", configContent))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "delivery.auto_delete") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_NegativeDuration(t *testing.T) {
	configContent := strings.Replace(minimalYAML, `  bot_link:`, `  duration: "-1h"
  bot_link:`, 1)
	_, err := Load(writeConfig(t, "gateway.yaml", configContent))
	if err == nil {
		t.Fatal("Load() expected error for negative duration")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "gateway.yaml", "database: [unclosed"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func validConfig() Config {
	cfg := Default()
	cfg.Database.Path = "./test.db"
	cfg.Matrix.Homeserver = "https://matrix.example.org"
	cfg.Matrix.UserID = "@files:example.org"
	cfg.Matrix.AccessToken = "syt_token"
	cfg.Verification.BotLink = "https://files.example.org/start"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale skips addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Server.GRPCAddr = ""
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = "autofilter"
		}, ""},
		{"tailscale needs hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"bad homeserver", func(c *Config) { c.Matrix.Homeserver = "matrix.example.org" }, "matrix.homeserver"},
		{"bare user id", func(c *Config) { c.Matrix.UserID = "files" }, "matrix.user_id"},
		{"missing token", func(c *Config) { c.Matrix.AccessToken = "" }, "matrix.access_token"},
		{"empty prefix", func(c *Config) { c.Matrix.CommandPrefix = "" }, "matrix.command_prefix"},
		{"host without key", func(c *Config) { c.Verification.ShortlinkHost = "shrink.example" }, "set together"},
		{"no bot link", func(c *Config) { c.Verification.BotLink = "" }, "bot_link"},
		{"public url supplies bot link", func(c *Config) {
			c.Verification.BotLink = ""
			c.Server.PublicURL = "https://files.example.org"
		}, ""},
		{"verification off needs no link", func(c *Config) {
			c.Verification.BotLink = ""
			c.Verification.Enabled = false
		}, ""},
		{"zero max results", func(c *Config) { c.Delivery.MaxResults = 0 }, "delivery.max_results"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestBotLink(t *testing.T) {
	cfg := validConfig()
	if got := cfg.BotLink(); got != "https://files.example.org/start" {
		t.Errorf("BotLink() = %q", got)
	}

	cfg.Verification.BotLink = ""
	cfg.Server.PublicURL = "https://files.example.org/"
	if got := cfg.BotLink(); got != "https://files.example.org/start" {
		t.Errorf("BotLink() from public url = %q", got)
	}
}
