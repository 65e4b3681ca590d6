// ABOUTME: Configuration loading and parsing for autofilter-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultCaption is the caption template used when neither config nor group sets one.
const DefaultCaption = "📁 **{file_name}**\n💾 Size: {file_size}\n🗂 Type: {file_type}"

// Config represents the complete autofilter-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Matrix       MatrixConfig       `yaml:"matrix" toml:"matrix"`
	Verification VerificationConfig `yaml:"verification" toml:"verification"`
	Delivery     DeliveryConfig     `yaml:"delivery" toml:"delivery"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// PublicURL is the externally reachable base of the HTTP server, used for
	// verification landing links when verification.bot_link is unset.
	PublicURL string `yaml:"public_url" toml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose the landing page publicly over HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// MatrixConfig holds the Matrix bot account and behaviour
type MatrixConfig struct {
	Homeserver    string   `yaml:"homeserver" toml:"homeserver"`
	UserID        string   `yaml:"user_id" toml:"user_id"`
	AccessToken   string   `yaml:"access_token" toml:"access_token"`
	RecoveryKey   string   `yaml:"recovery_key" toml:"recovery_key"`
	DataDir       string   `yaml:"data_dir" toml:"data_dir"` // crypto store location; empty disables E2EE
	CommandPrefix string   `yaml:"command_prefix" toml:"command_prefix"`
	IndexRooms    []string `yaml:"index_rooms" toml:"index_rooms"` // rooms whose files are indexed, not searched
	Admins        []string `yaml:"admins" toml:"admins"`
	PMSearch      bool     `yaml:"pm_search" toml:"pm_search"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// VerificationConfig holds the shortlink verification defaults
type VerificationConfig struct {
	Enabled           bool   `yaml:"enabled" toml:"enabled"`
	ShortlinkHost     string `yaml:"shortlink_host" toml:"shortlink_host"`
	ShortlinkAPIKey   string `yaml:"shortlink_api_key" toml:"shortlink_api_key"`
	TutorialURL       string `yaml:"tutorial_url" toml:"tutorial_url"`
	BotLink           string `yaml:"bot_link" toml:"bot_link"`
	MembershipChannel string `yaml:"membership_channel" toml:"membership_channel"` // Matrix room id; empty disables

	Duration       time.Duration `yaml:"-" toml:"-"`
	ShortenTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DurationRaw       string `yaml:"duration" toml:"duration"`
	ShortenTimeoutRaw string `yaml:"shorten_timeout" toml:"shorten_timeout"`
}

// DeliveryConfig holds the result delivery defaults
type DeliveryConfig struct {
	MaxResults     int    `yaml:"max_results" toml:"max_results"`
	SpellCheck     bool   `yaml:"spell_check" toml:"spell_check"`
	LinkMode       bool   `yaml:"link_mode" toml:"link_mode"`
	ProtectContent bool   `yaml:"protect_content" toml:"protect_content"`
	Caption        string `yaml:"caption" toml:"caption"`

	AutoDelete       time.Duration `yaml:"-" toml:"-"`
	RateLimitBackoff time.Duration `yaml:"-" toml:"-"`
	SendTimeout      time.Duration `yaml:"-" toml:"-"`

	AutoDeleteRaw       string `yaml:"auto_delete" toml:"auto_delete"`
	RateLimitBackoffRaw string `yaml:"rate_limit_backoff" toml:"rate_limit_backoff"`
	SendTimeoutRaw      string `yaml:"send_timeout" toml:"send_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a Config with every optional field set to its default.
// Load decodes the file on top of it, so absent keys keep these values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			GRPCAddr: "127.0.0.1:50051",
			HTTPAddr: "127.0.0.1:8080",
		},
		Matrix: MatrixConfig{
			CommandPrefix: "!",
			PMSearch:      true,
			DedupeTTLRaw:  "5m",
		},
		Verification: VerificationConfig{
			Enabled:           true,
			DurationRaw:       "24h",
			ShortenTimeoutRaw: "10s",
		},
		Delivery: DeliveryConfig{
			MaxResults:          10,
			SpellCheck:          true,
			Caption:             DefaultCaption,
			AutoDeleteRaw:       "5m",
			RateLimitBackoffRaw: "5s",
			SendTimeoutRaw:      "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if u, err := url.Parse(c.Matrix.Homeserver); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("matrix.homeserver must be an http or https URL")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") {
		return fmt.Errorf("matrix.user_id must be a full Matrix user id like @bot:example.org")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Matrix.CommandPrefix == "" {
		return fmt.Errorf("matrix.command_prefix must not be empty")
	}

	// Shortlink host and key only work as a pair
	if (c.Verification.ShortlinkHost == "") != (c.Verification.ShortlinkAPIKey == "") {
		return fmt.Errorf("verification.shortlink_host and verification.shortlink_api_key must be set together")
	}
	if c.Verification.Enabled && c.BotLink() == "" {
		return fmt.Errorf("verification.bot_link or server.public_url is required when verification is enabled")
	}

	if c.Delivery.MaxResults <= 0 {
		return fmt.Errorf("delivery.max_results must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	return nil
}

// BotLink returns the verification deep-link base: the configured bot link,
// or the landing page under the public URL.
func (c *Config) BotLink() string {
	if c.Verification.BotLink != "" {
		return c.Verification.BotLink
	}
	if c.Server.PublicURL != "" {
		return strings.TrimSuffix(c.Server.PublicURL, "/") + "/start"
	}
	return ""
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"matrix.dedupe_ttl", cfg.Matrix.DedupeTTLRaw, &cfg.Matrix.DedupeTTL},
		{"verification.duration", cfg.Verification.DurationRaw, &cfg.Verification.Duration},
		{"verification.shorten_timeout", cfg.Verification.ShortenTimeoutRaw, &cfg.Verification.ShortenTimeout},
		{"delivery.auto_delete", cfg.Delivery.AutoDeleteRaw, &cfg.Delivery.AutoDelete},
		{"delivery.rate_limit_backoff", cfg.Delivery.RateLimitBackoffRaw, &cfg.Delivery.RateLimitBackoff},
		{"delivery.send_timeout", cfg.Delivery.SendTimeoutRaw, &cfg.Delivery.SendTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
