// Package config provides Viper-based configuration loading for the game server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	StorageJSON     = "json"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// MaxFrameBytes bounds the size of one inbound websocket frame.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes"`
	// ShutdownTimeout bounds graceful shutdown of every service.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// StorageConfig selects and configures the persistence adapter.
type StorageConfig struct {
	// Type is one of "json", "sqlite", or "postgres".
	Type string `mapstructure:"type"`
	// DataDir holds the sqlite file or the json document tree.
	DataDir string `mapstructure:"data_dir"`
	// FlushMs is the debounce delay for buffered writes.
	FlushMs int `mapstructure:"flush_ms"`
	// HealthInterval is how often the store is probed while running.
	HealthInterval time.Duration  `mapstructure:"health_interval"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
}

// FlushDelay returns FlushMs as a duration.
func (s StorageConfig) FlushDelay() time.Duration {
	return time.Duration(s.FlushMs) * time.Millisecond
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// AuthConfig holds credential and token settings.
type AuthConfig struct {
	// RequireEmailVerification gates login on a verified email when one is set.
	RequireEmailVerification bool `mapstructure:"require_email_verification"`
	// SessionTTLMs is the sliding lifetime of a session token.
	SessionTTLMs int64 `mapstructure:"session_ttl_ms"`
	// VerificationTTL is the lifetime of an email verification code.
	VerificationTTL time.Duration `mapstructure:"verification_ttl"`
	// ResendCooldown is the minimum spacing between verification emails.
	ResendCooldown time.Duration `mapstructure:"resend_cooldown"`
	// ResetTTL is the lifetime of a password reset token.
	ResetTTL time.Duration `mapstructure:"reset_ttl"`
	// BcryptCost is the bcrypt work factor.
	BcryptCost int `mapstructure:"bcrypt_cost"`
	// SweepInterval is how often expired session tokens are collected.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SessionTTL returns SessionTTLMs as a duration.
func (a AuthConfig) SessionTTL() time.Duration {
	return time.Duration(a.SessionTTLMs) * time.Millisecond
}

// GatewayConfig holds per-connection settings.
type GatewayConfig struct {
	// Path is the URL path websocket clients connect to.
	Path string `mapstructure:"path"`
	// HeartbeatMs is the interval between server pings.
	HeartbeatMs int `mapstructure:"heartbeat_ms"`
	// IdleTimeoutMs closes sessions with no inbound traffic for this long.
	IdleTimeoutMs int `mapstructure:"idle_timeout_ms"`
	// SendQueueDepth bounds each session's outbound queue.
	SendQueueDepth int `mapstructure:"send_queue_depth"`
	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MalformedLimit malformed frames within MalformedWindow close the session.
	MalformedLimit  int           `mapstructure:"malformed_limit"`
	MalformedWindow time.Duration `mapstructure:"malformed_window"`
	// FaultLimit internal faults within FaultWindow close the session.
	FaultLimit  int           `mapstructure:"fault_limit"`
	FaultWindow time.Duration `mapstructure:"fault_window"`
}

// Heartbeat returns HeartbeatMs as a duration.
func (g GatewayConfig) Heartbeat() time.Duration {
	return time.Duration(g.HeartbeatMs) * time.Millisecond
}

// IdleTimeout returns IdleTimeoutMs as a duration.
func (g GatewayConfig) IdleTimeout() time.Duration {
	return time.Duration(g.IdleTimeoutMs) * time.Millisecond
}

// BucketConfig is a token bucket: Burst tokens refilled evenly over Window.
type BucketConfig struct {
	Burst  int           `mapstructure:"burst"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig holds per-command-class buckets.
type RateLimitConfig struct {
	Chat BucketConfig `mapstructure:"chat"`
	// ChatMinInterval is the minimum spacing between two chat messages.
	ChatMinInterval time.Duration `mapstructure:"chat_min_interval"`
	// Market covers auction_bid and trade_propose.
	Market  BucketConfig `mapstructure:"market"`
	Default BucketConfig `mapstructure:"default"`
}

// ChatConfig holds chat broker settings.
type ChatConfig struct {
	// MaxLength is the maximum message length in runes.
	MaxLength int `mapstructure:"max_length"`
	// SlowMode is the per-channel delay between messages from one sender.
	SlowMode time.Duration `mapstructure:"slow_mode"`
	// Filters names the enabled filters: profanity, links, caps, repeats.
	Filters []string `mapstructure:"filters"`
	// BlockedWords feeds the profanity filter.
	BlockedWords []string `mapstructure:"blocked_words"`
	// ScriptFile is an optional Lua moderation script defining on_chat.
	ScriptFile string `mapstructure:"script_file"`
}

// AuctionConfig holds auction rules.
type AuctionConfig struct {
	// Durations is the set of listing lengths a seller may choose.
	Durations []time.Duration `mapstructure:"durations"`
	// MinIncrement enables the max(1, ceil(5%)) minimum raise.
	MinIncrement bool `mapstructure:"min_increment"`
	// AntiSnipeWindow extends bids landing this close to the deadline.
	AntiSnipeWindow time.Duration `mapstructure:"anti_snipe_window"`
	// AntiSnipeExtension is how far the deadline moves.
	AntiSnipeExtension time.Duration `mapstructure:"anti_snipe_extension"`
}

// WorldConfig holds the location catalog source.
type WorldConfig struct {
	// LocationsFile overrides the built-in catalog when set.
	LocationsFile string `mapstructure:"locations_file"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Auction   AuctionConfig   `mapstructure:"auction"`
	World     WorldConfig     `mapstructure:"world"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, check := range []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateStorage(c.Storage) },
		func() error { return validateLogging(c.Logging) },
		func() error { return validateAuth(c.Auth) },
		func() error { return validateGateway(c.Gateway) },
		func() error { return validateRateLimit(c.RateLimit) },
		func() error { return validateChat(c.Chat) },
		func() error { return validateAuction(c.Auction) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joined(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.MaxFrameBytes < 64 {
		errs = append(errs, fmt.Sprintf("server.max_frame_bytes must be >= 64, got %d", s.MaxFrameBytes))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	return joined(errs)
}

func validateStorage(s StorageConfig) error {
	var errs []string
	switch s.Type {
	case StorageJSON, StorageSQLite:
		if s.DataDir == "" {
			errs = append(errs, "storage.data_dir must not be empty")
		}
	case StoragePostgres:
		if err := validatePostgres(s.Postgres); err != nil {
			errs = append(errs, err.Error())
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.type must be one of [json, sqlite, postgres], got %q", s.Type))
	}
	if s.FlushMs <= 0 {
		errs = append(errs, fmt.Sprintf("storage.flush_ms must be > 0, got %d", s.FlushMs))
	}
	if s.HealthInterval <= 0 {
		errs = append(errs, fmt.Sprintf("storage.health_interval must be > 0, got %s", s.HealthInterval))
	}
	return joined(errs)
}

func validatePostgres(d PostgresConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "storage.postgres.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("storage.postgres.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "storage.postgres.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "storage.postgres.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("storage.postgres.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("storage.postgres.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("storage.postgres.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "storage.postgres.min_conns must not exceed storage.postgres.max_conns")
	}
	return joined(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if a.SessionTTLMs < 1000 {
		errs = append(errs, fmt.Sprintf("auth.session_ttl_ms must be >= 1000, got %d", a.SessionTTLMs))
	}
	if a.VerificationTTL <= 0 {
		errs = append(errs, "auth.verification_ttl must be positive")
	}
	if a.ResetTTL <= 0 {
		errs = append(errs, "auth.reset_ttl must be positive")
	}
	if a.ResendCooldown < 0 {
		errs = append(errs, "auth.resend_cooldown must not be negative")
	}
	if a.BcryptCost < 4 || a.BcryptCost > 31 {
		errs = append(errs, fmt.Sprintf("auth.bcrypt_cost must be 4-31, got %d", a.BcryptCost))
	}
	if a.SweepInterval <= 0 {
		errs = append(errs, "auth.sweep_interval must be positive")
	}
	return joined(errs)
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if !strings.HasPrefix(g.Path, "/") {
		errs = append(errs, fmt.Sprintf("gateway.path must start with '/', got %q", g.Path))
	}
	if g.HeartbeatMs < 10 {
		errs = append(errs, fmt.Sprintf("gateway.heartbeat_ms must be >= 10, got %d", g.HeartbeatMs))
	}
	if g.IdleTimeoutMs <= g.HeartbeatMs {
		errs = append(errs, "gateway.idle_timeout_ms must exceed gateway.heartbeat_ms")
	}
	if g.SendQueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("gateway.send_queue_depth must be >= 1, got %d", g.SendQueueDepth))
	}
	if g.WriteTimeout <= 0 {
		errs = append(errs, "gateway.write_timeout must be positive")
	}
	if g.MalformedLimit < 1 || g.FaultLimit < 1 {
		errs = append(errs, "gateway.malformed_limit and gateway.fault_limit must be >= 1")
	}
	return joined(errs)
}

func validateBucket(name string, b BucketConfig) []string {
	var errs []string
	if b.Burst < 1 {
		errs = append(errs, fmt.Sprintf("ratelimit.%s.burst must be >= 1, got %d", name, b.Burst))
	}
	if b.Window <= 0 {
		errs = append(errs, fmt.Sprintf("ratelimit.%s.window must be positive", name))
	}
	return errs
}

func validateRateLimit(r RateLimitConfig) error {
	var errs []string
	errs = append(errs, validateBucket("chat", r.Chat)...)
	errs = append(errs, validateBucket("market", r.Market)...)
	errs = append(errs, validateBucket("default", r.Default)...)
	if r.ChatMinInterval < 0 {
		errs = append(errs, "ratelimit.chat_min_interval must not be negative")
	}
	return joined(errs)
}

func validateChat(c ChatConfig) error {
	var errs []string
	if c.MaxLength < 1 {
		errs = append(errs, fmt.Sprintf("chat.max_length must be >= 1, got %d", c.MaxLength))
	}
	if c.SlowMode < 0 {
		errs = append(errs, "chat.slow_mode must not be negative")
	}
	valid := map[string]bool{"profanity": true, "links": true, "caps": true, "repeats": true}
	for _, f := range c.Filters {
		if !valid[f] {
			errs = append(errs, fmt.Sprintf("chat.filters entry must be one of [profanity, links, caps, repeats], got %q", f))
		}
	}
	return joined(errs)
}

func validateAuction(a AuctionConfig) error {
	var errs []string
	if len(a.Durations) == 0 {
		errs = append(errs, "auction.durations must not be empty")
	}
	for _, d := range a.Durations {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("auction.durations entries must be positive, got %s", d))
		}
	}
	if a.AntiSnipeWindow < 0 || a.AntiSnipeExtension < 0 {
		errs = append(errs, "auction.anti_snipe_window and auction.anti_snipe_extension must not be negative")
	}
	return joined(errs)
}

// envBindings maps config keys to the bare environment names the server honors
// alongside the HW_ prefixed ones.
var envBindings = map[string]string{
	"storage.type":                    "DATABASE_TYPE",
	"server.port":                     "PORT",
	"storage.data_dir":                "DATA_DIR",
	"auth.require_email_verification": "EMAIL_REQUIRE_VERIFICATION",
	"auth.session_ttl_ms":             "SESSION_TTL_MS",
	"gateway.heartbeat_ms":            "HEARTBEAT_MS",
	"gateway.idle_timeout_ms":         "IDLE_TIMEOUT_MS",
}

// NewViper returns a Viper instance with defaults and environment bindings applied.
//
// Postcondition: HW_ prefixed variables override every key; the bare names in
// envBindings override their keys when the prefixed form is unset.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		prefixed := "HW_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		_ = v.BindEnv(key, prefixed, env)
	}
	setDefaults(v)
	return v
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the validated default configuration.
func Default() Config {
	cfg, err := LoadFromViper(NewViper())
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_frame_bytes", 16*1024)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("storage.type", StorageSQLite)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.flush_ms", 1000)
	v.SetDefault("storage.health_interval", "30s")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "highwizardry")
	v.SetDefault("storage.postgres.password", "highwizardry")
	v.SetDefault("storage.postgres.name", "highwizardry")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 2)
	v.SetDefault("storage.postgres.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.require_email_verification", true)
	v.SetDefault("auth.session_ttl_ms", 24*60*60*1000)
	v.SetDefault("auth.verification_ttl", "30m")
	v.SetDefault("auth.resend_cooldown", "60s")
	v.SetDefault("auth.reset_ttl", "1h")
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("auth.sweep_interval", "5m")

	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.heartbeat_ms", 30000)
	v.SetDefault("gateway.idle_timeout_ms", 60000)
	v.SetDefault("gateway.send_queue_depth", 256)
	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("gateway.malformed_limit", 5)
	v.SetDefault("gateway.malformed_window", "60s")
	v.SetDefault("gateway.fault_limit", 3)
	v.SetDefault("gateway.fault_window", "30s")

	v.SetDefault("ratelimit.chat.burst", 10)
	v.SetDefault("ratelimit.chat.window", "10s")
	v.SetDefault("ratelimit.chat_min_interval", "1s")
	v.SetDefault("ratelimit.market.burst", 5)
	v.SetDefault("ratelimit.market.window", "10s")
	v.SetDefault("ratelimit.default.burst", 30)
	v.SetDefault("ratelimit.default.window", "10s")

	v.SetDefault("chat.max_length", 500)
	v.SetDefault("chat.slow_mode", "5s")
	v.SetDefault("chat.filters", []string{"profanity", "links", "caps", "repeats"})
	v.SetDefault("chat.blocked_words", []string{})

	v.SetDefault("auction.durations", []string{"5m", "30m", "1h", "24h", "72h", "168h"})
	v.SetDefault("auction.min_increment", true)
	v.SetDefault("auction.anti_snipe_window", "2m")
	v.SetDefault("auction.anti_snipe_extension", "2m")
}
