// Package server provides configuration helpers that define runtime defaults,
// validation, and abuse-control parameters for the gorelay service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the relay configuration, covering the TCP listener, the
// abuse-control thresholds, and the optional WebSocket ingress.
type Config struct {
	// Port is the TCP port the relay listens on.
	Port int

	// MessageRate is the minimum sustained rate (messages per second) a
	// client must stay below once it has exceeded BanMessageLimit.
	MessageRate float64

	// BanMessageLimit is the number of accepted messages after which the
	// rate check starts applying.
	BanMessageLimit int

	// BanLimit is how long a banned address stays banned.
	BanLimit time.Duration

	// UnbanTime is retained for interface compatibility with earlier
	// deployments. No logic reads it.
	UnbanTime time.Duration

	// StrikeLimit is the number of malformed chunks before a ban.
	StrikeLimit int

	// BufferSize is the per-receive chunk buffer in bytes.
	BufferSize int

	// SendTimeout bounds every outbound write so one stalled peer cannot
	// block fan-out to the others.
	SendTimeout time.Duration

	// SweepInterval is the cadence of the unban sweeper.
	SweepInterval time.Duration

	// SafeMode masks client addresses in all emitted log text.
	SafeMode bool

	// HTTPPort enables the WebSocket ingress when non-empty (e.g. ":8080").
	HTTPPort       string
	AllowedOrigins []string
	MaxMessageSize int64
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port:            6969,
		MessageRate:     1.0,
		BanMessageLimit: 10,
		BanLimit:        10 * time.Minute,
		UnbanTime:       10 * time.Minute,
		StrikeLimit:     10,
		BufferSize:      1024,
		SendTimeout:     10 * time.Second,
		SweepInterval:   time.Second,
		SafeMode:        true,
		MaxMessageSize:  1024,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = def.Port
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = def.MessageRate
	}
	if cfg.BanMessageLimit <= 0 {
		cfg.BanMessageLimit = def.BanMessageLimit
	}
	if cfg.BanLimit <= 0 {
		cfg.BanLimit = def.BanLimit
	}
	if cfg.UnbanTime <= 0 {
		cfg.UnbanTime = def.UnbanTime
	}
	if cfg.StrikeLimit <= 0 {
		cfg.StrikeLimit = def.StrikeLimit
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("RELAY_PORT"); port != "" {
		cfg.Port = parseIntValue(port, cfg.Port)
	}
	if rate := os.Getenv("MESSAGE_RATE"); rate != "" {
		cfg.MessageRate = parseFloatValue(rate, cfg.MessageRate)
	}
	if limit := os.Getenv("BAN_MESSAGE_LIMIT"); limit != "" {
		cfg.BanMessageLimit = parseIntValue(limit, cfg.BanMessageLimit)
	}
	if secs := os.Getenv("BAN_LIMIT_SECONDS"); secs != "" {
		cfg.BanLimit = parseSeconds(secs, cfg.BanLimit)
	}
	if secs := os.Getenv("UNBAN_TIME_SECONDS"); secs != "" {
		cfg.UnbanTime = parseSeconds(secs, cfg.UnbanTime)
	}
	if limit := os.Getenv("STRIKE_LIMIT"); limit != "" {
		cfg.StrikeLimit = parseIntValue(limit, cfg.StrikeLimit)
	}
	if size := os.Getenv("BUFFER_SIZE"); size != "" {
		cfg.BufferSize = parseIntValue(size, cfg.BufferSize)
	}
	if secs := os.Getenv("SEND_TIMEOUT_SECONDS"); secs != "" {
		cfg.SendTimeout = parseSeconds(secs, cfg.SendTimeout)
	}
	if secs := os.Getenv("SWEEP_INTERVAL_SECONDS"); secs != "" {
		cfg.SweepInterval = parseSeconds(secs, cfg.SweepInterval)
	}
	if safe := os.Getenv("SAFE_MODE"); safe != "" {
		if parsed, err := strconv.ParseBool(safe); err == nil {
			cfg.SafeMode = parsed
		}
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		cfg.HTTPPort = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if size := os.Getenv("MAX_MESSAGE_SIZE"); size != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(size, cfg.MaxMessageSize)
	}

	return &cfg
}

// fileConfig is the TOML shape of the relay configuration. Durations are
// expressed in seconds to keep files hand-editable.
type fileConfig struct {
	Port            int      `toml:"port"`
	MessageRate     float64  `toml:"message_rate"`
	BanMessageLimit int      `toml:"ban_message_limit"`
	BanSeconds      float64  `toml:"ban_seconds"`
	UnbanSeconds    float64  `toml:"unban_seconds"`
	StrikeLimit     int      `toml:"strike_limit"`
	BufferSize      int      `toml:"buffer_size"`
	SendTimeoutSecs float64  `toml:"send_timeout_seconds"`
	SweepSeconds    float64  `toml:"sweep_seconds"`
	SafeMode        *bool    `toml:"safe_mode"`
	HTTPPort        string   `toml:"http_port"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	MaxMessageSize  int64    `toml:"max_message_size"`
}

// LoadFromFile overlays values from a TOML config file onto c. Fields absent
// from the file keep their current values.
func (c *Config) LoadFromFile(filename string) error {
	if _, err := os.Stat(filename); err != nil {
		return fmt.Errorf("config file %q is not found", filename)
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(filename, &fc); err != nil {
		return fmt.Errorf("parse config file %q: %w", filename, err)
	}

	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.MessageRate != 0 {
		c.MessageRate = fc.MessageRate
	}
	if fc.BanMessageLimit != 0 {
		c.BanMessageLimit = fc.BanMessageLimit
	}
	if fc.BanSeconds != 0 {
		c.BanLimit = secondsToDuration(fc.BanSeconds)
	}
	if fc.UnbanSeconds != 0 {
		c.UnbanTime = secondsToDuration(fc.UnbanSeconds)
	}
	if fc.StrikeLimit != 0 {
		c.StrikeLimit = fc.StrikeLimit
	}
	if fc.BufferSize != 0 {
		c.BufferSize = fc.BufferSize
	}
	if fc.SendTimeoutSecs != 0 {
		c.SendTimeout = secondsToDuration(fc.SendTimeoutSecs)
	}
	if fc.SweepSeconds != 0 {
		c.SweepInterval = secondsToDuration(fc.SweepSeconds)
	}
	if fc.SafeMode != nil {
		c.SafeMode = *fc.SafeMode
	}
	if fc.HTTPPort != "" {
		c.HTTPPort = fc.HTTPPort
	}
	if len(fc.AllowedOrigins) != 0 {
		c.AllowedOrigins = append([]string(nil), fc.AllowedOrigins...)
	}
	if fc.MaxMessageSize != 0 {
		c.MaxMessageSize = fc.MaxMessageSize
	}

	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseFloatValue(value string, defaultValue float64) float64 {
	if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
		return secondsToDuration(parsed)
	}
	return defaultValue
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
