// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxSessions      = 10000
	maxTimeout          = 10 * time.Minute
	maxRateLimitRPM     = 10000
	minAPITokenLength   = 16
	maxSnapshotLRU      = 4096
	maxRingBufferSize   = 100000
	defaultSnapshotLRU  = 16
	defaultRingBufferSz = 500
)

// Config holds all application configuration, loaded from environment
// variables at startup.
type Config struct {
	// Server settings
	Bind string
	Port int

	// Storage
	DataDir string

	// Auth
	APIToken string

	// Policy
	DefaultPolicyProfile string

	// Buffers / registry
	RingBufferSize int
	SnapshotLRU    int

	// Browser settings
	Headless    bool
	BrowserPath string

	// Session settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	MaxSessions            int

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Logging
	LogLevel string

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string

	// Label-override / route-mock config hot reload (fsnotify)
	OverridesPath      string
	OverridesHotReload bool

	// Tracing
	OTelTracesEnabled bool

	// Shutdown
	ShutdownGraceTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Bind: getEnvString("BIND", "127.0.0.1"),
		Port: getEnvInt("PORT", 8080),

		DataDir: getEnvString("DATA_DIR", "./data"),

		APIToken: getEnvString("API_TOKEN", ""),

		DefaultPolicyProfile: getEnvString("DEFAULT_POLICY_PROFILE", "safe"),

		RingBufferSize: getEnvInt("RING_BUFFER_SIZE", defaultRingBufferSz),
		SnapshotLRU:    getEnvInt("SNAPSHOT_LRU", defaultSnapshotLRU),

		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		SessionTTL:             getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Minute),
		MaxSessions:            getEnvInt("MAX_SESSIONS", 100),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 30*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		OverridesPath:      getEnvString("OVERRIDES_PATH", ""),
		OverridesHotReload: getEnvBool("OVERRIDES_HOT_RELOAD", false),

		OTelTracesEnabled: getEnvBool("OTEL_TRACES_ENABLED", false),

		ShutdownGraceTimeout: getEnvDuration("SHUTDOWN_GRACE_TIMEOUT", 20*time.Second),
	}
}

// Validate checks configuration values and logs warnings for invalid values,
// clamping them to sensible bounds rather than failing startup.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8080")
		c.Port = 8080
	}

	if c.DataDir == "" {
		log.Warn().Msg("DATA_DIR empty, using ./data")
		c.DataDir = "./data"
	} else if strings.Contains(c.DataDir, "..") {
		log.Error().Str("path", c.DataDir).Msg("DATA_DIR contains path traversal sequence (..), resetting to ./data")
		c.DataDir = "./data"
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("BROWSER_PATH contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	validProfiles := map[string]bool{"safe": true, "permissive": true, "disabled": true}
	if !validProfiles[c.DefaultPolicyProfile] {
		log.Warn().Str("profile", c.DefaultPolicyProfile).Msg("Invalid DEFAULT_POLICY_PROFILE, using 'safe'")
		c.DefaultPolicyProfile = "safe"
	}

	if c.RingBufferSize < 1 {
		log.Warn().Int("size", c.RingBufferSize).Msg("Invalid RING_BUFFER_SIZE, using default")
		c.RingBufferSize = defaultRingBufferSz
	} else if c.RingBufferSize > maxRingBufferSize {
		log.Warn().Int("size", c.RingBufferSize).Msg("RING_BUFFER_SIZE too large, capping")
		c.RingBufferSize = maxRingBufferSize
	}

	if c.SnapshotLRU < 1 {
		log.Warn().Int("size", c.SnapshotLRU).Msg("Invalid SNAPSHOT_LRU, using default 16")
		c.SnapshotLRU = defaultSnapshotLRU
	} else if c.SnapshotLRU > maxSnapshotLRU {
		log.Warn().Int("size", c.SnapshotLRU).Msg("SNAPSHOT_LRU too large, capping")
		c.SnapshotLRU = maxSnapshotLRU
	}

	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("MAX_TIMEOUT too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("MAX_TIMEOUT too high, capping")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < 100*time.Millisecond {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("DEFAULT_TIMEOUT too short, using 30s")
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().Dur("default", c.DefaultTimeout).Dur("max", c.MaxTimeout).Msg("DEFAULT_TIMEOUT exceeds MAX_TIMEOUT, adjusting")
		c.DefaultTimeout = c.MaxTimeout
	}

	if c.MaxSessions < 1 {
		log.Warn().Int("max", c.MaxSessions).Msg("Invalid MAX_SESSIONS, using 100")
		c.MaxSessions = 100
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().Int("sessions", c.MaxSessions).Msg("MAX_SESSIONS too high, capping")
		c.MaxSessions = maxMaxSessions
	}

	const minSessionTTL = 1 * time.Minute
	const maxSessionTTL = 24 * time.Hour
	if c.SessionTTL < minSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Msg("SESSION_TTL too short, using minimum")
		c.SessionTTL = minSessionTTL
	} else if c.SessionTTL > maxSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Msg("SESSION_TTL too long, using maximum")
		c.SessionTTL = maxSessionTTL
	}

	if c.SessionCleanupInterval >= c.SessionTTL {
		log.Warn().
			Dur("cleanup_interval", c.SessionCleanupInterval).
			Dur("ttl", c.SessionTTL).
			Msg("SESSION_CLEANUP_INTERVAL should be less than SESSION_TTL for timely cleanup")
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid RATE_LIMIT_RPM, using 120")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("RATE_LIMIT_RPM too high, capping")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid LOG_LEVEL, using 'info'")
		c.LogLevel = "info"
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - all cross-origin requests will be rejected (secure default)")
	}

	if c.APIToken == "" {
		log.Warn().Msg("API_TOKEN is empty - the daemon will accept unauthenticated requests, do not expose this port")
	} else if len(c.APIToken) < minAPITokenLength {
		log.Error().
			Int("length", len(c.APIToken)).
			Int("min_required", minAPITokenLength).
			Msg("API_TOKEN is too short for secure authentication")
	}

	if c.OverridesHotReload && c.OverridesPath == "" {
		log.Warn().Msg("OVERRIDES_HOT_RELOAD enabled but OVERRIDES_PATH not set - hot-reload disabled")
		c.OverridesHotReload = false
	}
	if c.OverridesPath != "" {
		if strings.Contains(c.OverridesPath, "..") {
			log.Error().Str("path", c.OverridesPath).Msg("OVERRIDES_PATH contains path traversal sequence (..), ignoring")
			c.OverridesPath = ""
		} else if c.OverridesHotReload {
			if _, err := os.Stat(c.OverridesPath); os.IsNotExist(err) {
				log.Warn().Str("path", c.OverridesPath).Msg("OVERRIDES_PATH does not exist - hot-reload will watch for file creation")
			}
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
