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
	maxMaxBrowsers       = 50
	maxPagesPerBrowser   = 100
	maxMaxSessions       = 10000
	maxRateLimitRPM      = 10000
	maxActionTimeout     = 300 * time.Second
	minJWTSecretLength   = 32
)

// ScalingStrategy selects a preset of scaling thresholds.
type ScalingStrategy string

const (
	StrategyConservative ScalingStrategy = "conservative"
	StrategyBalanced     ScalingStrategy = "balanced"
	StrategyAggressive   ScalingStrategy = "aggressive"
)

// StoreStrategy selects the session/context store backend.
type StoreStrategy string

const (
	StoreRedis  StoreStrategy = "redis"
	StoreMemory StoreStrategy = "memory"
	StoreAuto   StoreStrategy = "auto"
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host     string
	Port     int
	GRPCPort int
	Env      string // development | production (NODE_ENV)

	// Browser engine settings
	Headless    bool
	BrowserPath string
	StealthMode bool

	// Pool settings
	MinBrowsers         int
	MaxBrowsers         int
	MaxPagesPerBrowser  int
	AcquisitionTimeout  time.Duration
	HealthCheckInterval time.Duration
	IdleTimeout         time.Duration

	// Scaling
	Strategy           ScalingStrategy
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleCooldown      time.Duration
	MaxScaleStep       int

	// Recycling
	MaxBrowserLifetime time.Duration
	RecyclingThreshold float64 // composite score 0-100
	RecyclingCooldown  time.Duration
	MaxRecycleBatch    int
	MaintenanceHourLow int // inclusive start of maintenance window (0-23)
	MaintenanceHourHigh int

	// Circuit breaker
	BreakerFailureThreshold   int
	BreakerMonitoringWindow   time.Duration
	BreakerResetTimeout       time.Duration
	BreakerHalfOpenMaxProbes  int

	// Sessions
	SessionTTL      time.Duration
	MaxSessions     int
	SessionStore    StoreStrategy
	RedisURL        string

	// Database (used by persistent key stores when configured)
	DatabaseType string // sqlite | postgres | mysql
	DatabasePath string
	DatabaseHost string
	DatabasePort int
	DatabaseName string
	DatabaseUser string
	DatabasePass string
	DatabaseSSL  bool

	// Auth
	JWTSecret     string
	JWTExpiry     time.Duration

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPM     int
	TrustProxy       bool

	// Action policy
	PolicyPath      string // external override for the action security policy
	PolicyHotReload bool

	// MCP
	MCPTransport string // stdio | http
	MCPPort      int

	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		Host:     getEnvString("HOST", "127.0.0.1"),
		Port:     getEnvInt("PORT", 8443),
		GRPCPort: getEnvInt("GRPC_PORT", 50051),
		Env:      getEnvString("NODE_ENV", "development"),

		// Browser engine
		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),
		StealthMode: getEnvBool("STEALTH_MODE", false),

		// Pool
		MinBrowsers:         getEnvInt("MIN_BROWSERS", 1),
		MaxBrowsers:         getEnvInt("MAX_BROWSERS", 5),
		MaxPagesPerBrowser:  getEnvInt("MAX_PAGES_PER_BROWSER", 10),
		AcquisitionTimeout:  getEnvDuration("ACQUISITION_TIMEOUT", 30*time.Second),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		IdleTimeout:         getEnvDuration("IDLE_TIMEOUT", 5*time.Minute),

		// Scaling
		Strategy:           ScalingStrategy(getEnvString("SCALING_STRATEGY", "balanced")),
		ScaleUpThreshold:   getEnvFloat("SCALE_UP_THRESHOLD", 0),
		ScaleDownThreshold: getEnvFloat("SCALE_DOWN_THRESHOLD", 0),
		ScaleCooldown:      getEnvDuration("SCALE_COOLDOWN", 60*time.Second),
		MaxScaleStep:       getEnvInt("MAX_SCALE_STEP", 2),

		// Recycling
		MaxBrowserLifetime:  getEnvDuration("MAX_BROWSER_LIFETIME", 30*time.Minute),
		RecyclingThreshold:  getEnvFloat("RECYCLING_THRESHOLD", 70),
		RecyclingCooldown:   getEnvDuration("RECYCLING_COOLDOWN", 30*time.Second),
		MaxRecycleBatch:     getEnvInt("MAX_RECYCLE_BATCH", 2),
		MaintenanceHourLow:  getEnvInt("MAINTENANCE_HOUR_LOW", 2),
		MaintenanceHourHigh: getEnvInt("MAINTENANCE_HOUR_HIGH", 5),

		// Circuit breaker
		BreakerFailureThreshold:  getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerMonitoringWindow:  getEnvDuration("BREAKER_MONITORING_WINDOW", 60*time.Second),
		BreakerResetTimeout:      getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		BreakerHalfOpenMaxProbes: getEnvInt("BREAKER_HALF_OPEN_MAX_PROBES", 1),

		// Sessions
		SessionTTL:   getEnvDuration("SESSION_TTL", 1*time.Hour),
		MaxSessions:  getEnvInt("MAX_SESSIONS", 1000),
		SessionStore: StoreStrategy(getEnvString("SESSION_STORE_TYPE", "auto")),
		RedisURL:     getEnvString("REDIS_URL", ""),

		// Database
		DatabaseType: getEnvString("DATABASE_TYPE", "sqlite"),
		DatabasePath: getEnvString("DATABASE_PATH", ""),
		DatabaseHost: getEnvString("DATABASE_HOST", ""),
		DatabasePort: getEnvInt("DATABASE_PORT", 5432),
		DatabaseName: getEnvString("DATABASE_NAME", ""),
		DatabaseUser: getEnvString("DATABASE_USER", ""),
		DatabasePass: getEnvString("DATABASE_PASSWORD", ""),
		DatabaseSSL:  getEnvBool("DATABASE_SSL", false),

		// Auth
		JWTSecret: getEnvString("JWT_SECRET", ""),
		JWTExpiry: getEnvDuration("JWT_EXPIRY", 1*time.Hour),

		// Rate limiting
		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 120),
		TrustProxy:       getEnvBool("TRUST_PROXY", false),

		// Action policy
		PolicyPath:      getEnvString("ACTION_POLICY_PATH", ""),
		PolicyHotReload: getEnvBool("ACTION_POLICY_HOT_RELOAD", false),

		// MCP
		MCPTransport: getEnvString("MCP_TRANSPORT", "stdio"),
		MCPPort:      getEnvInt("MCP_PORT", 4483),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),

		// Metrics
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),
	}
}

// Production reports whether the server runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// applyStrategyPresets fills scaling thresholds from the strategy preset
// unless they were set explicitly.
func (c *Config) applyStrategyPresets() {
	var up, down float64
	switch c.Strategy {
	case StrategyConservative:
		up, down = 0.9, 0.2
	case StrategyAggressive:
		up, down = 0.6, 0.4
	case StrategyBalanced:
		up, down = 0.8, 0.3
	default:
		log.Warn().Str("strategy", string(c.Strategy)).Msg("Unknown scaling strategy, using 'balanced'")
		c.Strategy = StrategyBalanced
		up, down = 0.8, 0.3
	}
	if c.ScaleUpThreshold <= 0 || c.ScaleUpThreshold > 1 {
		c.ScaleUpThreshold = up
	}
	if c.ScaleDownThreshold <= 0 || c.ScaleDownThreshold >= c.ScaleUpThreshold {
		c.ScaleDownThreshold = down
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8443")
		c.Port = 8443
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 || c.GRPCPort == c.Port {
		log.Warn().Int("port", c.GRPCPort).Msg("Invalid gRPC port, using default 50051")
		c.GRPCPort = 50051
	}

	// BrowserPath validation - prevent path traversal
	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	// Pool bounds
	if c.MaxBrowsers < 1 {
		log.Warn().Int("max", c.MaxBrowsers).Msg("Invalid MAX_BROWSERS, using default 5")
		c.MaxBrowsers = 5
	} else if c.MaxBrowsers > maxMaxBrowsers {
		log.Warn().Int("max", c.MaxBrowsers).Int("cap", maxMaxBrowsers).Msg("MAX_BROWSERS too large, capping")
		c.MaxBrowsers = maxMaxBrowsers
	}
	if c.MinBrowsers < 0 || c.MinBrowsers > c.MaxBrowsers {
		log.Warn().Int("min", c.MinBrowsers).Int("max", c.MaxBrowsers).Msg("Invalid MIN_BROWSERS, using 1")
		c.MinBrowsers = 1
	}
	if c.MaxPagesPerBrowser < 1 {
		log.Warn().Int("pages", c.MaxPagesPerBrowser).Msg("Invalid MAX_PAGES_PER_BROWSER, using 10")
		c.MaxPagesPerBrowser = 10
	} else if c.MaxPagesPerBrowser > maxPagesPerBrowser {
		c.MaxPagesPerBrowser = maxPagesPerBrowser
	}

	// Timeouts
	if c.AcquisitionTimeout < time.Second {
		log.Warn().Dur("timeout", c.AcquisitionTimeout).Msg("ACQUISITION_TIMEOUT too short, using 30s")
		c.AcquisitionTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval < 5*time.Second {
		log.Warn().Dur("interval", c.HealthCheckInterval).Msg("HEALTH_CHECK_INTERVAL too short, using 30s")
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.IdleTimeout < time.Minute {
		log.Warn().Dur("timeout", c.IdleTimeout).Msg("IDLE_TIMEOUT too short, using 5m")
		c.IdleTimeout = 5 * time.Minute
	}

	// Scaling presets
	c.applyStrategyPresets()
	if c.MaxScaleStep < 1 {
		c.MaxScaleStep = 1
	}

	// Recycling
	if c.RecyclingThreshold <= 0 || c.RecyclingThreshold > 100 {
		log.Warn().Float64("threshold", c.RecyclingThreshold).Msg("Invalid RECYCLING_THRESHOLD, using 70")
		c.RecyclingThreshold = 70
	}
	if c.MaxRecycleBatch < 1 {
		c.MaxRecycleBatch = 1
	}
	if c.MaintenanceHourLow < 0 || c.MaintenanceHourLow > 23 {
		c.MaintenanceHourLow = 2
	}
	if c.MaintenanceHourHigh < c.MaintenanceHourLow || c.MaintenanceHourHigh > 23 {
		c.MaintenanceHourHigh = c.MaintenanceHourLow + 3
		if c.MaintenanceHourHigh > 23 {
			c.MaintenanceHourHigh = 23
		}
	}

	// Circuit breaker
	if c.BreakerFailureThreshold < 1 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerHalfOpenMaxProbes < 1 {
		c.BreakerHalfOpenMaxProbes = 1
	}

	// Sessions
	if c.SessionTTL < time.Minute {
		log.Warn().Dur("ttl", c.SessionTTL).Msg("SESSION_TTL too short, using 1h")
		c.SessionTTL = 1 * time.Hour
	}
	if c.MaxSessions < 1 {
		c.MaxSessions = 1000
	} else if c.MaxSessions > maxMaxSessions {
		log.Warn().Int("sessions", c.MaxSessions).Int("max", maxMaxSessions).Msg("MAX_SESSIONS too high, capping")
		c.MaxSessions = maxMaxSessions
	}
	switch c.SessionStore {
	case StoreRedis, StoreMemory, StoreAuto:
	default:
		log.Warn().Str("store", string(c.SessionStore)).Msg("Invalid SESSION_STORE_TYPE, using 'auto'")
		c.SessionStore = StoreAuto
	}
	if c.SessionStore == StoreRedis && c.RedisURL == "" {
		log.Warn().Msg("SESSION_STORE_TYPE=redis but REDIS_URL is empty, falling back to 'auto'")
		c.SessionStore = StoreAuto
	}

	// Database
	switch strings.ToLower(c.DatabaseType) {
	case "sqlite", "postgres", "mysql":
		c.DatabaseType = strings.ToLower(c.DatabaseType)
	default:
		log.Warn().Str("type", c.DatabaseType).Msg("Invalid DATABASE_TYPE, using 'sqlite'")
		c.DatabaseType = "sqlite"
	}

	// Auth - a missing secret is a fatal startup condition, surfaced by the
	// caller. Here we only warn about weak secrets.
	if c.JWTSecret != "" && len(c.JWTSecret) < minJWTSecretLength {
		log.Warn().
			Int("length", len(c.JWTSecret)).
			Int("min_recommended", minJWTSecretLength).
			Msg("JWT_SECRET is short - consider using at least 32 bytes")
	}
	if c.JWTExpiry < time.Minute {
		c.JWTExpiry = 1 * time.Hour
	}

	// Rate limit
	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 120 RPM")
			c.RateLimitRPM = 120
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Int("max", maxRateLimitRPM).Msg("Rate limit too high, capping")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	// Action policy path
	if c.PolicyPath != "" && strings.Contains(c.PolicyPath, "..") {
		log.Error().Str("path", c.PolicyPath).Msg("ACTION_POLICY_PATH contains path traversal sequence (..), ignoring")
		c.PolicyPath = ""
	}
	if c.PolicyHotReload && c.PolicyPath == "" {
		log.Warn().Msg("ACTION_POLICY_HOT_RELOAD enabled but ACTION_POLICY_PATH not set - hot-reload disabled")
		c.PolicyHotReload = false
	}

	// MCP
	switch strings.ToLower(c.MCPTransport) {
	case "stdio", "http":
		c.MCPTransport = strings.ToLower(c.MCPTransport)
	default:
		log.Warn().Str("transport", c.MCPTransport).Msg("Invalid MCP_TRANSPORT, using 'stdio'")
		c.MCPTransport = "stdio"
	}
	if c.MCPPort < 0 || c.MCPPort > 65535 || c.MCPPort == c.Port || c.MCPPort == c.GRPCPort {
		log.Warn().Int("port", c.MCPPort).Msg("Invalid MCP port, using default 4483")
		c.MCPPort = 4483
	}

	// Log level
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
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
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
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
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
