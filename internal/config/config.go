package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis (room-state snapshots + rate limiter store)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// External code runner (agent "execute" tool)
	RunnerAddr               string
	RunnerHealthAddr         string
	RunnerHealthCheckEnabled bool

	// Optional bearer-JWT admission for the MCP endpoint
	JWTDomain   string
	JWTAudience string

	// Relay tuning
	BrowserRPCTimeout time.Duration
	LocalRPCTimeout   time.Duration
	KeepaliveInterval time.Duration

	// Rate limits (ulule/limiter formatted, e.g. "100-M")
	RateLimitHTTPIP string
	RateLimitWsIP   string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: RUNNER_ADDR (HTTP address of the sandboxed code executor)
	cfg.RunnerAddr = os.Getenv("RUNNER_ADDR")
	cfg.RunnerHealthAddr = os.Getenv("RUNNER_HEALTH_ADDR")
	if cfg.RunnerHealthAddr != "" && !isValidHostPort(cfg.RunnerHealthAddr) {
		errors = append(errors, fmt.Sprintf("RUNNER_HEALTH_ADDR must be in format 'host:port' (got '%s')", cfg.RunnerHealthAddr))
	}
	cfg.RunnerHealthCheckEnabled = cfg.RunnerHealthAddr != "" && os.Getenv("RUNNER_HEALTH_CHECK_ENABLED") != "false"

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Optional bearer-JWT mode for the MCP endpoint
	cfg.JWTDomain = os.Getenv("AUTH_JWT_DOMAIN")
	cfg.JWTAudience = os.Getenv("AUTH_JWT_AUDIENCE")
	if (cfg.JWTDomain == "") != (cfg.JWTAudience == "") {
		errors = append(errors, "AUTH_JWT_DOMAIN and AUTH_JWT_AUDIENCE must be set together")
	}

	// Relay tuning knobs
	var err error
	cfg.BrowserRPCTimeout, err = durationOrDefault("BROWSER_RPC_TIMEOUT", 30*time.Second)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.LocalRPCTimeout, err = durationOrDefault("LOCAL_RPC_TIMEOUT", 30*time.Second)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.KeepaliveInterval, err = durationOrDefault("KEEPALIVE_INTERVAL", 5*time.Second)
	if err != nil {
		errors = append(errors, err.Error())
	}

	// Rate limits (M = Minute, H = Hour)
	cfg.RateLimitHTTPIP = getEnvOrDefault("RATE_LIMIT_HTTP_IP", "300-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// durationOrDefault parses an environment variable as a time.Duration
func durationOrDefault(key string, def time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (got '%s')", key, val)
	}
	return d, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"runner_addr", cfg.RunnerAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"browser_rpc_timeout", cfg.BrowserRPCTimeout.String(),
		"local_rpc_timeout", cfg.LocalRPCTimeout.String(),
		"keepalive_interval", cfg.KeepaliveInterval.String(),
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
