package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "runrelay.db"
	defaultExecutionTTL = time.Hour

	envListenAddr     = "RUNRELAY_LISTEN_ADDR"
	envDBPath         = "RUNRELAY_DB_PATH"
	envLogLevel       = "RUNRELAY_LOG_LEVEL"
	envProviderURL    = "RUNRELAY_PROVIDER_URL"
	envProviderAPIKey = "RUNRELAY_PROVIDER_API_KEY"
	envExecutionTTLS  = "RUNRELAY_EXECUTION_TTL_S"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	LogLevel       slog.Level
	ProviderURL    string
	ProviderAPIKey string
	ExecutionTTL   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// The provider URL and API key have no defaults; the dispatcher fails each
// submission at the provider call if they are unset.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		ExecutionTTL: defaultExecutionTTL,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.ProviderURL = os.Getenv(envProviderURL)
	cfg.ProviderAPIKey = os.Getenv(envProviderAPIKey)
	if v := os.Getenv(envExecutionTTLS); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ExecutionTTL = time.Duration(secs) * time.Second
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
