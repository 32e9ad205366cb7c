package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains runtime settings for the relay/backend service and the handoff clients.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// PublicBaseURL prefixes file_url values returned by uploads.
	PublicBaseURL string
	// CompanionURL is the page a scanned pairing code opens; the session id is added as ?sessionId=.
	CompanionURL string

	UploadDir      string
	UploadMaxBytes int64
	DatabaseURL    string

	// ExtractMode selects the invoice extractor: mock, http or auto.
	ExtractMode string
	ExtractURL  string

	LogLevel  string
	LogFormat string

	// Client side.
	BackendURL string
	RelayURL   string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "billrelay"),
		AllowAnyOrigin:           false,
		PublicBaseURL:            stringsTrimSpace("APP_PUBLIC_BASE_URL"),
		CompanionURL:             stringsTrimSpace("APP_COMPANION_URL"),
		UploadDir:                envOrDefault("UPLOAD_DIR", ".data/uploads"),
		UploadMaxBytes:           20 << 20,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ExtractMode:              strings.ToLower(envOrDefault("EXTRACT_MODE", "auto")),
		ExtractURL:               stringsTrimSpace("EXTRACT_URL"),
		LogLevel:                 envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("APP_LOG_FORMAT", "console"),
		BackendURL:               envOrDefault("BILL_BACKEND_URL", "http://127.0.0.1:8080"),
		RelayURL:                 stringsTrimSpace("BILL_RELAY_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	maxBytes, err := intFromEnv("UPLOAD_MAX_BYTES", int(cfg.UploadMaxBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.UploadMaxBytes = int64(maxBytes)

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://" + hostForBind(cfg.BindAddr)
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if cfg.CompanionURL == "" {
		cfg.CompanionURL = cfg.PublicBaseURL + "/bill/capture"
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL, err = RelayURLFor(cfg.BackendURL)
		if err != nil {
			return Config{}, err
		}
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.UploadMaxBytes <= 0 {
		return Config{}, fmt.Errorf("UPLOAD_MAX_BYTES must be positive")
	}
	switch cfg.ExtractMode {
	case "auto", "mock":
	case "http":
		if cfg.ExtractURL == "" {
			return Config{}, fmt.Errorf("EXTRACT_URL is required when EXTRACT_MODE=http")
		}
	default:
		return Config{}, fmt.Errorf("unsupported EXTRACT_MODE %q", cfg.ExtractMode)
	}
	if strings.TrimSpace(cfg.UploadDir) == "" {
		return Config{}, fmt.Errorf("UPLOAD_DIR must not be empty")
	}

	return cfg, nil
}

// RelayURLFor derives the relay websocket endpoint served next to the REST API.
func RelayURLFor(backendURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(backendURL))
	if err != nil {
		return "", fmt.Errorf("parse BILL_BACKEND_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/bill/ws"
	return u.String(), nil
}

func hostForBind(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
