package config

import "testing"

func TestLoadDefaultsDeriveURLs(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PublicBaseURL != "http://127.0.0.1:9090" {
		t.Fatalf("PublicBaseURL = %q, want %q", cfg.PublicBaseURL, "http://127.0.0.1:9090")
	}
	if cfg.CompanionURL != "http://127.0.0.1:9090/bill/capture" {
		t.Fatalf("CompanionURL = %q, want derived default", cfg.CompanionURL)
	}
	if cfg.RelayURL != "ws://127.0.0.1:8080/api/bill/ws" {
		t.Fatalf("RelayURL = %q, want derived from backend url", cfg.RelayURL)
	}
}

func TestLoadUsesExplicitRelayURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BILL_RELAY_URL", "wss://relay.example/ws")
	t.Setenv("APP_PUBLIC_BASE_URL", "https://bills.example/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RelayURL != "wss://relay.example/ws" {
		t.Fatalf("RelayURL = %q, want explicit value", cfg.RelayURL)
	}
	if cfg.PublicBaseURL != "https://bills.example" {
		t.Fatalf("PublicBaseURL = %q, want trailing slash trimmed", cfg.PublicBaseURL)
	}
}

func TestLoadRejectsShortInactivityTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "1s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for short inactivity timeout")
	}
}

func TestLoadRejectsBadBool(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for invalid bool")
	}
}

func TestLoadExtractMode(t *testing.T) {
	setCoreEnvEmpty(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ExtractMode != "auto" {
		t.Fatalf("ExtractMode = %q, want auto", cfg.ExtractMode)
	}

	t.Setenv("EXTRACT_MODE", "HTTP")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for http mode without EXTRACT_URL")
	}
	t.Setenv("EXTRACT_URL", "http://ocr.internal/extract")
	if cfg, err = Load(); err != nil || cfg.ExtractMode != "http" {
		t.Fatalf("Load() = %q, %v; want http, nil", cfg.ExtractMode, err)
	}

	t.Setenv("EXTRACT_MODE", "magic")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for unknown extract mode")
	}
}

func TestRelayURLFor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/api/bill/ws"},
		{in: "https://bills.example/base/", want: "wss://bills.example/base/api/bill/ws"},
	}
	for _, tt := range tests {
		got, err := RelayURLFor(tt.in)
		if err != nil {
			t.Fatalf("RelayURLFor(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("RelayURLFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := RelayURLFor("ftp://x"); err == nil {
		t.Fatalf("RelayURLFor(ftp) expected error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_PUBLIC_BASE_URL",
		"APP_COMPANION_URL",
		"UPLOAD_DIR",
		"UPLOAD_MAX_BYTES",
		"DATABASE_URL",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"BILL_BACKEND_URL",
		"BILL_RELAY_URL",
		"EXTRACT_MODE",
		"EXTRACT_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
