package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig() failed: %v", err)
	}

	home, _ := os.UserHomeDir()
	expectedHome := filepath.Join(home, ".dop")

	if cfg.HomeDir != expectedHome {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, expectedHome)
	}
	if cfg.CacheDir != filepath.Join(expectedHome, "cache") {
		t.Errorf("CacheDir = %q, want %q", cfg.CacheDir, filepath.Join(expectedHome, "cache"))
	}
	if cfg.CredentialsFile != filepath.Join(expectedHome, "credentials.json") {
		t.Errorf("CredentialsFile = %q, want %q", cfg.CredentialsFile, filepath.Join(expectedHome, "credentials.json"))
	}
	if cfg.ConfigFile != filepath.Join(expectedHome, "config.toml") {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, filepath.Join(expectedHome, "config.toml"))
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &Config{
		HomeDir:     filepath.Join(tmpDir, "dop"),
		CacheDir:    filepath.Join(tmpDir, "dop", "cache"),
		KeyCacheDir: filepath.Join(tmpDir, "dop", "cache", "keys"),
	}

	err := cfg.EnsureDirectories()
	if err != nil {
		t.Fatalf("EnsureDirectories() failed: %v", err)
	}

	dirs := []string{cfg.HomeDir, cfg.CacheDir, cfg.KeyCacheDir}
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("Directory %q does not exist: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%q is not a directory", dir)
		}
	}
}

func TestPackageCacheDir(t *testing.T) {
	cfg := &Config{CacheDir: "/home/user/.dop/cache"}

	got := cfg.PackageCacheDir("zlib", "1.3.1", "aabbccdd")
	want := "/home/user/.dop/cache/zlib/1.3.1/aabbccdd"
	if got != want {
		t.Errorf("PackageCacheDir() = %q, want %q", got, want)
	}
}

func TestDefaultConfig_WithDopHome(t *testing.T) {
	original := os.Getenv(EnvDopHome)
	defer os.Setenv(EnvDopHome, original)

	customHome := "/custom/dop/path"
	os.Setenv(EnvDopHome, customHome)

	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig() failed: %v", err)
	}

	if cfg.HomeDir != customHome {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, customHome)
	}
	if cfg.CacheDir != filepath.Join(customHome, "cache") {
		t.Errorf("CacheDir = %q, want %q", cfg.CacheDir, filepath.Join(customHome, "cache"))
	}
	if cfg.ConfigFile != filepath.Join(customHome, "config.toml") {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, filepath.Join(customHome, "config.toml"))
	}
}

func TestDefaultConfig_EmptyDopHome(t *testing.T) {
	original := os.Getenv(EnvDopHome)
	defer os.Setenv(EnvDopHome, original)

	_ = os.Unsetenv(EnvDopHome)

	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig() failed: %v", err)
	}

	home, _ := os.UserHomeDir()
	expectedHome := filepath.Join(home, ".dop")

	if cfg.HomeDir != expectedHome {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, expectedHome)
	}
}

func TestGetAPITimeout_Default(t *testing.T) {
	original := os.Getenv(EnvAPITimeout)
	defer os.Setenv(EnvAPITimeout, original)

	_ = os.Unsetenv(EnvAPITimeout)

	timeout := GetAPITimeout()
	if timeout != DefaultAPITimeout {
		t.Errorf("GetAPITimeout() = %v, want %v", timeout, DefaultAPITimeout)
	}
}

func TestGetAPITimeout_CustomValue(t *testing.T) {
	original := os.Getenv(EnvAPITimeout)
	defer os.Setenv(EnvAPITimeout, original)

	os.Setenv(EnvAPITimeout, "45s")

	timeout := GetAPITimeout()
	expected := 45 * time.Second
	if timeout != expected {
		t.Errorf("GetAPITimeout() = %v, want %v", timeout, expected)
	}
}

func TestGetAPITimeout_InvalidValue(t *testing.T) {
	original := os.Getenv(EnvAPITimeout)
	defer os.Setenv(EnvAPITimeout, original)

	os.Setenv(EnvAPITimeout, "invalid")

	timeout := GetAPITimeout()
	if timeout != DefaultAPITimeout {
		t.Errorf("GetAPITimeout() = %v, want %v (default)", timeout, DefaultAPITimeout)
	}
}

func TestGetAPITimeout_TooLow(t *testing.T) {
	original := os.Getenv(EnvAPITimeout)
	defer os.Setenv(EnvAPITimeout, original)

	os.Setenv(EnvAPITimeout, "100ms")

	timeout := GetAPITimeout()
	if timeout != 1*time.Second {
		t.Errorf("GetAPITimeout() = %v, want 1s (minimum)", timeout)
	}
}

func TestGetAPITimeout_TooHigh(t *testing.T) {
	original := os.Getenv(EnvAPITimeout)
	defer os.Setenv(EnvAPITimeout, original)

	os.Setenv(EnvAPITimeout, "1h")

	timeout := GetAPITimeout()
	if timeout != 10*time.Minute {
		t.Errorf("GetAPITimeout() = %v, want 10m (maximum)", timeout)
	}
}

func TestGetRecipeCacheTTL_Default(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheTTL)
	defer os.Setenv(EnvRecipeCacheTTL, original)

	_ = os.Unsetenv(EnvRecipeCacheTTL)

	ttl := GetRecipeCacheTTL()
	if ttl != DefaultRecipeCacheTTL {
		t.Errorf("GetRecipeCacheTTL() = %v, want %v", ttl, DefaultRecipeCacheTTL)
	}
}

func TestGetRecipeCacheTTL_CustomValue(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheTTL)
	defer os.Setenv(EnvRecipeCacheTTL, original)

	os.Setenv(EnvRecipeCacheTTL, "12h")

	ttl := GetRecipeCacheTTL()
	expected := 12 * time.Hour
	if ttl != expected {
		t.Errorf("GetRecipeCacheTTL() = %v, want %v", ttl, expected)
	}
}

func TestGetRecipeCacheTTL_InvalidValue(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheTTL)
	defer os.Setenv(EnvRecipeCacheTTL, original)

	os.Setenv(EnvRecipeCacheTTL, "invalid")

	ttl := GetRecipeCacheTTL()
	if ttl != DefaultRecipeCacheTTL {
		t.Errorf("GetRecipeCacheTTL() = %v, want %v (default)", ttl, DefaultRecipeCacheTTL)
	}
}

func TestGetRecipeCacheTTL_TooLow(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheTTL)
	defer os.Setenv(EnvRecipeCacheTTL, original)

	os.Setenv(EnvRecipeCacheTTL, "1m")

	ttl := GetRecipeCacheTTL()
	if ttl != 5*time.Minute {
		t.Errorf("GetRecipeCacheTTL() = %v, want 5m (minimum)", ttl)
	}
}

func TestGetRecipeCacheTTL_TooHigh(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheTTL)
	defer os.Setenv(EnvRecipeCacheTTL, original)

	os.Setenv(EnvRecipeCacheTTL, "200h")

	ttl := GetRecipeCacheTTL()
	if ttl != 7*24*time.Hour {
		t.Errorf("GetRecipeCacheTTL() = %v, want 168h (maximum)", ttl)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"1024", 1024, false},
		{"52428800", 52428800, false},
		{"100B", 100, false},
		{"100b", 100, false},
		{"1K", 1024, false},
		{"1KB", 1024, false},
		{"1k", 1024, false},
		{"1kb", 1024, false},
		{"50K", 51200, false},
		{"1M", 1024 * 1024, false},
		{"1MB", 1024 * 1024, false},
		{"1m", 1024 * 1024, false},
		{"1mb", 1024 * 1024, false},
		{"50M", 50 * 1024 * 1024, false},
		{"50MB", 50 * 1024 * 1024, false},
		{"1G", 1024 * 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"1g", 1024 * 1024 * 1024, false},
		{"2GB", 2 * 1024 * 1024 * 1024, false},
		{"1.5M", int64(1.5 * 1024 * 1024), false},
		{"0.5G", int64(0.5 * 1024 * 1024 * 1024), false},
		{"", 0, true},
		{"abc", 0, true},
		{"50TB", 0, true},
		{"MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseByteSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestGetRecipeCacheSizeLimit_Default(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheSizeLimit)
	defer os.Setenv(EnvRecipeCacheSizeLimit, original)

	_ = os.Unsetenv(EnvRecipeCacheSizeLimit)

	limit := GetRecipeCacheSizeLimit()
	if limit != DefaultRecipeCacheSizeLimit {
		t.Errorf("GetRecipeCacheSizeLimit() = %d, want %d", limit, DefaultRecipeCacheSizeLimit)
	}
}

func TestGetRecipeCacheSizeLimit_CustomValue(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheSizeLimit)
	defer os.Setenv(EnvRecipeCacheSizeLimit, original)

	os.Setenv(EnvRecipeCacheSizeLimit, "104857600")

	limit := GetRecipeCacheSizeLimit()
	expected := int64(100 * 1024 * 1024)
	if limit != expected {
		t.Errorf("GetRecipeCacheSizeLimit() = %d, want %d", limit, expected)
	}
}

func TestGetRecipeCacheSizeLimit_HumanReadable(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheSizeLimit)
	defer os.Setenv(EnvRecipeCacheSizeLimit, original)

	tests := []struct {
		envValue string
		expected int64
	}{
		{"100MB", 100 * 1024 * 1024},
		{"100M", 100 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"1G", 1024 * 1024 * 1024},
		{"5M", 5 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			os.Setenv(EnvRecipeCacheSizeLimit, tt.envValue)
			limit := GetRecipeCacheSizeLimit()
			if limit != tt.expected {
				t.Errorf("GetRecipeCacheSizeLimit() with %q = %d, want %d", tt.envValue, limit, tt.expected)
			}
		})
	}
}

func TestGetRecipeCacheSizeLimit_InvalidValue(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheSizeLimit)
	defer os.Setenv(EnvRecipeCacheSizeLimit, original)

	os.Setenv(EnvRecipeCacheSizeLimit, "invalid")

	limit := GetRecipeCacheSizeLimit()
	if limit != DefaultRecipeCacheSizeLimit {
		t.Errorf("GetRecipeCacheSizeLimit() = %d, want %d (default)", limit, DefaultRecipeCacheSizeLimit)
	}
}

func TestGetRecipeCacheSizeLimit_TooLow(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheSizeLimit)
	defer os.Setenv(EnvRecipeCacheSizeLimit, original)

	os.Setenv(EnvRecipeCacheSizeLimit, "100K")

	limit := GetRecipeCacheSizeLimit()
	expected := int64(1 * 1024 * 1024)
	if limit != expected {
		t.Errorf("GetRecipeCacheSizeLimit() = %d, want %d (minimum)", limit, expected)
	}
}

func TestGetRecipeCacheSizeLimit_TooHigh(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheSizeLimit)
	defer os.Setenv(EnvRecipeCacheSizeLimit, original)

	os.Setenv(EnvRecipeCacheSizeLimit, "20GB")

	limit := GetRecipeCacheSizeLimit()
	expected := int64(10 * 1024 * 1024 * 1024)
	if limit != expected {
		t.Errorf("GetRecipeCacheSizeLimit() = %d, want %d (maximum)", limit, expected)
	}
}

func TestGetRecipeCacheMaxStale_Default(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheMaxStale)
	defer os.Setenv(EnvRecipeCacheMaxStale, original)

	_ = os.Unsetenv(EnvRecipeCacheMaxStale)

	maxStale := GetRecipeCacheMaxStale()
	if maxStale != DefaultRecipeCacheMaxStale {
		t.Errorf("GetRecipeCacheMaxStale() = %v, want %v", maxStale, DefaultRecipeCacheMaxStale)
	}
}

func TestGetRecipeCacheMaxStale_CustomValue(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheMaxStale)
	defer os.Setenv(EnvRecipeCacheMaxStale, original)

	tests := []struct {
		envValue string
		expected time.Duration
	}{
		{"24h", 24 * time.Hour},
		{"48h", 48 * time.Hour},
		{"168h", 168 * time.Hour},
		{"3d", 3 * 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"14D", 14 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			os.Setenv(EnvRecipeCacheMaxStale, tt.envValue)
			maxStale := GetRecipeCacheMaxStale()
			if maxStale != tt.expected {
				t.Errorf("GetRecipeCacheMaxStale() with %q = %v, want %v", tt.envValue, maxStale, tt.expected)
			}
		})
	}
}

func TestGetRecipeCacheMaxStale_Zero(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheMaxStale)
	defer os.Setenv(EnvRecipeCacheMaxStale, original)

	os.Setenv(EnvRecipeCacheMaxStale, "0")

	maxStale := GetRecipeCacheMaxStale()
	if maxStale != 0 {
		t.Errorf("GetRecipeCacheMaxStale() = %v, want 0", maxStale)
	}
}

func TestGetRecipeCacheMaxStale_InvalidValue(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheMaxStale)
	defer os.Setenv(EnvRecipeCacheMaxStale, original)

	os.Setenv(EnvRecipeCacheMaxStale, "invalid")

	maxStale := GetRecipeCacheMaxStale()
	if maxStale != DefaultRecipeCacheMaxStale {
		t.Errorf("GetRecipeCacheMaxStale() = %v, want %v (default)", maxStale, DefaultRecipeCacheMaxStale)
	}
}

func TestGetRecipeCacheMaxStale_TooLow(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheMaxStale)
	defer os.Setenv(EnvRecipeCacheMaxStale, original)

	os.Setenv(EnvRecipeCacheMaxStale, "5m")

	maxStale := GetRecipeCacheMaxStale()
	if maxStale != 1*time.Hour {
		t.Errorf("GetRecipeCacheMaxStale() = %v, want 1h (minimum)", maxStale)
	}
}

func TestGetRecipeCacheMaxStale_TooHigh(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheMaxStale)
	defer os.Setenv(EnvRecipeCacheMaxStale, original)

	os.Setenv(EnvRecipeCacheMaxStale, "60d")

	maxStale := GetRecipeCacheMaxStale()
	expected := 30 * 24 * time.Hour
	if maxStale != expected {
		t.Errorf("GetRecipeCacheMaxStale() = %v, want %v (maximum)", maxStale, expected)
	}
}

func TestGetRecipeCacheStaleFallback_Default(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheStaleFallback)
	defer os.Setenv(EnvRecipeCacheStaleFallback, original)

	_ = os.Unsetenv(EnvRecipeCacheStaleFallback)

	fallback := GetRecipeCacheStaleFallback()
	if !fallback {
		t.Errorf("GetRecipeCacheStaleFallback() = false, want true (default)")
	}
}

func TestGetRecipeCacheStaleFallback_Enabled(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheStaleFallback)
	defer os.Setenv(EnvRecipeCacheStaleFallback, original)

	for _, value := range []string{"true", "TRUE", "True", "1", "yes", "YES", "on", "ON"} {
		t.Run(value, func(t *testing.T) {
			os.Setenv(EnvRecipeCacheStaleFallback, value)
			fallback := GetRecipeCacheStaleFallback()
			if !fallback {
				t.Errorf("GetRecipeCacheStaleFallback() with %q = false, want true", value)
			}
		})
	}
}

func TestGetRecipeCacheStaleFallback_Disabled(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheStaleFallback)
	defer os.Setenv(EnvRecipeCacheStaleFallback, original)

	for _, value := range []string{"false", "FALSE", "False", "0", "no", "NO", "off", "OFF"} {
		t.Run(value, func(t *testing.T) {
			os.Setenv(EnvRecipeCacheStaleFallback, value)
			fallback := GetRecipeCacheStaleFallback()
			if fallback {
				t.Errorf("GetRecipeCacheStaleFallback() with %q = true, want false", value)
			}
		})
	}
}

func TestGetRecipeCacheStaleFallback_InvalidValue(t *testing.T) {
	original := os.Getenv(EnvRecipeCacheStaleFallback)
	defer os.Setenv(EnvRecipeCacheStaleFallback, original)

	os.Setenv(EnvRecipeCacheStaleFallback, "invalid")

	fallback := GetRecipeCacheStaleFallback()
	if !fallback {
		t.Errorf("GetRecipeCacheStaleFallback() with invalid value = false, want true (default)")
	}
}

func TestServerConfigFromEnv_RequiresJWTSecret(t *testing.T) {
	for _, key := range []string{"DOP_REGISTRY_JWTSECRET", "DOP_DB_CONNSTRING"} {
		os.Unsetenv(key)
	}

	if _, err := ServerConfigFromEnv(); err == nil {
		t.Fatal("expected error when DOP_REGISTRY_JWTSECRET and DOP_DB_CONNSTRING are unset")
	}
}

func TestServerConfigFromEnv_Defaults(t *testing.T) {
	os.Setenv("DOP_REGISTRY_JWTSECRET", "secret")
	os.Setenv("DOP_DB_CONNSTRING", "file:test.db")
	defer os.Unsetenv("DOP_REGISTRY_JWTSECRET")
	defer os.Unsetenv("DOP_DB_CONNSTRING")
	os.Unsetenv("DOP_REGISTRY_PORT")
	os.Unsetenv("PORT")

	cfg, err := ServerConfigFromEnv()
	if err != nil {
		t.Fatalf("ServerConfigFromEnv() failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DBPoolMaxSize != 10 {
		t.Errorf("DBPoolMaxSize = %d, want 10", cfg.DBPoolMaxSize)
	}
}
