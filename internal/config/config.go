// Package config resolves environment-driven configuration for both the dop
// client and the dop-registryd server: directory layout, cache tuning, and
// the registry server's listener/database/OAuth settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvDopHome overrides the default client state directory.
	EnvDopHome = "DOP_HOME"

	// EnvAPITimeout configures the registry HTTP client's request timeout.
	EnvAPITimeout = "DOP_API_TIMEOUT"

	// EnvRecipeCacheTTL configures how long a cached recipe archive is
	// trusted before the registry is re-queried for its latest revision.
	EnvRecipeCacheTTL = "DOP_RECIPE_CACHE_TTL"

	// EnvRecipeCacheSizeLimit configures the cache directory's soft size cap.
	EnvRecipeCacheSizeLimit = "DOP_RECIPE_CACHE_SIZE_LIMIT"

	// EnvRecipeCacheMaxStale configures how long a cached recipe may be
	// reused after a network failure, via --no-network or an outage.
	EnvRecipeCacheMaxStale = "DOP_RECIPE_CACHE_MAX_STALE"

	// EnvRecipeCacheStaleFallback enables/disables stale-cache fallback.
	EnvRecipeCacheStaleFallback = "DOP_RECIPE_CACHE_STALE_FALLBACK"

	// DefaultAPITimeout is the default registry request timeout.
	DefaultAPITimeout = 30 * time.Second

	// DefaultRecipeCacheTTL is the default freshness window for a cached recipe.
	DefaultRecipeCacheTTL = 24 * time.Hour

	// DefaultRecipeCacheSizeLimit is the default cache directory soft cap (50MB).
	DefaultRecipeCacheSizeLimit = 50 * 1024 * 1024

	// DefaultRecipeCacheMaxStale is the default stale-fallback window.
	DefaultRecipeCacheMaxStale = 7 * 24 * time.Hour
)

// GetAPITimeout returns the configured registry request timeout from
// DOP_API_TIMEOUT. If unset or invalid, returns DefaultAPITimeout.
func GetAPITimeout() time.Duration {
	envValue := os.Getenv(EnvAPITimeout)
	if envValue == "" {
		return DefaultAPITimeout
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvAPITimeout, envValue, DefaultAPITimeout)
		return DefaultAPITimeout
	}

	if duration < 1*time.Second {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 1s\n", EnvAPITimeout, duration)
		return 1 * time.Second
	}
	if duration > 10*time.Minute {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 10m\n", EnvAPITimeout, duration)
		return 10 * time.Minute
	}

	return duration
}

// GetRecipeCacheTTL returns the configured recipe cache TTL from
// DOP_RECIPE_CACHE_TTL. If unset or invalid, returns DefaultRecipeCacheTTL.
func GetRecipeCacheTTL() time.Duration {
	envValue := os.Getenv(EnvRecipeCacheTTL)
	if envValue == "" {
		return DefaultRecipeCacheTTL
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvRecipeCacheTTL, envValue, DefaultRecipeCacheTTL)
		return DefaultRecipeCacheTTL
	}

	if duration < 5*time.Minute {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 5m\n", EnvRecipeCacheTTL, duration)
		return 5 * time.Minute
	}
	if duration > 7*24*time.Hour {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 7d\n", EnvRecipeCacheTTL, duration)
		return 7 * 24 * time.Hour
	}

	return duration
}

// ParseByteSize parses a human-readable byte size string into bytes.
// Accepts plain numbers (52428800), KB/K, MB/M, GB/G suffixes, case-insensitive.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(s)

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	var numStr string
	var suffix string
	for i, c := range s {
		if c >= '0' && c <= '9' || c == '.' {
			numStr += string(c)
		} else {
			suffix = s[i:]
			break
		}
	}

	if numStr == "" {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number: %q", numStr)
	}

	var multiplier float64
	switch suffix {
	case "", "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size suffix: %q", suffix)
	}

	return int64(num * multiplier), nil
}

// GetRecipeCacheSizeLimit returns the configured cache size cap from
// DOP_RECIPE_CACHE_SIZE_LIMIT. If unset or invalid, returns DefaultRecipeCacheSizeLimit.
func GetRecipeCacheSizeLimit() int64 {
	envValue := os.Getenv(EnvRecipeCacheSizeLimit)
	if envValue == "" {
		return DefaultRecipeCacheSizeLimit
	}

	size, err := ParseByteSize(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %dMB\n",
			EnvRecipeCacheSizeLimit, envValue, DefaultRecipeCacheSizeLimit/(1024*1024))
		return DefaultRecipeCacheSizeLimit
	}

	minSize := int64(1 * 1024 * 1024)
	maxSize := int64(10 * 1024 * 1024 * 1024)

	if size < minSize {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%d bytes), using minimum 1MB\n", EnvRecipeCacheSizeLimit, size)
		return minSize
	}
	if size > maxSize {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%d bytes), using maximum 10GB\n", EnvRecipeCacheSizeLimit, size)
		return maxSize
	}

	return size
}

// GetRecipeCacheMaxStale returns the configured stale-fallback window from
// DOP_RECIPE_CACHE_MAX_STALE. A value of 0 disables stale fallback entirely.
func GetRecipeCacheMaxStale() time.Duration {
	envValue := os.Getenv(EnvRecipeCacheMaxStale)
	if envValue == "" {
		return DefaultRecipeCacheMaxStale
	}

	if len(envValue) > 1 && (envValue[len(envValue)-1] == 'd' || envValue[len(envValue)-1] == 'D') {
		daysStr := envValue[:len(envValue)-1]
		days, err := strconv.ParseFloat(daysStr, 64)
		if err == nil {
			duration := time.Duration(days * 24 * float64(time.Hour))
			if duration == 0 {
				return 0
			}
			if duration > 30*24*time.Hour {
				fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 30d\n", EnvRecipeCacheMaxStale, duration)
				return 30 * 24 * time.Hour
			}
			return duration
		}
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvRecipeCacheMaxStale, envValue, DefaultRecipeCacheMaxStale)
		return DefaultRecipeCacheMaxStale
	}

	if duration == 0 {
		return 0
	}
	if duration < 1*time.Hour {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 1h\n", EnvRecipeCacheMaxStale, duration)
		return 1 * time.Hour
	}
	if duration > 30*24*time.Hour {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 30d\n", EnvRecipeCacheMaxStale, duration)
		return 30 * 24 * time.Hour
	}

	return duration
}

// GetRecipeCacheStaleFallback reports whether stale-if-error cache fallback
// is enabled, from DOP_RECIPE_CACHE_STALE_FALLBACK. Default true.
func GetRecipeCacheStaleFallback() bool {
	envValue := os.Getenv(EnvRecipeCacheStaleFallback)
	if envValue == "" {
		return true
	}

	switch strings.ToLower(envValue) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default true\n", EnvRecipeCacheStaleFallback, envValue)
		return true
	}
}

// DefaultHomeOverride can be set by the binary's main package (via ldflags)
// to change the default home directory, e.g. to .dop-dev for dev builds.
// DOP_HOME still takes precedence.
var DefaultHomeOverride string

// Config holds client-side configuration: where persistent state lives.
type Config struct {
	HomeDir         string // $DOP_HOME, default ~/.dop
	CacheDir        string // $DOP_HOME/cache (mirrors ~/.dopcache/<name>/<version>/<revision>)
	CredentialsFile string // $DOP_HOME/credentials.json
	KeyCacheDir     string // $DOP_HOME/cache/keys (PGP public keys for signed uploads)
	ConfigFile      string // $DOP_HOME/config.toml
}

// DefaultConfig returns the default client configuration, honoring DOP_HOME.
func DefaultConfig() (*Config, error) {
	dopHome := os.Getenv(EnvDopHome)
	if dopHome == "" {
		if DefaultHomeOverride != "" {
			dopHome = DefaultHomeOverride
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get user home directory: %w", err)
			}
			dopHome = filepath.Join(home, ".dop")
		}
	}

	return &Config{
		HomeDir:         dopHome,
		CacheDir:        filepath.Join(dopHome, "cache"),
		CredentialsFile: filepath.Join(dopHome, "credentials.json"),
		KeyCacheDir:     filepath.Join(dopHome, "cache", "keys"),
		ConfigFile:      filepath.Join(dopHome, "config.toml"),
	}, nil
}

// EnsureDirectories creates every directory the client config references.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.HomeDir, c.CacheDir, c.KeyCacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// PackageCacheDir returns the cache location for one (name, version,
// revision) recipe archive, matching the registry client's cache key.
func (c *Config) PackageCacheDir(name, version, revision string) string {
	return filepath.Join(c.CacheDir, name, version, revision)
}

// ServerConfig holds dop-registryd's environment-driven settings.
type ServerConfig struct {
	Hostname          string
	Port              string
	JWTSecret         string
	HTTPSCert         string
	HTTPSKey          string
	FrontendOrigin    string
	DBConnString      string
	DBPoolMaxSize     int
	GitHubClientID    string
	GitHubSecret      string
	GoogleClientID    string
	GoogleSecret      string
	StorageDir        string
}

// ServerConfigFromEnv reads dop-registryd's configuration from its
// DOP_REGISTRY_*/DOP_DB_*/DOP_*_CLIENTID style environment variables.
func ServerConfigFromEnv() (*ServerConfig, error) {
	port := os.Getenv("DOP_REGISTRY_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = "8080"
	}

	poolSize := 10
	if raw := os.Getenv("DOP_DB_POOLMAXSIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid DOP_DB_POOLMAXSIZE %q: %w", raw, err)
		}
		poolSize = n
	}

	cfg := &ServerConfig{
		Hostname:       os.Getenv("DOP_REGISTRY_HOSTNAME"),
		Port:           port,
		JWTSecret:      os.Getenv("DOP_REGISTRY_JWTSECRET"),
		HTTPSCert:      os.Getenv("DOP_HTTPS_CERT"),
		HTTPSKey:       os.Getenv("DOP_HTTPS_KEY"),
		FrontendOrigin: os.Getenv("DOP_FRONTEND_ORIGIN"),
		DBConnString:   os.Getenv("DOP_DB_CONNSTRING"),
		DBPoolMaxSize:  poolSize,
		GitHubClientID: os.Getenv("DOP_GITHUB_CLIENTID"),
		GitHubSecret:   os.Getenv("DOP_GITHUB_SECRET"),
		GoogleClientID: os.Getenv("DOP_GOOGLE_CLIENTID"),
		GoogleSecret:   os.Getenv("DOP_GOOGLE_SECRET"),
		StorageDir:     os.Getenv("DOP_REGISTRY_STORAGEDIR"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: DOP_REGISTRY_JWTSECRET is required")
	}
	if cfg.DBConnString == "" {
		return nil, fmt.Errorf("config: DOP_DB_CONNSTRING is required")
	}

	return cfg, nil
}
