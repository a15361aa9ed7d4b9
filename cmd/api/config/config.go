package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	DataDir      string
	DockerHost   string
	JwtSecret    string
	File         string
	DNSListen    string
	OtelEndpoint string
	OtelInsecure bool

	StartTimeout        time.Duration
	StopTimeout         time.Duration
	GracePeriod         time.Duration
	BuildTimeout        time.Duration
	MaxConcurrentBuilds int
	MaxContextSize      datasize.ByteSize
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() (*Config, error) {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		DataDir:      getEnv("HYPESTACK_DATA_DIR", defaultDataDir()),
		DockerHost:   getEnv("DOCKER_HOST", ""),
		JwtSecret:    getEnv("JWT_SECRET", ""),
		File:         getEnv("HYPESTACK_FILE", ""),
		DNSListen:    getEnv("HYPESTACK_DNS_LISTEN", ""),
		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var err error
	if cfg.OtelInsecure, err = getBool("OTEL_EXPORTER_OTLP_INSECURE", true); err != nil {
		return nil, err
	}
	if cfg.StartTimeout, err = getDuration("HYPESTACK_START_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.StopTimeout, err = getDuration("HYPESTACK_STOP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = getDuration("HYPESTACK_GRACE_PERIOD", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.BuildTimeout, err = getDuration("HYPESTACK_BUILD_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentBuilds, err = getInt("HYPESTACK_MAX_CONCURRENT_BUILDS", 2); err != nil {
		return nil, err
	}
	if err := cfg.MaxContextSize.UnmarshalText([]byte(getEnv("HYPESTACK_MAX_CONTEXT_SIZE", "2GB"))); err != nil {
		return nil, fmt.Errorf("HYPESTACK_MAX_CONTEXT_SIZE: %w", err)
	}

	return cfg, nil
}

// defaultDataDir prefers the user's data directory and falls back to the
// system location when no home directory is known.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "hypestack")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "hypestack")
	}
	return "/var/lib/hypestack"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
