// Package config provides configuration management for matchbot.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all configuration for the matchbot server.
type Config struct {
	// ServerAddr is the address the internal HTTP server listens on.
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// TelegramBotToken is the token from @BotFather.
	TelegramBotToken string

	// BackendURL is the base URL of the matching-service REST API.
	BackendURL string

	// HubURL is the SSE stream endpoint of the event hub.
	HubURL string

	// HubToken is the bearer credential for the hub subscriber.
	HubToken string

	// HubBackoffFloor is the initial reconnect delay. Default: 2s.
	HubBackoffFloor time.Duration

	// HubBackoffMax caps the reconnect delay. Default: 20s.
	HubBackoffMax time.Duration

	// HubRestartDelay is the coalescing window for topic-set changes.
	// Default: 200ms.
	HubRestartDelay time.Duration

	// DefaultTopics are general-purpose topics subscribed at startup
	// (comma-separated in the environment).
	DefaultTopics []string
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.matchbot/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("MATCHBOT_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:       envOr("MATCHBOT_ADDR", ":7090"),
		DataDir:          dataDir,
		DatabasePath:     filepath.Join(dataDir, "matchbot.db"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		BackendURL:       envOr("MATCHBOT_BACKEND_URL", "http://localhost:8080"),
		HubURL:           os.Getenv("MATCHBOT_HUB_URL"),
		HubToken:         os.Getenv("MATCHBOT_HUB_TOKEN"),
		HubBackoffFloor:  envOrDuration("MATCHBOT_HUB_BACKOFF_FLOOR", 2*time.Second),
		HubBackoffMax:    envOrDuration("MATCHBOT_HUB_BACKOFF_MAX", 20*time.Second),
		HubRestartDelay:  envOrDuration("MATCHBOT_HUB_RESTART_DELAY", 200*time.Millisecond),
		DefaultTopics:    splitTopics(os.Getenv("MATCHBOT_DEFAULT_TOPICS")),
	}

	return cfg, nil
}

// loadConfigFile reads ~/.matchbot/config.env and sets any values that are
// not already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	path := filepath.Join(defaultDataDir(), "config.env")
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist or can't be read — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.HubURL == "" {
		return fmt.Errorf("MATCHBOT_HUB_URL is required")
	}
	return nil
}

// HubEnabled returns true if the hub subscriber has a credential. Without
// one the client records topics but never connects.
func (c *Config) HubEnabled() bool {
	return c.HubURL != "" && c.HubToken != ""
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".matchbot"
	}
	return filepath.Join(home, ".matchbot")
}
