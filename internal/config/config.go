package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	minHistoryLimit = 1
	maxHistoryLimit = 100
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Messaging backend. The live channel URL is derived from APIURL.
	APIURL   string `env:"CHAT_API_URL" envDefault:"http://localhost:8000"`
	APIToken string `env:"CHAT_API_TOKEN"`

	// Local user identity (required).
	UserID string `env:"CHAT_USER_ID"`

	// Conversation to open at startup. When empty the last conversation
	// recorded in the state file is reopened.
	RecipientID string `env:"CHAT_RECIPIENT_ID"`

	HistoryLimit   int           `env:"CHAT_HISTORY_LIMIT" envDefault:"50"`
	ReconnectDelay time.Duration `env:"CHAT_RECONNECT_DELAY" envDefault:"3s"`

	// Attach a client-generated ID to each send for exact echo matching.
	CorrelationIDs bool `env:"CHAT_CORRELATION_IDS" envDefault:"false"`

	// Path to the bbolt state file. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8091"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`

	// Per-client request budget on the MCP endpoint. Zero disables it.
	MCPRateLimit float64 `env:"MCP_RATE_LIMIT" envDefault:"10"`
	MCPRateBurst int     `env:"MCP_RATE_BURST" envDefault:"20"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	} else {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("CHAT_API_URL must be an absolute URL, got %q", c.APIURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CHAT_API_URL scheme must be http or https, got %q", u.Scheme)
	}

	if c.HistoryLimit < minHistoryLimit || c.HistoryLimit > maxHistoryLimit {
		return fmt.Errorf("CHAT_HISTORY_LIMIT must be between %d and %d, got %d", minHistoryLimit, maxHistoryLimit, c.HistoryLimit)
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be positive, got %s", c.ReconnectDelay)
	}

	if c.MCPRateLimit < 0 || c.MCPRateBurst < 0 {
		return fmt.Errorf("MCP_RATE_LIMIT and MCP_RATE_BURST must not be negative")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultStatePath returns ~/.chat-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:cs_key1,user2:cs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
