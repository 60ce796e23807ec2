package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for relay-chat.
type Config struct {
	// Relay endpoints. The websocket URL speaks STOMP; the API URL is the
	// REST base that history, rooms and mark-read calls are made against.
	WSURL  string `env:"RELAY_WS_URL" envDefault:"ws://localhost:8080/ws"`
	APIURL string `env:"RELAY_API_URL" envDefault:"http://localhost:8080/api"`

	// Bearer credential. RELAY_TOKEN wins over RELAY_TOKEN_FILE. When the
	// file is set it is watched: writing a new token replaces the session,
	// deleting the file logs out.
	Token     string `env:"RELAY_TOKEN"`
	TokenFile string `env:"RELAY_TOKEN_FILE"`

	// Path of the bbolt state database. Defaults to ~/.relay-chat/state.db.
	StatePath string `env:"STATE_PATH"`

	// Reconnect policy for the realtime connection.
	ReconnectBase        time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectCap         time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"15s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`

	// Typing indicator idle window before typing=false is sent.
	TypingIdle time.Duration `env:"TYPING_IDLE" envDefault:"450ms"`

	// History page size requested from the API.
	PageSize int `env:"PAGE_SIZE" envDefault:"30"`

	// STUN/TURN URLs handed to the peer connection.
	ICEServers []string `env:"ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Service flags.
	EnableConsole bool `env:"ENABLE_CONSOLE" envDefault:"true"`
	EnableMCP     bool `env:"ENABLE_MCP" envDefault:"false"`

	// MCP server settings (required when MCP is enabled)
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if cfg.TokenFile != "" {
		abs, err := filepath.Abs(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("resolving token file to absolute path: %w", err)
		}

		cfg.TokenFile = abs
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("RELAY_WS_URL must be a ws:// or wss:// URL")
	}

	u, err = url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("RELAY_API_URL must be an http:// or https:// URL")
	}

	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be at least RECONNECT_BASE_DELAY and both positive")
	}

	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be at least 1")
	}

	if c.TypingIdle <= 0 {
		return fmt.Errorf("TYPING_IDLE must be positive")
	}

	if c.PageSize < 1 || c.PageSize > 100 {
		return fmt.Errorf("PAGE_SIZE must be between 1 and 100")
	}

	if !c.EnableConsole && !c.EnableMCP {
		return fmt.Errorf("at least one of ENABLE_CONSOLE or ENABLE_MCP must be true")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultStatePath returns ~/.relay-chat/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".relay-chat", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a user name and the bcrypt hash of their MCP API key,
// parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Hash   string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:$2a$10$...,user2:$2a$10$..." where each value is the
// output of the hash-key subcommand.
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

		hash := pair[idx+1:]
		if userID == "" || hash == "" {
			return nil, fmt.Errorf("empty user or hash in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key hash must be a bcrypt hash in entry %d", len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Hash: hash})
	}

	return entries, nil
}
