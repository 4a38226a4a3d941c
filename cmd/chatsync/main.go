// Command chatsync is a terminal chat client and relay server for the
// chatsync engine.
//
// Run "chatsync serve" to host a relay, then "chatsync register", "chatsync
// login" and "chatsync chat <user>" against it.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Client ConfigClient `toml:"client"`
	Server ConfigServer `toml:"server"`
	Log    ConfigLog    `toml:"log"`
}

// ConfigClient holds the settings of the chat commands.
type ConfigClient struct {
	RelayURL   string `toml:"relay_url"`
	Bucket     string `toml:"bucket"`
	StorageKey string `toml:"storage_key"`
	// Session is "file" (default) or "redis".
	Session       string `toml:"session"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// ConfigServer holds the settings of `chatsync serve`.
type ConfigServer struct {
	Listen          string `toml:"listen"`
	Secret          string `toml:"secret"`
	StorageKey      string `toml:"storage_key"`
	MongoURI        string `toml:"mongodb_uri"`
	MongoDatabase   string `toml:"mongodb_database"`
	TokenTTLMinutes int    `toml:"token_ttl_minutes"`
}

// ConfigLog holds logger settings.
type ConfigLog struct {
	Level string `toml:"level"`
}

func (c *Config) defaults() {
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = "http://localhost:8080"
	}
	if c.Client.Bucket == "" {
		c.Client.Bucket = "users"
	}
	if c.Client.Session == "" {
		c.Client.Session = "file"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.MongoDatabase == "" {
		c.Server.MongoDatabase = "chatsync"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("cannot create config directory: %w", err)
		}
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file. A missing file yields the
// defaults.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "client.relay_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. client.relay_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "client":
		switch field {
		case "relay_url":
			cfg.Client.RelayURL = value
		case "bucket":
			cfg.Client.Bucket = value
		case "storage_key":
			cfg.Client.StorageKey = value
		case "session":
			if value != "file" && value != "redis" {
				return fmt.Errorf("client.session must be file or redis")
			}
			cfg.Client.Session = value
		case "redis_addr":
			cfg.Client.RedisAddr = value
		case "redis_password":
			cfg.Client.RedisPassword = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("client.redis_db must be a number: %w", err)
			}
			cfg.Client.RedisDB = n
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	case "server":
		switch field {
		case "listen":
			cfg.Server.Listen = value
		case "secret":
			cfg.Server.Secret = value
		case "storage_key":
			cfg.Server.StorageKey = value
		case "mongodb_uri":
			cfg.Server.MongoURI = value
		case "mongodb_database":
			cfg.Server.MongoDatabase = value
		case "token_ttl_minutes":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("server.token_ttl_minutes must be a number: %w", err)
			}
			cfg.Server.TokenTTLMinutes = n
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: client, server, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Chat sync CLI",
	Long:         "Command-line client and relay server for the chat sync engine.\nRegister, sign in, chat with other users, and manage your profile.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error); overrides log.level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
