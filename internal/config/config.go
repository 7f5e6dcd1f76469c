// Package config loads the service configuration from an optional YAML
// file overridden by SITECHAT_-prefixed environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SITECHAT_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Broker   BrokerConfig   `koanf:"broker"`
	Provider ProviderConfig `koanf:"provider"`
	Chat     ChatConfig     `koanf:"chat"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	// DSN is the SQLite data source name.
	DSN string `koanf:"dsn"`
}

// BrokerConfig configures the operational message broker. An empty URL
// runs the broker client in disabled mode.
type BrokerConfig struct {
	URL          string             `koanf:"url"`
	Consumer     string             `koanf:"consumer"`
	MaxRetries   int                `koanf:"max_retries"`
	BaseDelay    time.Duration      `koanf:"base_delay"`
	Destinations DestinationsConfig `koanf:"destinations"`
}

type DestinationsConfig struct {
	Notifications string `koanf:"notifications"`
	Auth          string `koanf:"auth"`
	Moderation    string `koanf:"moderation"`
	Commands      string `koanf:"commands"`
}

// ProviderConfig configures the external answer provider. Empty
// credentials run the gateway in disabled mode.
type ProviderConfig struct {
	AuthURL      string        `koanf:"auth_url"`
	APIURL       string        `koanf:"api_url"`
	Credentials  string        `koanf:"credentials"`
	Scope        string        `koanf:"scope"`
	Model        string        `koanf:"model"`
	SystemPrompt string        `koanf:"system_prompt"`
	Timeout      time.Duration `koanf:"timeout"`
}

type ChatConfig struct {
	MaxMessageLen         int `koanf:"max_message_len"`
	HistoryLimit          int `koanf:"history_limit"`
	HistoryTokenBudget    int `koanf:"history_token_budget"`
	DailyTokenLimit       int `koanf:"daily_token_limit"`
	GlobalDailyTokenLimit int `koanf:"global_daily_token_limit"`
}

func defaults(k *koanf.Koanf) {
	k.Set("server.port", 8080)
	k.Set("storage.dsn", "./data/sitechat.db")
	k.Set("broker.consumer", "sitechat-1")
	k.Set("broker.max_retries", 3)
	k.Set("broker.base_delay", "500ms")
	k.Set("broker.destinations.notifications", "ops:notifications")
	k.Set("broker.destinations.auth", "ops:auth")
	k.Set("broker.destinations.moderation", "ops:moderation")
	k.Set("broker.destinations.commands", "ops:commands")
	k.Set("provider.scope", "CHAT_API")
	k.Set("provider.timeout", "60s")
	k.Set("chat.max_message_len", 1000)
	k.Set("chat.history_limit", 5)
	k.Set("chat.history_token_budget", 2000)
}

// Load reads the config file (if path is non-empty and the file exists)
// and applies environment overrides on top.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	defaults(k)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// Double underscore separates nesting levels so keys like
	// chat.max_message_len stay addressable from the environment.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch re-loads the config whenever the file changes and invokes
// onChange with the fresh result. Load errors are logged and the
// previous configuration stays in effect.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) error {
	if path == "" {
		return nil
	}
	f := file.Provider(path)
	return f.Watch(func(event any, err error) {
		if err != nil {
			logger.Error("config watch error", slog.String("error", err.Error()))
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.Error("config reload failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("configuration reloaded", slog.String("path", path))
		onChange(cfg)
	})
}
