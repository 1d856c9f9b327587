package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	// API is the platform's REST base URL used for interactions.
	API struct {
		BaseURL     string `json:"base_url"`
		UserAgent   string `json:"user_agent"`
		MaxAttempts int    `json:"max_attempts"`
	} `json:"api"`
	Gateway struct {
		URL               string `json:"url"`
		MaxResumeAttempts int    `json:"max_resume_attempts"`
		BaseDelayMs       int    `json:"base_delay_ms"`
		MaxDelayMs        int    `json:"max_delay_ms"`
	} `json:"gateway"`
	// User is the identity that issues commands and observes replies.
	User struct {
		Token        string `json:"token"`
		Capabilities int    `json:"capabilities"`
	} `json:"user"`
	// Bot is an optional second observer connection.
	Bot struct {
		Token   string `json:"token"`
		Intents int    `json:"intents"`
	} `json:"bot"`
	Service struct {
		ApplicationID       string `json:"application_id"`
		GuildID             string `json:"guild_id"`
		ChannelID           string `json:"channel_id"`
		AuthorID            string `json:"author_id"`
		CommandID           string `json:"command_id"`
		CommandVersion      string `json:"command_version"`
		CommandName         string `json:"command_name"`
		GenerateTimeoutSec  int    `json:"generate_timeout_sec"`
		UpscaleTimeoutSec   int    `json:"upscale_timeout_sec"`
		MaxEphemeralRetries int    `json:"max_ephemeral_retries"`
	} `json:"service"`
	Webhook struct {
		Addr string `json:"addr"`
	} `json:"webhook"`
	Telegram struct {
		Token        string  `json:"token"`
		AllowedChats []int64 `json:"allowed_chats"`
	} `json:"telegram"`
	// Notify is the default summary target, e.g. "telegram:12345" or "log:".
	Notify string `json:"notify"`
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".gridclaw"),
		LogLevel: "info",
	}
	cfg.API.BaseURL = "https://discord.com/api/v10"
	cfg.API.UserAgent = "gridclaw/1.0"
	cfg.API.MaxAttempts = 3
	cfg.Gateway.URL = "wss://gateway.discord.gg/?v=10&encoding=json"
	cfg.Gateway.MaxResumeAttempts = 5
	cfg.Gateway.BaseDelayMs = 1000
	cfg.Gateway.MaxDelayMs = 60000
	cfg.User.Capabilities = 16381
	cfg.Bot.Intents = 1<<0 | 1<<9 | 1<<15
	cfg.Service.AuthorID = "936929561302675456"
	cfg.Service.ApplicationID = "936929561302675456"
	cfg.Service.CommandName = "imagine"
	cfg.Service.GenerateTimeoutSec = 600
	cfg.Service.UpscaleTimeoutSec = 300
	cfg.Service.MaxEphemeralRetries = 2
	cfg.Webhook.Addr = "127.0.0.1:8787"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if tok := os.Getenv("GRIDCLAW_USER_TOKEN"); tok != "" {
		cfg.User.Token = tok
	}
	if tok := os.Getenv("GRIDCLAW_BOT_TOKEN"); tok != "" {
		cfg.Bot.Token = tok
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	m, err := ToMap(cfg)
	if err != nil {
		return err
	}
	return writeMap(path, m)
}

func writeMap(path string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON shape.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue reads one dot-separated key from the file at path, creating the
// file with defaults if it does not exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readMap(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets one dot-separated key in the existing file at path. The raw
// value is stored as JSON when it parses as JSON and as a string otherwise.
func SetValue(path, key, raw string) error {
	m, err := readMap(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	flat := Flatten(m)
	flat[key] = v
	return writeMap(path, Unflatten(flat))
}

// Validate checks the fields serve needs.
func (c *Config) Validate() error {
	var errs []error
	if c.User.Token == "" {
		errs = append(errs, errors.New("user.token is required (or set GRIDCLAW_USER_TOKEN)"))
	}
	if c.Service.ChannelID == "" {
		errs = append(errs, errors.New("service.channel_id is required"))
	}
	if c.Service.ApplicationID == "" {
		errs = append(errs, errors.New("service.application_id is required"))
	}
	if c.Service.CommandID == "" || c.Service.CommandVersion == "" {
		errs = append(errs, errors.New("service.command_id and service.command_version are required"))
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		errs = append(errs, fmt.Errorf("gateway.url %q is not a websocket url", c.Gateway.URL))
	}
	return errors.Join(errs...)
}

func (c *Config) GenerateTimeout() time.Duration {
	return time.Duration(c.Service.GenerateTimeoutSec) * time.Second
}

func (c *Config) UpscaleTimeout() time.Duration {
	return time.Duration(c.Service.UpscaleTimeoutSec) * time.Second
}

func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Gateway.BaseDelayMs) * time.Millisecond
}

func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Gateway.MaxDelayMs) * time.Millisecond
}
