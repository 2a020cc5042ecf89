package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	HTTPAddress         string            `mapstructure:"http_address"`
	AdminAddress        string            `mapstructure:"admin_address"`
	ShutdownGracePeriod time.Duration     `mapstructure:"shutdown_grace_period"`
	Log                 LogConfig         `mapstructure:"log"`
	Database            DatabaseConfig    `mapstructure:"database"`
	Auth                AuthConfig        `mapstructure:"auth"`
	Attachments         AttachmentsConfig `mapstructure:"attachments"`
	WS                  WSConfig          `mapstructure:"ws"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AuthConfig describes session token issuance. The signing secret itself is
// only ever read from the environment.
type AuthConfig struct {
	TokenSecretEnv string        `mapstructure:"token_secret_env"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

type AttachmentsConfig struct {
	Dir           string `mapstructure:"dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	MaxBytes      int64  `mapstructure:"max_bytes"`
}

type WSConfig struct {
	SendBuffer      int   `mapstructure:"send_buffer"`
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

const (
	defaultHTTPAddress         = ":3000"
	defaultAdminAddress        = ":9090"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultLogLevel            = "info"
	defaultDriver              = "sqlite3"
	defaultDSN                 = "~/.chatbox/chatbox.db"
	defaultTokenSecretEnv      = "CHATBOX_TOKEN_SECRET"
	defaultTokenTTL            = 24 * time.Hour
	defaultAttachmentsDir      = "~/.chatbox/uploads"
	defaultPublicBaseURL       = "http://localhost:3000/uploads"
	defaultMaxAttachmentBytes  = 10 << 20
	defaultSendBuffer          = 64
	defaultMaxMessageBytes     = 512 * 1024
)

// Load reads configuration from an optional .env file, the provided config file
// (if any) and the environment. Environment variables are prefixed with CHATBOX_.
func Load(path string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("CHATBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("database.driver", defaultDriver)
	v.SetDefault("database.dsn", defaultDSN)
	v.SetDefault("auth.token_secret_env", defaultTokenSecretEnv)
	v.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	v.SetDefault("attachments.dir", defaultAttachmentsDir)
	v.SetDefault("attachments.public_base_url", defaultPublicBaseURL)
	v.SetDefault("attachments.max_bytes", defaultMaxAttachmentBytes)
	v.SetDefault("ws.send_buffer", defaultSendBuffer)
	v.SetDefault("ws.max_message_bytes", defaultMaxMessageBytes)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	var err error
	if cfg.ShutdownGracePeriod, err = parseDuration(v, "shutdown_grace_period"); err != nil {
		return Config{}, err
	}
	if cfg.Auth.TokenTTL, err = parseDuration(v, "auth.token_ttl"); err != nil {
		return Config{}, err
	}

	if cfg.Database.Driver == "sqlite3" {
		if cfg.Database.DSN, err = expand(cfg.Database.DSN); err != nil {
			return Config{}, err
		}
	}
	if cfg.Attachments.Dir, err = expand(cfg.Attachments.Dir); err != nil {
		return Config{}, err
	}
	if cfg.Log.File, err = expand(cfg.Log.File); err != nil {
		return Config{}, err
	}

	if cfg.Auth.TokenSecretEnv == "" {
		cfg.Auth.TokenSecretEnv = defaultTokenSecretEnv
	}
	if cfg.WS.SendBuffer <= 0 {
		cfg.WS.SendBuffer = defaultSendBuffer
	}
	if cfg.WS.MaxMessageBytes <= 0 {
		cfg.WS.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.Attachments.MaxBytes <= 0 {
		cfg.Attachments.MaxBytes = defaultMaxAttachmentBytes
	}

	return cfg, nil
}

// TokenSecret fetches the session token signing secret from the configured
// environment variable.
func (c Config) TokenSecret() ([]byte, error) {
	env := c.Auth.TokenSecretEnv
	if env == "" {
		env = defaultTokenSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return nil, fmt.Errorf("token secret env %s is empty", env)
	}
	return []byte(val), nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	dur, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return dur, nil
}

func expand(path string) (string, error) {
	if path == "" || path == ":memory:" {
		return path, nil
	}
	out, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return out, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(dotEnvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", dotEnvPath, err)
	}
	return nil
}

// split out for testing.
var (
	getenv     = os.Getenv
	dotEnvPath = ".env"
)
