package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr      string
	JWTSecret string
	JWTTTLMin int

	StorageDriver string
	SQLITEDsn     string
	PostgresDsn   string
	MongoURI      string
	MongoDatabase string

	HeartbeatTimeout time.Duration
	PresenceSweep    time.Duration
	WSSendBuffer     int
	WSActionsPerSec  float64
	WSActionBurst    int

	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"HTTP_ADDR":             ":8080",
	"JWT_SECRET":            "",
	"JWT_TTL_MIN":           1440,
	"STORAGE_DRIVER":        "sqlite",
	"SQLITE_DSN":            "file:chat.db?_pragma=foreign_keys(ON)",
	"POSTGRES_DSN":          "",
	"MONGODB_URI":           "",
	"MONGODB_DATABASE":      "mmchat",
	"HEARTBEAT_TIMEOUT_SEC": 25,
	"PRESENCE_SWEEP_SEC":    15,
	"WS_SEND_BUFFER":        256,
	"WS_ACTIONS_PER_SEC":    20.0,
	"WS_ACTION_BURST":       40,
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "text",
}

// Load reads the environment, overlaid on config/<name>.yaml when that file
// exists. Environment variables win.
func Load(name string) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		Addr:             v.GetString("HTTP_ADDR"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		JWTTTLMin:        v.GetInt("JWT_TTL_MIN"),
		StorageDriver:    v.GetString("STORAGE_DRIVER"),
		SQLITEDsn:        v.GetString("SQLITE_DSN"),
		PostgresDsn:      v.GetString("POSTGRES_DSN"),
		MongoURI:         v.GetString("MONGODB_URI"),
		MongoDatabase:    v.GetString("MONGODB_DATABASE"),
		HeartbeatTimeout: time.Duration(v.GetInt("HEARTBEAT_TIMEOUT_SEC")) * time.Second,
		PresenceSweep:    time.Duration(v.GetInt("PRESENCE_SWEEP_SEC")) * time.Second,
		WSSendBuffer:     v.GetInt("WS_SEND_BUFFER"),
		WSActionsPerSec:  v.GetFloat64("WS_ACTIONS_PER_SEC"),
		WSActionBurst:    v.GetInt("WS_ACTION_BURST"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.StorageDriver {
	case "sqlite":
	case "postgres":
		if c.PostgresDsn == "" {
			return errors.New("POSTGRES_DSN is required for the postgres driver")
		}
	case "mongo":
		if c.MongoURI == "" {
			return errors.New("MONGODB_URI is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.HeartbeatTimeout <= 0 || c.PresenceSweep <= 0 {
		return errors.New("heartbeat timeout and presence sweep must be positive")
	}
	return nil
}

func MustLoad() Config {
	cfg, err := Load("mmchat")
	if err != nil {
		slog.Error("Unable to load config", "err", err)
		panic(err)
	}
	return cfg
}

// SlogLevel maps LOG_LEVEL onto slog; unknown values fall back to info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
