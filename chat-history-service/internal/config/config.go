package config

import (
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-chat/pkg/cache"
	pkgconfig "github.com/weiawesome/wes-io-chat/pkg/config"
	"github.com/weiawesome/wes-io-chat/pkg/log"
	"github.com/weiawesome/wes-io-chat/pkg/store"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`
	Store   store.Config  `mapstructure:"-"`
	Cache   cache.Config  `mapstructure:"-"`
	Log     log.Config    `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type HistoryConfig struct {
	// Limit is the page size of a room history read.
	Limit int `mapstructure:"limit"`
	// Singleflight collapses concurrent cache misses of one room into a
	// single store read.
	Singleflight bool `mapstructure:"singleflight"`
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper applies defaults and env bindings to v and decodes it.
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3002)
	v.SetDefault("history.limit", 50)
	v.SetDefault("history.singleflight", false)
	v.SetDefault("store.driver", "cassandra")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.cassandra.consistency", "LOCAL_ONE")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("cache.prefix", cache.DefaultPrefix)
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "chat-history-service")

	// Env overrides (for Docker)
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("history.limit", "HISTORY_LIMIT")
	_ = v.BindEnv("history.singleflight", "HISTORY_SINGLEFLIGHT")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	store.BindEnv(v)
	cache.BindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = 50
	}

	cfg.Store = store.ConfigFromViper(v)
	cfg.Cache = cache.ConfigFromViper(v)

	return &cfg, nil
}
