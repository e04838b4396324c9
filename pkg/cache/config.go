package cache

import (
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-chat/pkg/config"
)

// ConfigFromViper reads redis.* and cache.* over DefaultConfig.
func ConfigFromViper(v *viper.Viper) Config {
	cfg := DefaultConfig()
	if addr := v.GetString("redis.address"); addr != "" {
		cfg.Address = addr
	}
	cfg.Password = v.GetString("redis.password")
	cfg.DB = v.GetInt("redis.db")
	if p := v.GetString("cache.prefix"); p != "" {
		cfg.Prefix = p
	}
	cfg.TTL = config.Duration(v, "cache.ttl", cfg.TTL)
	return cfg
}

// BindEnv maps the conventional Redis environment variables onto v.
func BindEnv(v *viper.Viper) {
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("cache.ttl", "CACHE_TTL")
}
