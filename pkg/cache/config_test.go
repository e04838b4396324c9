package cache

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigFromViper(t *testing.T) {
	cfg := ConfigFromViper(viper.New())
	assert.Equal(t, DefaultConfig(), cfg)

	v := viper.New()
	v.Set("redis.address", "redis:6379")
	v.Set("redis.db", 2)
	v.Set("cache.ttl", "1h")
	cfg = ConfigFromViper(v)
	assert.Equal(t, "redis:6379", cfg.Address)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, time.Hour, cfg.TTL)
	assert.Equal(t, DefaultPrefix, cfg.Prefix)
}
