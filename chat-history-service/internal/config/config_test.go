package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 3002, cfg.Server.Port)
	assert.Equal(t, 50, cfg.History.Limit)
	assert.False(t, cfg.History.Singleflight)
	assert.Equal(t, "cassandra", cfg.Store.Driver)
	assert.Equal(t, "LOCAL_ONE", cfg.Store.Cassandra.Consistency)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "chat:history", cfg.Cache.Prefix)
}

func TestOverrides(t *testing.T) {
	t.Setenv("HISTORY_SINGLEFLIGHT", "true")
	t.Setenv("STORE_DRIVER", "sql")

	v := viper.New()
	v.Set("cache.ttl", "10m")
	v.Set("history.limit", -1)

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.History.Limit)
	assert.True(t, cfg.History.Singleflight)
	assert.Equal(t, "sql", cfg.Store.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
}
