package store

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigFromViperDefaults(t *testing.T) {
	cfg := ConfigFromViper(viper.New())
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromViper(t *testing.T) {
	v := viper.New()
	v.Set("store.driver", "sql")
	v.Set("store.timeout", "2s")
	v.Set("store.cassandra.hosts", "c1:9042, c2:9042")
	v.Set("store.sql.driver", "postgres")
	v.Set("store.sql.host", "db")
	v.Set("store.sql.port", 5432)
	v.Set("store.mongo.uri", "mongodb://mongo:27017")

	cfg := ConfigFromViper(v)
	assert.Equal(t, "sql", cfg.Driver)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"c1:9042", "c2:9042"}, cfg.Cassandra.Hosts)
	assert.Equal(t, "chat", cfg.Cassandra.Keyspace)
	assert.Equal(t, "postgres", cfg.SQL.Driver)
	assert.Equal(t, "db", cfg.SQL.Host)
	assert.Equal(t, 5432, cfg.SQL.Port)
	assert.Equal(t, "mongodb://mongo:27017", cfg.Mongo.URI)
	assert.Equal(t, "messages", cfg.Mongo.Collection)
}
