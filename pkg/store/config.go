package store

import (
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-chat/pkg/config"
)

// ConfigFromViper reads the store.* keys over DefaultConfig.
func ConfigFromViper(v *viper.Viper) Config {
	cfg := DefaultConfig()
	if d := v.GetString("store.driver"); d != "" {
		cfg.Driver = d
	}
	cfg.Timeout = config.Duration(v, "store.timeout", cfg.Timeout)

	if hosts := config.List(v, "store.cassandra.hosts"); len(hosts) > 0 {
		cfg.Cassandra.Hosts = hosts
	}
	if ks := v.GetString("store.cassandra.keyspace"); ks != "" {
		cfg.Cassandra.Keyspace = ks
	}
	cfg.Cassandra.Username = v.GetString("store.cassandra.username")
	cfg.Cassandra.Password = v.GetString("store.cassandra.password")
	if c := v.GetString("store.cassandra.consistency"); c != "" {
		cfg.Cassandra.Consistency = c
	}
	cfg.Cassandra.ConnectTimeout = config.Duration(v, "store.cassandra.connect_timeout", cfg.Cassandra.ConnectTimeout)
	cfg.Cassandra.Timeout = config.Duration(v, "store.cassandra.timeout", cfg.Cassandra.Timeout)
	if n := v.GetInt("store.cassandra.num_conns"); n > 0 {
		cfg.Cassandra.NumConns = n
	}

	if uri := v.GetString("store.mongo.uri"); uri != "" {
		cfg.Mongo.URI = uri
	}
	if db := v.GetString("store.mongo.database"); db != "" {
		cfg.Mongo.Database = db
	}
	if coll := v.GetString("store.mongo.collection"); coll != "" {
		cfg.Mongo.Collection = coll
	}

	if d := v.GetString("store.sql.driver"); d != "" {
		cfg.SQL.Driver = d
	}
	cfg.SQL.Host = v.GetString("store.sql.host")
	cfg.SQL.Port = v.GetInt("store.sql.port")
	cfg.SQL.User = v.GetString("store.sql.user")
	cfg.SQL.Password = v.GetString("store.sql.password")
	cfg.SQL.DBName = v.GetString("store.sql.dbname")
	cfg.SQL.SSLMode = v.GetString("store.sql.sslmode")
	if fp := v.GetString("store.sql.file_path"); fp != "" {
		cfg.SQL.FilePath = fp
	}
	cfg.SQL.MaxIdleConns = v.GetInt("store.sql.max_idle_conns")
	cfg.SQL.MaxOpenConns = v.GetInt("store.sql.max_open_conns")
	cfg.SQL.ConnMaxLifetime = v.GetInt("store.sql.conn_max_lifetime")
	cfg.SQL.LogLevel = v.GetString("store.sql.log_level")

	return cfg
}

// BindEnv maps the conventional store environment variables onto v.
func BindEnv(v *viper.Viper) {
	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("store.cassandra.hosts", "CASSANDRA_HOSTS")
	v.BindEnv("store.cassandra.keyspace", "CASSANDRA_KEYSPACE")
	v.BindEnv("store.cassandra.username", "CASSANDRA_USERNAME")
	v.BindEnv("store.cassandra.password", "CASSANDRA_PASSWORD")
	v.BindEnv("store.mongo.uri", "MONGO_URI")
	v.BindEnv("store.sql.driver", "DB_DRIVER")
	v.BindEnv("store.sql.host", "DB_HOST")
	v.BindEnv("store.sql.port", "DB_PORT")
	v.BindEnv("store.sql.user", "DB_USER")
	v.BindEnv("store.sql.password", "DB_PASSWORD")
	v.BindEnv("store.sql.dbname", "DB_NAME")
}
