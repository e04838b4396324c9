package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestDSN(t *testing.T) {
	pg := &Config{Driver: "postgres", Host: "db", Port: 5432, User: "chat", Password: "pw", DBName: "chat", SSLMode: "disable"}
	dsn, err := pg.DSN()
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=chat password=pw dbname=chat sslmode=disable TimeZone=UTC", dsn)

	my := &Config{Driver: "mysql", Host: "db", Port: 3306, User: "chat", Password: "pw", DBName: "chat"}
	dsn, err = my.DSN()
	require.NoError(t, err)
	assert.Equal(t, "chat:pw@tcp(db:3306)/chat?charset=utf8mb4&parseTime=True&loc=UTC", dsn)

	_, err = (&Config{Driver: "oracle"}).DSN()
	assert.Error(t, err)
}

func TestNewSQLite(t *testing.T) {
	db, err := New(&Config{Driver: "sqlite", FilePath: ":memory:", LogLevel: "silent", MaxOpenConns: 1})
	require.NoError(t, err)
	defer Close(db)

	type probe struct {
		ID   uint
		Name string
	}
	require.NoError(t, AutoMigrate(db, &probe{}))
	require.NoError(t, db.Create(&probe{Name: "x"}).Error)

	var n int64
	require.NoError(t, db.Model(&probe{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logger.Silent, parseLogLevel("silent"))
	assert.Equal(t, logger.Info, parseLogLevel("info"))
	assert.Equal(t, logger.Warn, parseLogLevel(""))
}
