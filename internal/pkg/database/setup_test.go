package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

func TestConfigDSN(t *testing.T) {
	mysqlCfg := Config{Driver: DriverMySQL, Host: "db", Port: "3306", User: "app", Password: "secret", Name: "coursefox"}
	assert.Equal(t, "app:secret@tcp(db:3306)/coursefox?charset=utf8mb4&parseTime=True&loc=UTC", mysqlCfg.DSN())

	pgCfg := Config{Driver: DriverPostgres, Host: "db", Port: "5432", User: "app", Password: "secret", Name: "coursefox"}
	assert.Equal(t, "host=db user=app password=secret dbname=coursefox port=5432 sslmode=disable TimeZone=UTC", pgCfg.DSN())
}

func TestConfigDialector(t *testing.T) {
	for _, driver := range []string{DriverMySQL, DriverPostgres} {
		d, err := Config{Driver: driver}.Dialector()
		require.NoError(t, err)
		assert.Equal(t, driver, d.Name())
	}

	_, err := Config{Driver: "sqlite"}.Dialector()
	assert.Error(t, err)
}

func TestLoadConfigDefaultPortFollowsDriver(t *testing.T) {
	env.Env = map[string]string{"DB_DRIVER": DriverPostgres}
	t.Cleanup(func() { env.Env = nil })
	t.Setenv("DB_PORT", "")

	cfg := LoadConfig()
	assert.Equal(t, DriverPostgres, cfg.Driver)
	assert.Equal(t, "5432", cfg.Port)
}
