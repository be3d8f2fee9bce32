package postgres

import (
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		require.NotEmpty(t, m.content, m.name)
		if i > 0 {
			require.Greater(t, m.version, migrations[i-1].version)
		}
	}

	require.Equal(t, 1, migrations[0].version)
	require.Contains(t, migrations[0].content, "CREATE TABLE IF NOT EXISTS sessions")
	require.Contains(t, migrations[0].content, "UNIQUE (project_handle, start_time)")
}

func TestPoolConfigDefaults(t *testing.T) {
	cfg := &PoolConfig{ConnString: "postgres://localhost/oxitrack", MaxConns: 1}
	cfg.ApplyDefaults()

	require.Equal(t, int32(1), cfg.MaxConns)
	require.Equal(t, int32(1), cfg.MinConns)
	require.Equal(t, int32(3600), cfg.MaxConnLifetime)
	require.Equal(t, DefaultApplicationName, cfg.ApplicationName)
	require.NoError(t, cfg.Validate())

	require.Error(t, (&PoolConfig{}).Validate())
	require.Error(t, (&PoolConfig{ConnString: "postgres://localhost/oxitrack", MaxConns: 1, LockTimeout: -1}).Validate())
}

func TestPoolConfigRuntimeParams(t *testing.T) {
	tests := []struct {
		name string
		cfg  PoolConfig
		want map[string]string
	}{
		{
			name: "defaults",
			cfg:  PoolConfig{},
			want: map[string]string{"application_name": "oxitrack"},
		},
		{
			name: "lock timeout",
			cfg:  PoolConfig{LockTimeout: 3, ApplicationName: "oxitrack-eu"},
			want: map[string]string{"application_name": "oxitrack-eu", "lock_timeout": "3000ms"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.ApplyDefaults()
			require.Equal(t, tt.want, cfg.runtimeParams())
		})
	}
}

func TestMapPostgresError(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{code: pgerrcode.LockNotAvailable, want: "timed out waiting for project lock"},
		{code: pgerrcode.UndefinedTable, want: "sessions table missing"},
		{code: pgerrcode.UniqueViolation, want: "unique constraint violation"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			pgErr := &pgconn.PgError{Code: tt.code}
			err := mapPostgresError(pgErr)
			require.ErrorContains(t, err, tt.want)
			require.ErrorIs(t, err, pgErr)
		})
	}

	require.NoError(t, mapPostgresError(nil))
}

func TestSessionStoreConfig(t *testing.T) {
	cfg := &SessionStoreConfig{}
	cfg.ApplyDefaults()
	require.Equal(t, int32(10), cfg.QueryTimeoutSeconds)
	require.NoError(t, cfg.Validate())

	cfg.QueryTimeoutSeconds = -1
	require.Zero(t, cfg.queryTimeout())

	require.Error(t, (&SessionStoreConfig{QueryTimeoutSeconds: 301}).Validate())
}
