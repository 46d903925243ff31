package postgres

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/flash?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "flash"}))
	assert.Equal(t, "postgres://u:p@db:6543/flash?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Port: 6543, Database: "flash", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestDSNEscapesCredentials(t *testing.T) {
	assert.Equal(t, "postgres://bot:p%40ss%2Fw@db:5432/flash?sslmode=disable",
		DSN(ClientConfig{User: "bot", Password: "p@ss/w", Host: "db", Database: "flash"}))
}

func TestMigrationsCreateEveryTable(t *testing.T) {
	all, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	require.NotEmpty(t, all)

	var sql strings.Builder
	for _, m := range all {
		sql.WriteString(m.sql)
	}
	for _, table := range []string{"strategy_profiles", "execution_records", "audit_log"} {
		assert.Contains(t, sql.String(), "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestMigrationsAllowUnknownReserveBalance(t *testing.T) {
	all, err := loadMigrations(migrationsFS)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)
	assert.Equal(t, "002_nullable_reserve_after.sql", all[1].name)
	assert.Contains(t, all[1].sql, "reserve_balance_after DROP NOT NULL")
}

func TestLoadMigrationsSortedAndFiltered(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_b.sql": {Data: []byte("B")},
		"migrations/001_a.sql": {Data: []byte("A")},
		"migrations/README.md": {Data: []byte("skip")},
		"migrations/003_c.sql": {Data: []byte("C")},
	}
	all, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "001_a.sql", all[0].name)
	assert.Equal(t, "C", all[2].sql)

	todo := pending(all, map[string]bool{"001_a.sql": true, "003_c.sql": true})
	require.Len(t, todo, 1)
	assert.Equal(t, "002_b.sql", todo[0].name)
}

func TestColumnListsMatchPlaceholders(t *testing.T) {
	count := func(cols string) int { return len(strings.Split(cols, ",")) }
	// profiles: updated_at is set by NOW(), the rest are bound.
	assert.Equal(t, 14, count(profileColumns))
	assert.Len(t, profileArgs(testProfile()), 13)
	assert.Equal(t, 14, count(executionColumns))
}

func testProfile() domain.StrategyProfile {
	return domain.StrategyProfile{ID: "s", RequestsPerTrade: 1, MinIntervalMs: 1, MaxIntervalMs: 2, CurrentIntervalMs: 1}
}
