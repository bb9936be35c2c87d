package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	db, err := Open(MemoryPath, nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))

	for _, table := range []string{"schema_migrations", "production_jobs", "calendar_slots", "recurring_rules", "rule_executions"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"000", "001", "002", "003", "004"}, versions)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "showrunner.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Len(t, versions, 5)
}

func TestRuleDayUniqueIndex(t *testing.T) {
	db, err := OpenWithMigrations(MemoryPath, nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO production_jobs (id, label, target_duration, target_day, status, pipeline, current_stage, max_retries, rule_id, created_at, updated_at)
		VALUES (?, 'Daily Roundup', 60, '2026-03-02', 'pending', '["generate"]', 'generate', 3, 'rule-1', ?, ?)`
	now := FormatTime(time.Now())

	_, err = db.Exec(insert, "JB1", now, now)
	require.NoError(t, err)

	_, err = db.Exec(insert, "JB2", now, now)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestTimeCodec(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	original := time.Date(2026, 3, 2, 9, 0, 0, 120, loc)

	parsed, err := ParseTime(FormatTime(original))
	require.NoError(t, err)
	assert.True(t, original.Equal(parsed))
	assert.Equal(t, time.UTC, parsed.Location())

	// Lexical order matches chronological order
	earlier := FormatTime(original.Add(-time.Nanosecond))
	assert.Less(t, earlier, FormatTime(original))

	nt, err := ParseNullTime(NullTime(nil))
	require.NoError(t, err)
	assert.Nil(t, nt)

	_, err = ParseTime("not a time")
	assert.Error(t, err)
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(MemoryPath, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Exec("SELECT 1")
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
}
