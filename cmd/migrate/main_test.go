package main

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestMigrator_AppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	first := "CREATE TABLE a (id INT);"
	second := "CREATE TABLE b (id INT);"
	dir := writeMigrations(t, map[string]string{
		"002_b.sql": second,
		"001_a.sql": first,
	})

	mock.ExpectQuery("SELECT filename, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"filename", "checksum"}).
			AddRow("001_a.sql", calculateChecksum([]byte(first))))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(second)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("002_b.sql", calculateChecksum([]byte(second))).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := &Migrator{db: db, logger: zap.NewNop()}
	applied, err := m.Run(dir)

	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_RejectsChangedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := writeMigrations(t, map[string]string{"001_a.sql": "CREATE TABLE a (id BIGINT);"})

	mock.ExpectQuery("SELECT filename, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"filename", "checksum"}).AddRow("001_a.sql", "deadbeef"))

	m := &Migrator{db: db, logger: zap.NewNop()}
	_, err = m.Run(dir)

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_RollsBackFailedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dir := writeMigrations(t, map[string]string{"001_a.sql": "CREATE TABLE broken"})

	mock.ExpectQuery("SELECT filename, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"filename", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE broken").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	m := &Migrator{db: db, logger: zap.NewNop()}
	applied, err := m.Run(dir)

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCalculateChecksum(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		calculateChecksum(nil))
}
