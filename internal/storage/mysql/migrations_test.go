package mysql

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"
	"testing/fstest"

	"VaultOps/deploy/migrations"
	xerrors "VaultOps/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	files, err := loadSchemaMigrations(migrations.Files)
	require.NoError(t, err)
	require.Len(t, files, 2)

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", files[0].checksum}},
		}),
		beginOp(),
	}
	for _, stmt := range files[1].statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(insertMigrationSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	require.NoError(t, runMigrations(context.Background(), db))
}

func TestRunMigrationsRejectsEditedFile(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", "0000"}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
	assert.Contains(t, err.Error(), "0001_create_deployments.sql")
}

func TestRunMigrationsRollsBack(t *testing.T) {
	t.Parallel()

	files, err := loadSchemaMigrations(migrations.Files)
	require.NoError(t, err)

	failing := execOp(files[0].statements[0], mockResult{})
	failing.err = fmt.Errorf("boom")
	db, driver := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(selectMigrationsSQL, mockRowsData{columns: []string{"version", "checksum"}}),
		beginOp(),
		failing,
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err = runMigrations(context.Background(), db)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
}

func TestLoadSchemaMigrations(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{
		"0002_jobs.sql":   {Data: []byte("-- jobs\nCREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")},
		"0001_init.sql":   {Data: []byte("CREATE TABLE c (id INT);")},
		"0003_empty.sql":  {Data: []byte("-- nothing yet\n")},
		"README.md":       {Data: []byte("ignored")},
	}
	got, err := loadSchemaMigrations(files)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0001", got[0].version)
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}, got[1].statements)
	assert.Len(t, got[1].checksum, 64)

	_, err = loadSchemaMigrations(fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))

	_, err = loadSchemaMigrations(fstest.MapFS{"init.sql": {Data: []byte("SELECT 1;")}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
}
