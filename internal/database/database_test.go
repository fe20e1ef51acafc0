package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricebook-sync-service/internal/config"
)

func TestRebind(t *testing.T) {
	pg := &Database{Dialect: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2,$3)", pg.Rebind("SELECT * FROM t WHERE a = ? AND b IN (?,?)"))

	lite := &Database{Dialect: SQLite}
	assert.Equal(t, "a = ?", lite.Rebind("a = ?"))
}

func TestDataSource(t *testing.T) {
	driver, dsn, err := dataSource(MySQL, config.DatabaseConnection{User: "u", Password: "p", Host: "db", Port: 3306, Database: "pb"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", driver)
	assert.Equal(t, "u:p@tcp(db:3306)/pb?parseTime=true&loc=UTC", dsn)

	driver, dsn, err = dataSource(Postgres, config.DatabaseConnection{User: "u", Password: "p", Host: "db", Database: "pb"})
	require.NoError(t, err)
	assert.Equal(t, "pgx", driver)
	assert.Equal(t, "postgres://u:p@db:5432/pb?sslmode=prefer", dsn)

	_, _, err = dataSource(SQLite, config.DatabaseConnection{})
	assert.Error(t, err)

	_, _, err = dataSource(Dialect("oracle"), config.DatabaseConnection{Driver: "oracle"})
	assert.Error(t, err)
}

func TestSQLiteUniqueViolationAndTx(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.DB.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = db.DB.ExecContext(ctx, `INSERT INTO kv VALUES ('a', '1')`)
	require.NoError(t, err)

	_, err = db.DB.ExecContext(ctx, `INSERT INTO kv VALUES ('a', '2')`)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.False(t, IsUniqueViolation(nil))

	boom := errors.New("boom")
	err = db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv VALUES ('b', '1')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 1, n)
}
