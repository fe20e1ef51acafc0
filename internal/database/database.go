package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/logger"
)

type Dialect string

const (
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

type Database struct {
	DB      *sql.DB
	Dialect Dialect
	Config  config.DatabaseConnection
}

func NewDatabase(cfg config.DatabaseConnection) (*Database, error) {
	dialect := Dialect(cfg.Driver)
	driverName, dsn, err := dataSource(dialect, cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := pingWithRetry(db, dialect); err != nil {
		db.Close()
		return nil, err
	}

	// Connection pool settings
	switch dialect {
	case SQLite:
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, err
		}
	default:
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 20
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
		db.SetConnMaxLifetime(time.Hour)
	}

	logger.Log.Info("Connected to database",
		zap.String("driver", string(dialect)),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{
		DB:      db,
		Dialect: dialect,
		Config:  cfg,
	}, nil
}

// OpenSQLite opens a SQLite database file, for tests and single-node installs.
func OpenSQLite(path string) (*Database, error) {
	return NewDatabase(config.DatabaseConnection{Driver: string(SQLite), FilePath: path})
}

func dataSource(dialect Dialect, cfg config.DatabaseConnection) (driverName, dsn string, err error) {
	switch dialect {
	case MySQL:
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		return "mysql", dsn, nil
	case SQLite:
		if cfg.FilePath == "" {
			return "", "", errors.New("sqlite requires database.file_path")
		}
		return "sqlite3", cfg.FilePath, nil
	case Postgres:
		port := cfg.Port
		if port == 0 || port == 3306 {
			port = 5432
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=prefer",
			cfg.User, cfg.Password, cfg.Host, port, cfg.Database)
		return "pgx", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func pingWithRetry(db *sql.DB, dialect Dialect) error {
	maxRetries := 30
	if dialect == SQLite {
		maxRetries = 1
	}
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = db.Ping(); err == nil {
			return nil
		}
		logger.Log.Info("Waiting for database...", zap.Error(err), zap.Int("attempt", i+1))
		if i+1 < maxRetries {
			time.Sleep(1 * time.Second)
		}
	}
	return fmt.Errorf("failed to ping database after retries: %w", err)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// Rebind rewrites '?' placeholders for the dialect.
func (d *Database) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation recognises unique constraint errors of every supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
