package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver registered as "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver registered as "postgres"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver registered as "sqlite"

	"github.com/digimarket/reservation-core/internal/config"
)

func init() {
	// sqlx knows "sqlite3" but not the modernc driver name
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Dialect selects the migration set and the few statements that differ per engine
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps the sqlx handle with transaction and retry support.
// Repositories obtain their query target from Querier so they join the
// caller's transaction when one is open.
type DB struct {
	*sqlx.DB
	dialect Dialect
	retry   RetryPolicy
	logger  *logrus.Logger
}

// RetryPolicy bounds the retries of a transaction on transient storage errors
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// NewConnection creates a new database connection
func NewConnection(cfg config.DatabaseConfig, logger *logrus.Logger) (*DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	dialect := DialectPostgres
	if cfg.Driver == "sqlite" {
		dialect = DialectSQLite
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite serializes writers; a single connection keeps in-memory databases alive too
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxLifetime / 2)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return Wrap(db, dialect, RetryPolicy{
		MaxAttempts:  cfg.RetryAttempts,
		InitialDelay: cfg.RetryInitialDelay,
	}, logger), nil
}

// Wrap builds a DB around an existing sqlx handle (used by tests with sqlmock)
func Wrap(db *sqlx.DB, dialect Dialect, retry RetryPolicy, logger *logrus.Logger) *DB {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = 50 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &DB{DB: db, dialect: dialect, retry: retry, logger: logger}
}

// Dialect returns the engine family behind the connection
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Querier returns the open transaction carried by ctx, or the pool
func (db *DB) Querier(ctx context.Context) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db.DB
}

// HealthCheck pings the database with a short deadline
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// SQLiteMemoryURL builds a DSN for a private in-memory SQLite database
func SQLiteMemoryURL(name string) string {
	name = strings.NewReplacer("/", "_", " ", "_").Replace(name)
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite", name)
}
