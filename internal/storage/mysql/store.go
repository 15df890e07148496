// Package mysql implements the storage interface on MySQL via database/sql.
//
// Lifecycle mutations run inside explicit transactions with SELECT ... FOR
// UPDATE row locks, so two requests racing on the same task serialize at the
// store and the loser re-reads the winner's committed stage.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"

	"github.com/tasklane/tasklane/internal/storage"
)

// Verify *Store implements storage.Storage at compile time.
var _ storage.Storage = (*Store)(nil)

// Config holds MySQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
}

// Store is a MySQL-backed implementation of storage.Storage.
type Store struct {
	db *sql.DB
}

// buildDSN renders a go-sql-driver DSN. parseTime is required so DATETIME
// columns scan into time.Time.
func buildDSN(cfg Config, database string) string {
	userPart := cfg.User
	if cfg.Password != "" {
		userPart = fmt.Sprintf("%s:%s", cfg.User, cfg.Password)
	}

	dbPart := "/"
	if database != "" {
		dbPart = "/" + database
	}

	// clientFoundRows makes RowsAffected count matched rows, so a no-op
	// UPDATE of an existing row is not mistaken for a missing one.
	params := "parseTime=true&loc=UTC&clientFoundRows=true"
	if cfg.TLS {
		params += "&tls=true"
	}

	return fmt.Sprintf("%s@tcp(%s:%d)%s?%s", userPart, cfg.Host, cfg.Port, dbPart, params)
}

// Open connects to MySQL, creates the database if missing, and ensures the
// schema is current.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name %q: %w", cfg.Database, err)
	}

	// Bootstrap connection without a database selected so we can create it.
	initDB, err := sql.Open("mysql", buildDSN(cfg, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to open init connection: %w", err)
	}
	defer func() { _ = initDB.Close() }()

	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database)) //nolint:gosec // G201: validated by validateDatabaseName above
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
			return nil, fmt.Errorf("failed to connect to MySQL at %s:%d: %w", cfg.Host, cfg.Port, err)
		}
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	db, err := sql.Open("mysql", buildDSN(cfg, cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for collaborators that share the
// connection pool (the group directory).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// initSchema creates all tables if they don't exist. A schema_version fast
// path skips the DDL when the schema is already current.
func (s *Store) initSchema(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT `value` FROM config WHERE `key` = 'schema_version'").Scan(&version)
	if err == nil && version >= currentSchemaVersion {
		return nil
	}

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO config (`key`, `value`) VALUES ('schema_version', ?) ON DUPLICATE KEY UPDATE `value` = ?",
		currentSchemaVersion, currentSchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func validateDatabaseName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("character %q not allowed", r)
		}
	}
	return nil
}

// Transient-error retry. The mysql driver surfaces stale pool connections
// and brief network blips as errors that succeed on a fresh attempt.

const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset by peer",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// withRetry runs op, retrying transient connection errors with exponential
// backoff. Non-retryable errors stop immediately.
func withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(newRetryBackoff(), ctx))
}
