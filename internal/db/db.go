package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/kylemclaren/browsercron/internal/db/migrations"
	"github.com/kylemclaren/browsercron/internal/log"
)

// Config is the store configuration. URL takes precedence over Path when it
// is a postgres DSN.
type Config struct {
	Path   string
	URL    string
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.URL == "" && c.Path == "" {
		return fmt.Errorf("db path or url is required")
	}
	if c.URL != "" && !isPostgresURL(c.URL) {
		return fmt.Errorf("unsupported database url scheme: %q", c.URL)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "db"})
	return nil
}

func isPostgresURL(u string) bool {
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// DB wraps the relational store connection
type DB struct {
	conn    *sql.DB
	dialect migrations.Dialect
	logger  log.Logger
}

// New opens the database and applies migrations
func New(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var (
		conn    *sql.DB
		dialect migrations.Dialect
		err     error
	)
	if cfg.URL != "" {
		dialect = migrations.DialectPostgres
		conn, err = sql.Open("pgx", cfg.URL)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
		dialect = migrations.DialectSQLite
		conn, err = sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(conn, dialect, cfg.Logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	cfg.Logger.Debugf("Database initialized (%s)", dialect)

	return &DB{conn: conn, dialect: dialect, logger: cfg.Logger}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// rebind converts ? placeholders to $n for postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != migrations.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// mapError translates driver errors into the package sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, sqliteErr.Error())
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		case pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrNotValid, pgErr.ConstraintName)
		}
	}
	return err
}

// NewID returns a new sortable identifier
func NewID() string {
	return ulid.Make().String()
}

func now() time.Time {
	return time.Now().UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetSetting retrieves a setting value
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.queryRow(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", mapError(err)
	}
	return value, nil
}

// SetSetting sets a setting value
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.exec(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// DefaultUsageThreshold is the percentage of a plan limit that triggers an alert
const DefaultUsageThreshold = 80

// GetUsageThreshold retrieves the usage threshold as a percentage
func (db *DB) GetUsageThreshold(ctx context.Context) (float64, error) {
	val, err := db.GetSetting(ctx, "usage_threshold")
	if err != nil {
		return DefaultUsageThreshold, nil
	}
	threshold, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return DefaultUsageThreshold, nil
	}
	return threshold, nil
}

// SetUsageThreshold sets the usage threshold
func (db *DB) SetUsageThreshold(ctx context.Context, threshold float64) error {
	if threshold < 0 || threshold > 100 {
		return fmt.Errorf("usage threshold must be between 0 and 100: %w", ErrNotValid)
	}
	return db.SetSetting(ctx, "usage_threshold", strconv.FormatFloat(threshold, 'f', 0, 64))
}
