package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/kylemclaren/browsercron/internal/log"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var migrationFiles embed.FS

// Dialect selects the migration set and migrate driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Migrator applies the embedded schema migrations.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
	logger  log.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sql.DB, dialect Dialect, logger log.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	if logger == nil {
		logger = log.Noop
	}

	return &Migrator{db: db, dialect: dialect, logger: logger}, nil
}

// Up runs all available migrations.
func (m *Migrator) Up(ctx context.Context) error {
	inst, close, err := m.instance(ctx)
	defer close()
	if err != nil {
		return err
	}

	err = inst.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	m.logger.Debugf("Migrations applied successfully (%s)", m.dialect)
	return nil
}

// Down reverts all migrations.
func (m *Migrator) Down(ctx context.Context) error {
	inst, close, err := m.instance(ctx)
	defer close()
	if err != nil {
		return err
	}

	err = inst.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not revert migrations: %w", err)
	}

	m.logger.Debugf("Migrations reverted successfully (%s)", m.dialect)
	return nil
}

func (m *Migrator) instance(_ context.Context) (instance *migrate.Migrate, close func(), err error) {
	close = func() {}

	var (
		driver     database.Driver
		driverName string
	)
	switch m.dialect {
	case DialectPostgres:
		driver, err = migratepgx.WithInstance(m.db, &migratepgx.Config{})
		driverName = "pgx5"
	default:
		driver, err = sqlite3.WithInstance(m.db, &sqlite3.Config{})
		driverName = "sqlite3"
	}
	if err != nil {
		return nil, close, fmt.Errorf("could not create driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "sql/"+string(m.dialect))
	if err != nil {
		return nil, close, fmt.Errorf("could not create fs: %w", err)
	}
	close = func() {
		if err := src.Close(); err != nil {
			m.logger.Errorf("could not close fs: %s", err)
		}
	}

	instance, err = migrate.NewWithInstance("iofs", src, driverName, driver)
	if err != nil {
		return nil, close, fmt.Errorf("could not create migration instance: %w", err)
	}

	return instance, close, nil
}
