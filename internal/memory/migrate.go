package memory

import (
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/NikhilSetiya/agentctx/pkg/config"
	"github.com/NikhilSetiya/agentctx/pkg/errors"
)

// Migrator manages the embedded schema of a SQL backend. It owns a
// dedicated connection, since closing a migrate instance closes its
// database handle.
type Migrator struct {
	m       *migrate.Migrate
	dialect Dialect
}

// NewMigrator opens a migrator for dialect at dsn. For sqlite the dsn is the
// database file path.
func NewMigrator(dialect Dialect, dsn string) (*Migrator, error) {
	conn, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.NewStorageError("migrate", err)
	}

	var driver database.Driver
	switch dialect {
	case DialectSQLite:
		driver, err = sqlite.WithInstance(conn, &sqlite.Config{})
	case DialectPostgres:
		driver, err = postgres.WithInstance(conn, &postgres.Config{})
	case DialectMySQL:
		driver, err = mysql.WithInstance(conn, &mysql.Config{})
	default:
		err = fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		conn.Close()
		return nil, errors.NewStorageError("migrate", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		conn.Close()
		return nil, errors.NewStorageError("migrate", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(dialect), driver)
	if err != nil {
		conn.Close()
		return nil, errors.NewStorageError("migrate", err)
	}
	return &Migrator{m: m, dialect: dialect}, nil
}

// MigratorFromConfig opens a migrator for the configured SQL backend
func MigratorFromConfig(cfg config.StoreConfig) (*Migrator, error) {
	switch cfg.Backend {
	case BackendSQLite:
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, errors.NewValidationError("invalid memory.store.path").WithCause(err)
		}
		if path, err = sqlitePath(path); err != nil {
			return nil, err
		}
		return NewMigrator(DialectSQLite, path)
	case BackendPostgres:
		return NewMigrator(DialectPostgres, cfg.DSN)
	case BackendMySQL:
		dsn, err := mysqlMigrationDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewMigrator(DialectMySQL, dsn)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("memory backend %q has no schema migrations", cfg.Backend))
	}
}

func runMigrations(dialect Dialect, dsn string) error {
	m, err := NewMigrator(dialect, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// Up applies every pending migration
func (m *Migrator) Up() error {
	return m.wrap(m.m.Up())
}

// Down rolls back every migration
func (m *Migrator) Down() error {
	return m.wrap(m.m.Down())
}

// Steps applies n migrations up when positive or down when negative
func (m *Migrator) Steps(n int) error {
	return m.wrap(m.m.Steps(n))
}

// Version reports the applied version; zero means no migration has run
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.m.Version()
	if stderrors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.NewStorageError("migrate", err)
	}
	return version, dirty, nil
}

// Force sets the version without running migrations, clearing a dirty state
func (m *Migrator) Force(version int) error {
	return m.wrap(m.m.Force(version))
}

// Dialect reports the schema flavour
func (m *Migrator) Dialect() Dialect {
	return m.dialect
}

// Close releases the migrator's connection
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

func (m *Migrator) wrap(err error) error {
	if err == nil || stderrors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return errors.NewStorageError("migrate", err)
}
