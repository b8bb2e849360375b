package contractdb

import (
	"database/sql"
	"embed"
	"errors"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/dlcd-io/dlcd/dlcerrors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations brings the metadata schema up to date. Postgres runs
// through golang-migrate proper; the pure-Go sqlite path (modernc.org/sqlite
// has no golang-migrate driver of its own) applies the same embedded SQL
// directly, since sqlite deployments are single-writer dev/test setups
// where a full migration-version table buys little.
func runMigrations(db *sql.DB, driver string) error {
	switch driver {
	case "postgres":
		return runPostgresMigrations(db)
	case "sqlite":
		return runSQLiteMigrations(db)
	default:
		return dlcerrors.New(dlcerrors.KindStorageError, "unsupported metadata driver: "+driver)
	}
}

func runPostgresMigrations(db *sql.DB) error {
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", dbDriver)
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	return nil
}

func runSQLiteMigrations(db *sql.DB) error {
	b, err := migrationsFS.ReadFile("migrations/0001_split_contract_blob.up.sql")
	if err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	if _, err := db.Exec(sqliteCompatible(string(b))); err != nil {
		return dlcerrors.Wrap(dlcerrors.KindStorageError, err)
	}
	return nil
}

// sqliteTypeReplacer rewrites the few Postgres-specific types the embedded
// migration uses into sqlite equivalents: sqlite is dynamically typed, so
// the type-name substitutions only matter for readability of the schema;
// the now() default is rewritten because sqlite does not accept it.
var sqliteTypeReplacer = strings.NewReplacer(
	"BYTEA", "BLOB",
	"TIMESTAMPTZ", "DATETIME",
	"now()", "CURRENT_TIMESTAMP",
	"BOOLEAN", "INTEGER",
)

func sqliteCompatible(schema string) string {
	return sqliteTypeReplacer.Replace(schema)
}
