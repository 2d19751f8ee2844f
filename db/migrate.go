package db

import (
	"database/sql"
	"embed"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fiberhive/oltpoll/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// Migrate applies pending schema migrations in filename order. Applied
// versions are tracked in schema_migrations, which migration 000 itself
// bootstraps. A nil logger migrates silently.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	files, err := migrationFiles()
	if err != nil {
		return err
	}

	applied := 0
	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		done, err := versionApplied(db, version)
		if err != nil {
			// schema_migrations does not exist until 000 runs.
			if version != "000" {
				return errors.Wrapf(err, "schema_migrations unreadable before %s", name)
			}
		} else if done {
			continue
		}

		if err := applyMigration(db, name, version); err != nil {
			return err
		}
		applied++
		if log != nil {
			log.Infow("schema migration applied", "migration", name)
		}
	}

	if log != nil && applied > 0 {
		log.Infow("schema up to date", "applied", applied, "known", len(files))
	}
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedded migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func versionApplied(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)",
		version,
	).Scan(&exists)
	return exists, err
}

// applyMigration executes one migration file and records its version in
// the same transaction, so a failed statement leaves no partial schema.
func applyMigration(db *sql.DB, name, version string) error {
	stmt, err := migrationFS.ReadFile(migrationDir + "/" + name)
	if err != nil {
		return errors.Wrapf(err, "failed to read migration %s", name)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "failed to begin transaction for %s", name)
	}

	if _, err := tx.Exec(string(stmt)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "migration %s failed", name)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "failed to record migration %s", name)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit migration %s", name)
	}
	return nil
}
