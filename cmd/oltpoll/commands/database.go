package commands

import (
	"database/sql"

	"github.com/fiberhive/oltpoll/config"
	"github.com/fiberhive/oltpoll/db"
	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/logger"
)

// openDatabase opens and migrates a database at the given path. An empty
// path resolves through the config system.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "oltpoll.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	return database, nil
}
