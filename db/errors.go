package db

import (
	"strings"

	"github.com/fiberhive/oltpoll/errors"
)

// ErrDatabaseClosed marks store calls that raced a shutdown: the
// connection was closed before a goroutine finished its write.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone.
// The sql driver surfaces its own closed-database errors that cannot be
// wrapped at the source, so a message check backs up errors.Is.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
