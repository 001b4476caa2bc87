package backend

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	apperrors "github.com/go-i2p/sqlpool/lib/errors"
)

func init() {
	Register("sqlite3", OpenSQLite)
}

// OpenSQLite builds a SQLite backend. The DSN is a mattn/go-sqlite3 file
// name or URI, e.g. "file:app.db?_busy_timeout=5000".
func OpenSQLite(dsn string) (*Backend, error) {
	if dsn == "" {
		return nil, errors.Join(apperrors.ErrConfiguration, errors.New("sqlite3: empty dsn"))
	}
	return FromDriver("sqlite3", dsn, &sqlite3.SQLiteDriver{}, ClassifySQLite)
}

// ClassifySQLite sorts mattn/go-sqlite3 errors. I/O and corruption errors
// mean the database handle can no longer be trusted; everything else the
// engine reports is a statement failure.
func ClassifySQLite(err error) error {
	if err == nil {
		return nil
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrIoErr, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrCantOpen:
			return apperrors.Lost(err)
		default:
			return apperrors.Query(err)
		}
	}

	return Classify(err)
}
