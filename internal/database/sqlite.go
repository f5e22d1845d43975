package database

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// sqliteDSN enables foreign keys and WAL on a plain file path.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_foreign_keys=1&_journal_mode=WAL"
}

func isSqliteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isUniqueViolation(err error) bool {
	return isPgUniqueViolation(err) || isSqliteUniqueViolation(err)
}
