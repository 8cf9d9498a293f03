package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrNoRows is returned by repository lookups that match nothing
var ErrNoRows = sql.ErrNoRows

// sqliteError matches *sqlite.Error from modernc.org/sqlite without importing its internals
type sqliteError interface {
	error
	Code() int
}

const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// IsTransient reports whether a failed transaction may succeed when rerun
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	if code, ok := postgresCode(err); ok {
		switch {
		case code == "40001", code == "40P01": // serialization_failure, deadlock_detected
			return true
		case strings.HasPrefix(code, "08"): // connection exception
			return true
		case code == "53300", code == "57P01": // too_many_connections, admin_shutdown
			return true
		}
		return false
	}

	var sqlErr sqliteError
	if errors.As(err, &sqlErr) {
		primary := sqlErr.Code() & 0xff
		return primary == sqliteBusy || primary == sqliteLocked
	}

	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	if code, ok := postgresCode(err); ok {
		return code == "23505"
	}
	var sqlErr sqliteError
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()&0xff == sqliteConstraint && strings.Contains(sqlErr.Error(), "UNIQUE")
	}
	return false
}

// postgresCode extracts the SQLSTATE from either PostgreSQL driver
func postgresCode(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}
