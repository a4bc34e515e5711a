package storage

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// timeToUnixNano converts a time to the INTEGER representation used by the
// SQLite schema.
func timeToUnixNano(t time.Time) int64 {
	return t.UnixNano()
}

// unixNanoToTime converts an SQLite INTEGER timestamp back to UTC.
func unixNanoToTime(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// boolToInt maps a bool onto SQLite's INTEGER flag columns.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToPgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func pgTimestamptzToTime(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time.UTC()
}

// isUniqueViolation reports whether err is a unique constraint failure from
// either SQL backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}
