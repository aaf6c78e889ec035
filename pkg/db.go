package pkg

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	PgCodeSerializationFailure = "40001"
	PgCodeDeadlockDetected     = "40P01"
	PgCodeUniqueViolation      = "23505"
)

// PgErrorCode returns the SQLSTATE code of err, if err is a postgres error.
func PgErrorCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}

// IsSerializationError checks if the transaction lost a conflict and can be
// run again from the start.
func IsSerializationError(err error) bool {
	code, ok := PgErrorCode(err)
	return ok && (code == PgCodeSerializationFailure || code == PgCodeDeadlockDetected)
}

// IsUniqueViolationError checks if the error is a unique violation error
func IsUniqueViolationError(err error) bool {
	code, ok := PgErrorCode(err)
	return ok && code == PgCodeUniqueViolation
}
