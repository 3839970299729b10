package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// SQLSTATE codes the repositories and the sweep react to.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgLockNotAvailable     = "55P03"
)

// IsDuplicateKeyErr reports a unique violation from postgres, the sqlite test
// driver, or gorm's translated error.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, pgUniqueViolation) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsLockNotAvailable reports a NOWAIT or lock_timeout failure on a claimed row.
func IsLockNotAvailable(err error) bool {
	return hasPGCode(err, pgLockNotAvailable)
}

func IsSerializationFailure(err error) bool {
	return hasPGCode(err, pgSerializationFailure)
}

// IsDriverError reports failures raised by the database rather than by
// domain rules. Record-not-found is a lookup result, not a failure.
func IsDriverError(err error) bool {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	switch {
	case errors.Is(err, gorm.ErrInvalidDB),
		errors.Is(err, gorm.ErrInvalidTransaction),
		errors.Is(err, gorm.ErrInvalidData),
		errors.Is(err, gorm.ErrMissingWhereClause),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
