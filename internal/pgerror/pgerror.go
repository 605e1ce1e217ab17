package pgerror

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
	notNullViolation    = "23502"
)

// ConstraintName returns the name of the constraint err violated.
func ConstraintName(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.ConstraintName == "" {
		return "", false
	}
	switch pgErr.Code {
	case uniqueViolation, foreignKeyViolation, checkViolation, notNullViolation:
		return pgErr.ConstraintName, true
	}
	return "", false
}
