package storage

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/hanrei/internal/fault"
)

// wrapErr maps database errors onto the service failure taxonomy:
// missing rows become KindNotFound, unique violations KindDuplicate,
// connection failures KindUnavailable, everything else KindInternal.
func wrapErr(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fault.Wrap(fault.KindNotFound, err, format, args...)
	case isUniqueViolation(err):
		return fault.Wrap(fault.KindDuplicate, err, format, args...)
	case isConnectionError(err):
		return fault.Wrap(fault.KindUnavailable, err, format, args...)
	default:
		return fault.Wrap(fault.KindInternal, err, format, args...)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. 57P01: admin shutdown.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" || pgErr.Code == "57P01"
	}
	return false
}
