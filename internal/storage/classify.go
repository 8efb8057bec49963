package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rafimumtaz/ChitChat/contracts"
	"github.com/rafimumtaz/ChitChat/internal/pool"
)

// Classify maps a handler error onto the result taxonomy
func Classify(err error) contracts.ResultKind {
	if err == nil {
		return contracts.Applied
	}

	var vErr *contracts.ValidationError
	if errors.As(err, &vErr) {
		return contracts.Validation
	}

	var panicErr *pool.PanicError
	if errors.As(err, &panicErr) || errors.Is(err, pool.ErrPoolClosed) {
		return contracts.Fatal
	}

	// Dial failures can carry a PgError (bad password, unknown database) and
	// still clear up once the database is reachable again.
	if errors.Is(err, pool.ErrAcquireTimeout) || errors.Is(err, pool.ErrDialFailed) {
		return contracts.Transient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	return contracts.Transient
}

// classifySQLState uses the SQLSTATE class (first two characters)
func classifySQLState(code string) contracts.ResultKind {
	if len(code) < 2 {
		return contracts.Transient
	}
	switch code[:2] {
	case "22", // data exception
		"23", // integrity constraint violation
		"42": // syntax error or access rule violation
		return contracts.Permanent
	default:
		// 08 connection, 40 rollback, 53 resources, 57 operator intervention
		return contracts.Transient
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
