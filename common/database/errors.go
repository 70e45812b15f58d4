package database

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the audit store distinguishes.
const (
	CodeUniqueViolation     = "23505"
	CodeCheckViolation      = "23514"
	CodeNotNullViolation    = "23502"
	CodeForeignKeyViolation = "23503"
)

// Error kinds reported by Classify.
const (
	KindConstraint = "constraint"
	KindData       = "data"
	KindConnection = "connection"
	KindTimeout    = "timeout"
	KindCanceled   = "canceled"
	KindUnknown    = "unknown"
)

// ErrorDetail is the structured description of a storage failure.
type ErrorDetail struct {
	Kind       string
	SQLState   string
	Constraint string
	Table      string
	Message    string
}

// Classify inspects err for a PostgreSQL error and reports what failed.
func Classify(err error) ErrorDetail {
	if err == nil {
		return ErrorDetail{}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		d := ErrorDetail{
			SQLState:   pgErr.Code,
			Constraint: pgErr.ConstraintName,
			Table:      pgErr.TableName,
			Message:    pgErr.Message,
		}
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			d.Kind = KindConstraint
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "22":
			d.Kind = KindData
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			d.Kind = KindConnection
		case pgErr.Code == "57014":
			d.Kind = KindTimeout
		default:
			d.Kind = KindUnknown
		}
		return d
	}

	d := ErrorDetail{Message: err.Error(), Kind: KindUnknown}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		d.Kind = KindTimeout
	case errors.Is(err, context.Canceled):
		d.Kind = KindCanceled
	case pgconn.SafeToRetry(err), errors.As(err, &netErr):
		d.Kind = KindConnection
	}
	return d
}
