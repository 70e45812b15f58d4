package worker

import (
	"fmt"

	"github.com/telhawk-systems/telhawk-audit/common/database"
)

// Op names the flush step that failed.
type Op string

const (
	OpList    Op = "list"
	OpMap     Op = "map"
	OpPersist Op = "persist"
	OpRemove  Op = "remove"
)

// KindBreakerOpen marks flushes rejected by the storage circuit breaker.
const KindBreakerOpen = "breaker_open"

// FlushError describes a failed flush. Except for OpRemove nothing was
// committed and every item is still queued.
type FlushError struct {
	Op         Op
	Kind       string
	SQLState   string
	Constraint string
	Table      string
	BatchSize  int
	Err        error
}

func newFlushError(op Op, batchSize int, err error) *FlushError {
	d := database.Classify(err)
	fe := &FlushError{
		Op:         op,
		Kind:       d.Kind,
		SQLState:   d.SQLState,
		Constraint: d.Constraint,
		Table:      d.Table,
		BatchSize:  batchSize,
		Err:        err,
	}
	if IsBreakerOpen(err) {
		fe.Kind = KindBreakerOpen
	}
	return fe
}

func (e *FlushError) Error() string {
	msg := fmt.Sprintf("flush %s failed (kind=%s, batch=%d)", e.Op, e.Kind, e.BatchSize)
	if e.Constraint != "" {
		msg += fmt.Sprintf(" constraint=%s", e.Constraint)
	}
	return msg + ": " + e.Err.Error()
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// Committed reports whether the rows were stored before the failure.
func (e *FlushError) Committed() bool {
	return e.Op == OpRemove
}
