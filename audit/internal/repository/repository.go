// Package repository persists envelopes in the audit_log table.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
)

var (
	ErrNotFound         = errors.New("audit record not found")
	ErrAlreadyResolved  = errors.New("audit record already resolved")
	ErrNotResolvable    = errors.New("only security records can be resolved")
	ErrInvalidCursor    = errors.New("invalid pagination cursor")
	ErrRepositoryClosed = errors.New("repository closed")
)

// Table is the name of the audit table.
const Table = "audit_log"

// InsertResult counts the outcome of one InsertBatch.
type InsertResult struct {
	Inserted int
	// Skipped rows already existed (redelivered log ids).
	Skipped int
}

// Store is the write path used by the flush worker.
type Store interface {
	// InsertBatch inserts rows in one transaction, ignoring log ids that
	// already exist. On error nothing is committed.
	InsertBatch(ctx context.Context, rows []Row) (InsertResult, error)
}

// ListQuery filters and pages stored rows. Results are ordered by log id,
// newest first.
type ListQuery struct {
	// Viewer limits rows to those the viewer may see. Ignored when Admin.
	Viewer string
	Admin  bool

	From *time.Time // occurred_at >= From
	To   *time.Time // occurred_at < To

	Categories  []models.Category
	LogTypes    []models.LogType
	MinSeverity models.Severity
	Resolved    *bool
	UserID      string // actor or subject
	EventType   string
	EntityType  string
	EntityID    string

	// Before is the keyset cursor: only rows with log_id < Before.
	Before string
	Limit  int
}

// Reader is the read path used by the query service.
type Reader interface {
	List(ctx context.Context, q ListQuery) ([]Row, error)
	Get(ctx context.Context, logID string) (*Row, error)
	// Resolve marks one security row resolved. It never touches another
	// column or another row.
	Resolve(ctx context.Context, logID, resolvedBy string, at time.Time) (*Row, error)
}

// Repository is the full storage surface.
type Repository interface {
	Store
	Reader
	Close()
}

// VisibleTo applies the visibility rules for a non-admin viewer.
func (r *Row) VisibleTo(viewer string) bool {
	if viewer == "" {
		return false
	}
	actor, subject := models.Deref(r.ActorID), models.Deref(r.SubjectID)
	switch r.Visibility {
	case models.VisibilityActorOnly:
		return actor == viewer
	case models.VisibilityActorAndSubject:
		return actor == viewer || subject == viewer
	default:
		return false
	}
}
