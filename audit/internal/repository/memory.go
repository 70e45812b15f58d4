package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/logid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/common/database"
)

// MemoryRepository keeps rows in process. It enforces the same checks as
// the audit_log table and reports violations as *pgconn.PgError so error
// classification behaves like PostgreSQL.
type MemoryRepository struct {
	mu     sync.RWMutex
	rows   map[string]Row
	closed bool

	// FailInsert, when set, is returned by InsertBatch before anything is
	// stored.
	FailInsert error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Row)}
}

// InsertBatch validates every row first so a failing batch stores nothing.
func (r *MemoryRepository) InsertBatch(ctx context.Context, rows []Row) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return InsertResult{}, ErrRepositoryClosed
	}
	if r.FailInsert != nil {
		return InsertResult{}, r.FailInsert
	}
	for i := range rows {
		if err := checkRow(&rows[i]); err != nil {
			return InsertResult{}, fmt.Errorf("failed to insert %s: %w", rows[i].LogID, err)
		}
	}

	var res InsertResult
	for _, row := range rows {
		if _, exists := r.rows[row.LogID]; exists {
			res.Skipped++
			continue
		}
		row.Payload = slices.Clone(row.Payload)
		r.rows[row.LogID] = row
		res.Inserted++
	}
	return res, nil
}

func (r *MemoryRepository) Get(ctx context.Context, logID string) (*Row, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[logID]
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (r *MemoryRepository) List(ctx context.Context, q ListQuery) ([]Row, error) {
	if q.Before != "" {
		if _, err := logid.Parse(q.Before); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Row
	for _, row := range r.rows {
		if matches(&row, q) {
			out = append(out, row)
		}
	}
	slices.SortFunc(out, func(a, b Row) int {
		// fixed-width ids sort lexically
		switch {
		case a.LogID > b.LogID:
			return -1
		case a.LogID < b.LogID:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(row *Row, q ListQuery) bool {
	if !q.Admin && !row.VisibleTo(q.Viewer) {
		return false
	}
	if q.Before != "" && row.LogID >= q.Before {
		return false
	}
	if q.From != nil && row.OccurredAt.Before(*q.From) {
		return false
	}
	if q.To != nil && !row.OccurredAt.Before(*q.To) {
		return false
	}
	if len(q.Categories) > 0 && !slices.Contains(q.Categories, row.Category) {
		return false
	}
	if len(q.LogTypes) > 0 && !slices.Contains(q.LogTypes, row.LogType) {
		return false
	}
	if q.MinSeverity != "" && !row.Severity.AtLeast(q.MinSeverity) {
		return false
	}
	if q.Resolved != nil && row.Resolved != *q.Resolved {
		return false
	}
	if q.UserID != "" && !derefEq(row.ActorID, q.UserID) && !derefEq(row.SubjectID, q.UserID) {
		return false
	}
	if q.EventType != "" && row.EventType != q.EventType {
		return false
	}
	if q.EntityType != "" && !derefEq(row.EntityType, q.EntityType) {
		return false
	}
	if q.EntityID != "" && !derefEq(row.EntityID, q.EntityID) {
		return false
	}
	return true
}

func derefEq(p *string, s string) bool {
	return p != nil && *p == s
}

func (r *MemoryRepository) Resolve(ctx context.Context, logID, resolvedBy string, at time.Time) (*Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[logID]
	if !ok {
		return nil, ErrNotFound
	}
	if row.Category != models.CategorySecurity || row.Resolved {
		return nil, resolveConflict(&row)
	}

	resolvedAt := at.UTC().Truncate(time.Microsecond)
	row.Resolved = true
	row.ResolvedAt = &resolvedAt
	row.ResolvedBy = &resolvedBy
	r.rows[logID] = row
	return &row, nil
}

// Len returns the number of stored rows.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

// Rows returns every stored row, oldest first.
func (r *MemoryRepository) Rows() []Row {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Row, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b Row) int {
		switch {
		case a.LogID < b.LogID:
			return -1
		case a.LogID > b.LogID:
			return 1
		}
		return 0
	})
	return out
}

func (r *MemoryRepository) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// checkRow mirrors the NOT NULL and CHECK constraints of audit_log.
func checkRow(row *Row) error {
	switch {
	case len(row.LogID) != logid.Width:
		return checkViolation("audit_log_log_id_check", "log_id must be 19 characters")
	case row.EventType == "":
		return &pgconn.PgError{Code: database.CodeNotNullViolation, ColumnName: "event_type", TableName: Table,
			Message: `null value in column "event_type" violates not-null constraint`}
	case !row.Category.Valid():
		return checkViolation("audit_log_category_check", "invalid category")
	case !row.LogType.Valid():
		return checkViolation("audit_log_log_type_check", "invalid log_type")
	case !row.Severity.Valid():
		return checkViolation("audit_log_severity_check", "invalid severity")
	case !row.Visibility.Valid():
		return checkViolation("audit_log_visibility_check", "invalid visibility")
	case row.OccurredAt.After(row.Created):
		return checkViolation("audit_log_occurred_before_created", "occurred_at is after created")
	case row.Resolved && row.Category != models.CategorySecurity:
		return checkViolation("audit_log_resolution_security_only", "only security rows can be resolved")
	}
	return nil
}

func checkViolation(constraint, msg string) error {
	return &pgconn.PgError{
		Code:           database.CodeCheckViolation,
		ConstraintName: constraint,
		TableName:      Table,
		Message:        fmt.Sprintf(`new row for relation "%s" violates check constraint "%s": %s`, Table, constraint, msg),
	}
}
