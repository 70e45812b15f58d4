// Package query serves permission-scoped reads of the audit trail and the
// single mutation stored rows allow: resolving a security event.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/repository"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

var (
	ErrNotFound        = repository.ErrNotFound
	ErrAlreadyResolved = repository.ErrAlreadyResolved
	ErrNotResolvable   = repository.ErrNotResolvable
	ErrInvalidFilter   = errors.New("invalid audit filter")
	ErrNoSigner        = errors.New("row signing is not configured")
	ErrNoResolver      = errors.New("resolved_by is required")
)

// Viewer is the caller whose permissions scope a read.
type Viewer struct {
	UserID string
	Admin  bool
}

// Filter narrows a listing. Zero fields do not filter.
type Filter struct {
	From        *time.Time
	To          *time.Time
	Categories  []models.Category
	LogTypes    []models.LogType
	MinSeverity models.Severity
	Resolved    *bool
	UserID      string
	EventType   string
	EntityType  string
	EntityID    string

	// Cursor is the NextCursor of the previous page.
	Cursor string
	Limit  int
}

// Page is one listing result, newest first.
type Page struct {
	Items      []*models.Envelope `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type Service struct {
	reader repository.Reader
	signer repository.Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the query service. signer may be nil, in which case
// Verify is unavailable.
func NewService(reader repository.Reader, signer repository.Signer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reader: reader,
		signer: signer,
		logger: logger.With(slog.String(logging.FieldComponent, "query")),
		now:    time.Now,
	}
}

// List returns the rows viewer may see that match f.
func (s *Service) List(ctx context.Context, viewer Viewer, f Filter) (*Page, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	limit := f.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	rows, err := s.reader.List(ctx, repository.ListQuery{
		Viewer:      viewer.UserID,
		Admin:       viewer.Admin,
		From:        f.From,
		To:          f.To,
		Categories:  f.Categories,
		LogTypes:    f.LogTypes,
		MinSeverity: f.MinSeverity,
		Resolved:    f.Resolved,
		UserID:      f.UserID,
		EventType:   f.EventType,
		EntityType:  f.EntityType,
		EntityID:    f.EntityID,
		Before:      f.Cursor,
		Limit:       limit + 1,
	})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCursor) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	page := &Page{Items: make([]*models.Envelope, 0, min(len(rows), limit))}
	if len(rows) > limit {
		rows = rows[:limit]
		page.NextCursor = rows[limit-1].LogID
	}
	for i := range rows {
		env, err := rows[i].Envelope()
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, env)
	}
	return page, nil
}

// Get returns one row. Rows the viewer may not see are reported as not
// found.
func (s *Service) Get(ctx context.Context, viewer Viewer, logID string) (*models.Envelope, error) {
	row, err := s.reader.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	if !canView(viewer, row) {
		return nil, ErrNotFound
	}
	return row.Envelope()
}

// Resolve marks a security event resolved by resolvedBy. It updates that
// one row and nothing else.
func (s *Service) Resolve(ctx context.Context, logID, resolvedBy string) (*models.Envelope, error) {
	if resolvedBy == "" {
		return nil, ErrNoResolver
	}
	row, err := s.reader.Resolve(ctx, logID, resolvedBy, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "security event resolved",
		logging.LogID(logID),
		logging.UserID(resolvedBy),
	)
	return row.Envelope()
}

// Verify checks the stored signature of one row.
func (s *Service) Verify(ctx context.Context, logID string) (bool, error) {
	if s.signer == nil {
		return false, ErrNoSigner
	}
	row, err := s.reader.Get(ctx, logID)
	if err != nil {
		return false, err
	}
	ok := row.Verify(s.signer)
	if !ok {
		s.logger.WarnContext(ctx, "audit row failed signature verification", logging.LogID(logID))
	}
	return ok, nil
}

func canView(v Viewer, row *repository.Row) bool {
	return v.Admin || row.VisibleTo(v.UserID)
}

func (f *Filter) validate() error {
	for _, c := range f.Categories {
		if !c.Valid() {
			return fmt.Errorf("%w: category %q", ErrInvalidFilter, c)
		}
	}
	for _, l := range f.LogTypes {
		if !l.Valid() {
			return fmt.Errorf("%w: log type %q", ErrInvalidFilter, l)
		}
	}
	if f.MinSeverity != "" && !f.MinSeverity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidFilter, f.MinSeverity)
	}
	if f.EventType != "" {
		if _, ok := models.ParseEventType(f.EventType); !ok {
			return fmt.Errorf("%w: event type %q", ErrInvalidFilter, f.EventType)
		}
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidFilter)
	}
	return nil
}
