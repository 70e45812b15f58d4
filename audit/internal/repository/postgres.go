package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/logid"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/common/database"
)

// insertChunk bounds the number of statements sent in one pgx batch.
const insertChunk = 1000

// DefaultListLimit applies when ListQuery.Limit is not positive.
const DefaultListLimit = 50

const columns = `log_id, event_type, category, log_type, severity, visibility,
	actor_id, subject_id, entity_type, entity_id, description, payload,
	session_id, ip, user_agent, request_id, trace_id, correlation_id,
	occurred_at, created, resolved, resolved_at, resolved_by, signature`

const insertSQL = `
	INSERT INTO audit_log (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
	        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	ON CONFLICT (log_id) DO NOTHING
`

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to connString and verifies the connection.
func NewPostgresRepository(ctx context.Context, connString string, cfg database.PoolConfig) (*PostgresRepository, error) {
	pool, err := database.NewPool(ctx, connString, cfg)
	if err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

// Pool exposes the pool for health checks.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// InsertBatch inserts rows inside one transaction. Each row is its own
// INSERT ... ON CONFLICT DO NOTHING so a redelivered log id is counted as
// skipped instead of failing the batch.
func (r *PostgresRepository) InsertBatch(ctx context.Context, rows []Row) (InsertResult, error) {
	var res InsertResult
	if len(rows) == 0 {
		return res, nil
	}

	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return InsertResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))

		batch := &pgx.Batch{}
		for i := start; i < end; i++ {
			batch.Queue(insertSQL, insertArgs(&rows[i])...)
		}

		br := tx.SendBatch(ctx, batch)
		for i := start; i < end; i++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return InsertResult{}, fmt.Errorf("failed to insert %s: %w", rows[i].LogID, err)
			}
			if tag.RowsAffected() == 1 {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}
		if err := br.Close(); err != nil {
			return InsertResult{}, fmt.Errorf("failed to close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}
	return res, nil
}

func insertArgs(row *Row) []any {
	return []any{
		row.LogID, row.EventType, row.Category, row.LogType, row.Severity, row.Visibility,
		row.ActorID, row.SubjectID, row.EntityType, row.EntityID, row.Description, string(row.Payload),
		row.SessionID, row.IP, row.UserAgent, row.RequestID, row.TraceID, row.CorrelationID,
		row.OccurredAt, row.Created, row.Resolved, row.ResolvedAt, row.ResolvedBy, row.Signature,
	}
}

// Get retrieves one row by log id.
func (r *PostgresRepository) Get(ctx context.Context, logID string) (*Row, error) {
	query := `SELECT ` + columns + ` FROM audit_log WHERE log_id = $1`

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	row, err := scanRow(r.pool.QueryRow(ctx, query, logID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return row, nil
}

// List returns rows matching q, newest log id first.
func (r *PostgresRepository) List(ctx context.Context, q ListQuery) ([]Row, error) {
	whereClause, args, err := buildWhere(q)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM audit_log %s ORDER BY log_id DESC LIMIT $%d`,
		columns, whereClause, len(args))

	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return out, nil
}

func buildWhere(q ListQuery) (string, []any, error) {
	whereClause := "WHERE 1=1"
	args := []any{}
	argPos := 1

	add := func(format string, v any) {
		whereClause += fmt.Sprintf(format, argPos)
		args = append(args, v)
		argPos++
	}

	if !q.Admin {
		if q.Viewer == "" {
			return "WHERE FALSE", nil, nil
		}
		whereClause += fmt.Sprintf(` AND ((visibility = 'actor_only' AND actor_id = $%[1]d)
			OR (visibility = 'actor_and_subject' AND (actor_id = $%[1]d OR subject_id = $%[1]d)))`, argPos)
		args = append(args, q.Viewer)
		argPos++
	}
	if q.Before != "" {
		if _, err := logid.Parse(q.Before); err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		add(" AND log_id < $%d", q.Before)
	}
	if q.From != nil {
		add(" AND occurred_at >= $%d", q.From.UTC())
	}
	if q.To != nil {
		add(" AND occurred_at < $%d", q.To.UTC())
	}
	if len(q.Categories) > 0 {
		add(" AND category = ANY($%d)", toStrings(q.Categories))
	}
	if len(q.LogTypes) > 0 {
		add(" AND log_type = ANY($%d)", toStrings(q.LogTypes))
	}
	if q.MinSeverity != "" {
		add(" AND severity = ANY($%d)", severitiesFrom(q.MinSeverity))
	}
	if q.Resolved != nil {
		add(" AND resolved = $%d", *q.Resolved)
	}
	if q.UserID != "" {
		whereClause += fmt.Sprintf(" AND (actor_id = $%[1]d OR subject_id = $%[1]d)", argPos)
		args = append(args, q.UserID)
		argPos++
	}
	if q.EventType != "" {
		add(" AND event_type = $%d", q.EventType)
	}
	if q.EntityType != "" {
		add(" AND entity_type = $%d", q.EntityType)
	}
	if q.EntityID != "" {
		add(" AND entity_id = $%d", q.EntityID)
	}
	return whereClause, args, nil
}

// Resolve marks a security row resolved with a single UPDATE by primary
// key. When nothing was updated the row is read back to report why.
func (r *PostgresRepository) Resolve(ctx context.Context, logID, resolvedBy string, at time.Time) (*Row, error) {
	query := `
		UPDATE audit_log
		SET resolved = TRUE, resolved_at = $2, resolved_by = $3
		WHERE log_id = $1 AND category = 'security' AND resolved = FALSE
		RETURNING ` + columns

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	row, err := scanRow(r.pool.QueryRow(ctx, query, logID, at.UTC().Truncate(time.Microsecond), resolvedBy))
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve audit record: %w", err)
	}

	existing, err := r.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	return nil, resolveConflict(existing)
}

func resolveConflict(row *Row) error {
	if row.Category != models.CategorySecurity {
		return ErrNotResolvable
	}
	return ErrAlreadyResolved
}

func scanRow(s pgx.Row) (*Row, error) {
	var row Row
	var payload []byte
	err := s.Scan(
		&row.LogID, &row.EventType, &row.Category, &row.LogType, &row.Severity, &row.Visibility,
		&row.ActorID, &row.SubjectID, &row.EntityType, &row.EntityID, &row.Description, &payload,
		&row.SessionID, &row.IP, &row.UserAgent, &row.RequestID, &row.TraceID, &row.CorrelationID,
		&row.OccurredAt, &row.Created, &row.Resolved, &row.ResolvedAt, &row.ResolvedBy, &row.Signature,
	)
	if err != nil {
		return nil, err
	}
	row.Payload = payload
	row.OccurredAt = row.OccurredAt.UTC()
	row.Created = row.Created.UTC()
	if row.ResolvedAt != nil {
		t := row.ResolvedAt.UTC()
		row.ResolvedAt = &t
	}
	return &row, nil
}

func toStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// severitiesFrom lists floor and every more severe level.
func severitiesFrom(floor models.Severity) []string {
	var out []string
	for _, s := range []models.Severity{
		models.SeverityInfo, models.SeverityLow, models.SeverityMedium,
		models.SeverityHigh, models.SeverityCritical,
	} {
		if s.AtLeast(floor) {
			out = append(out, string(s))
		}
	}
	return out
}
