package audit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, event_type, aggregate_id, location_id, amount_cents,
			payload, processed, processed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.EventType, e.AggregateID, e.LocationID, e.AmountCents,
		nullableJSON(e.Payload), e.Processed, e.ProcessedAt, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT id, event_type, aggregate_id, location_id, amount_cents,
		       payload, processed, processed_at, created_at
		FROM audit_log WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByAggregate(ctx context.Context, eventType, aggregateID string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT id, event_type, aggregate_id, location_id, amount_cents,
		       payload, processed, processed_at, created_at
		FROM audit_log
		WHERE event_type = $1 AND aggregate_id = $2
		ORDER BY created_at DESC
		LIMIT 1`, eventType, aggregateID))
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}

	var processed sql.NullBool
	if f.Processed != nil {
		processed = sql.NullBool{Bool: *f.Processed, Valid: true}
	}
	var since, until sql.NullTime
	if !f.Since.IsZero() {
		since = sql.NullTime{Time: f.Since, Valid: true}
	}
	if !f.Until.IsZero() {
		until = sql.NullTime{Time: f.Until, Valid: true}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, event_type, aggregate_id, location_id, amount_cents,
		       payload, processed, processed_at, created_at
		FROM audit_log
		WHERE ($1 = '' OR event_type = $1)
		  AND ($2 = '' OR location_id = $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR created_at >= $3)
		  AND ($4::TIMESTAMPTZ IS NULL OR created_at < $4)
		  AND ($5::BOOLEAN IS NULL OR processed = $5)
		ORDER BY created_at ASC
		LIMIT $6`,
		f.EventType, f.LocationID, since, until, processed, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumAmountsSince(ctx context.Context, eventType, locationID string, since time.Time) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM audit_log
		WHERE event_type = $1 AND location_id = $2 AND created_at >= $3`,
		eventType, locationID, since).Scan(&total)
	return total, err
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE audit_log SET processed = TRUE, processed_at = $1 WHERE id = $2`,
		at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var payload []byte
	var processedAt sql.NullTime
	if err := row.Scan(
		&e.ID, &e.EventType, &e.AggregateID, &e.LocationID, &e.AmountCents,
		&payload, &e.Processed, &processedAt, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return &e, nil
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
