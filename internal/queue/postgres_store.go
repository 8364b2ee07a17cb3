package queue

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists queued operations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed queue store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, op *Operation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO queue_operations (
			id, type, payload, status, attempts, max_attempts, priority,
			error, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		op.ID, string(op.Type), []byte(op.Payload), string(op.Status),
		op.Attempts, op.MaxAttempts, op.Priority,
		op.Error, op.CreatedAt, op.UpdatedAt, op.CompletedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Operation, error) {
	op, err := scanOperation(p.db.QueryRowContext(ctx, `
		SELECT id, type, payload, status, attempts, max_attempts, priority,
		       error, created_at, updated_at, completed_at
		FROM queue_operations WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	return op, err
}

func (p *PostgresStore) Update(ctx context.Context, op *Operation) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE queue_operations SET
			status = $1, attempts = $2, error = $3,
			updated_at = $4, completed_at = $5
		WHERE id = $6`,
		string(op.Status), op.Attempts, op.Error,
		op.UpdatedAt, op.CompletedAt, op.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, payload, status, attempts, max_attempts, priority,
		       error, created_at, updated_at, completed_at
		FROM queue_operations
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Metrics(ctx context.Context) (*Metrics, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_operations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var m Metrics
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusPending:
			m.Pending = count
		case StatusProcessing:
			m.Processing = count
		case StatusCompleted:
			m.Completed = count
		case StatusFailed:
			m.Failed = count
		}
	}
	return &m, rows.Err()
}

func (p *PostgresStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM queue_operations
		WHERE status = 'completed' AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var typ, status string
	var payload []byte
	var completedAt sql.NullTime
	if err := row.Scan(
		&op.ID, &typ, &payload, &status, &op.Attempts, &op.MaxAttempts,
		&op.Priority, &op.Error, &op.CreatedAt, &op.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	op.Type = Type(typ)
	op.Status = Status(status)
	op.Payload = payload
	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}
	return &op, nil
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
