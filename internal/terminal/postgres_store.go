package terminal

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists the terminal registry in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed terminal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Terminal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO terminals (
			id, name, type, location_id, enabled,
			ip_address, port, serial_number, model,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Name, string(t.Type), t.LocationID, t.Enabled,
		t.IPAddress, t.Port, t.SerialNumber, t.Model,
		t.CreatedAt, t.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrTerminalExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Terminal, error) {
	t, err := scanTerminal(p.db.QueryRowContext(ctx, `
		SELECT id, name, type, location_id, enabled,
		       ip_address, port, serial_number, model,
		       created_at, updated_at
		FROM terminals WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrTerminalNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Terminal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE terminals SET
			name = $1, type = $2, location_id = $3, enabled = $4,
			ip_address = $5, port = $6, serial_number = $7, model = $8,
			updated_at = $9
		WHERE id = $10`,
		t.Name, string(t.Type), t.LocationID, t.Enabled,
		t.IPAddress, t.Port, t.SerialNumber, t.Model,
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTerminalNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM terminals WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTerminalNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Terminal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, type, location_id, enabled,
		       ip_address, port, serial_number, model,
		       created_at, updated_at
		FROM terminals
		ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTerminals(rows)
}

func (p *PostgresStore) ListByLocation(ctx context.Context, locationID string) ([]*Terminal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, type, location_id, enabled,
		       ip_address, port, serial_number, model,
		       created_at, updated_at
		FROM terminals
		WHERE location_id = $1
		ORDER BY id ASC`, locationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTerminals(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTerminal(row rowScanner) (*Terminal, error) {
	var t Terminal
	var typ string
	if err := row.Scan(
		&t.ID, &t.Name, &typ, &t.LocationID, &t.Enabled,
		&t.IPAddress, &t.Port, &t.SerialNumber, &t.Model,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	return &t, nil
}

func scanTerminals(rows *sql.Rows) ([]*Terminal, error) {
	var result []*Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
