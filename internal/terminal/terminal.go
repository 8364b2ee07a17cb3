// Package terminal manages the payment terminal fleet: a persistent
// registry, periodic health polling, and best-terminal selection.
package terminal

import (
	"context"
	"errors"
	"time"
)

// Type discriminates terminal hardware classes.
type Type string

const (
	TypePAX     Type = "PAX"
	TypeVirtual Type = "VIRTUAL"
)

// Sentinel errors.
var (
	ErrTerminalNotFound = errors.New("terminal: not found")
	ErrTerminalExists   = errors.New("terminal: already exists")
)

// Terminal is one registered payment device. The in-memory registry held
// by the Manager is the authoritative runtime view; the Store is the
// persistence boundary it is loaded from at startup.
type Terminal struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         Type      `json:"type"`
	LocationID   string    `json:"locationId"`
	Enabled      bool      `json:"enabled"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	Port         int       `json:"port,omitempty"`
	SerialNumber string    `json:"serialNumber,omitempty"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Health is the latest health snapshot for one terminal. Recomputed on
// each poll; only the latest value is kept, never history.
type Health struct {
	TerminalID    string    `json:"terminalId"`
	Online        bool      `json:"online"`
	Healthy       bool      `json:"healthy"`
	LastCheck     time.Time `json:"lastCheck"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitzero"`
	Issues        []string  `json:"issues,omitempty"`
}

// Store is the registry persistence boundary.
type Store interface {
	Create(ctx context.Context, t *Terminal) error
	Get(ctx context.Context, id string) (*Terminal, error)
	Update(ctx context.Context, t *Terminal) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Terminal, error)
	ListByLocation(ctx context.Context, locationID string) ([]*Terminal, error)
}
