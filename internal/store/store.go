// Package store is the single authoritative state of the registry. All access
// goes through a transaction boundary: Update serializes writers and View reads
// a consistent snapshot.
package store

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	"carbon-scribe/mrv-registry/internal/events"
)

var (
	// ErrNotFound is returned by lookups of unknown keys.
	ErrNotFound = errors.New("not found")
	// ErrOverflow is returned when an amount or total would not fit in an int64.
	ErrOverflow = errors.New("amount overflows int64")
)

// AddAmounts returns a+b or ErrOverflow.
func AddAmounts(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Store opens transactions against the registry state.
type Store interface {
	// Update runs fn in a serialized read-write transaction. If fn returns an
	// error nothing it wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx ReadTx) error) error
	Close() error
}

// ReadTx is the read side of a transaction.
type ReadTx interface {
	Paused() (bool, error)
	HasRole(role Role, who Identity) (bool, error)
	RoleMembers(role Role) ([]Identity, error)

	GetProject(id string) (*Project, error)
	ListProjects() ([]*Project, error)
	ListProjectsByOwner(owner Identity) ([]*Project, error)

	GetRecord(id uint64) (*MRVRecord, error)
	ListRecordsByProject(projectID string) ([]*MRVRecord, error)
	// ListRecordsByDataHash returns every record submitted with hash, oldest first.
	ListRecordsByDataHash(hash string) ([]*MRVRecord, error)

	GetBatch(id uint64) (*CreditBatch, error)
	BatchForRecord(recordID uint64) (*CreditBatch, error)
	SerialExists(serial string) (bool, error)
	ListBatchesByProject(projectID string) ([]*CreditBatch, error)
	// ListBatchesByHolder returns the batches holder has received or held.
	ListBatchesByHolder(holder Identity) ([]*CreditBatch, error)
	ListBatchesByVintage(year int) ([]*CreditBatch, error)

	Balance(holder Identity, batchID uint64) (int64, error)
	Holdings(holder Identity) ([]Holding, error)
	RetiredBy(holder Identity) (int64, error)
	GetRetirement(id uuid.UUID) (*Retirement, error)
	ListRetirements(holder Identity) ([]*Retirement, error)
	Supply() (Supply, error)

	// ListEvents returns up to limit committed events after sequence after.
	ListEvents(after uint64, limit int) ([]events.Event, error)
	// EventTail returns the sequence and hash of the last committed event.
	EventTail() (uint64, string, error)
}

// Tx is a read-write transaction.
type Tx interface {
	ReadTx

	SetPaused(paused bool) error
	GrantRole(grant RoleGrant) error
	RevokeRole(role Role, who Identity) error

	InsertProject(p *Project) error
	UpdateProject(p *Project) error

	NextRecordID() (uint64, error)
	// InsertRecord stores r and appends its id to the owning project's record list.
	InsertRecord(r *MRVRecord) error
	UpdateRecord(r *MRVRecord) error

	NextBatchID() (uint64, error)
	InsertBatch(b *CreditBatch) error
	UpdateBatch(b *CreditBatch) error

	// AddBalance adjusts a per-batch balance by delta. A result below zero
	// or beyond int64 is an error.
	AddBalance(holder Identity, batchID uint64, delta int64) error
	InsertRetirement(r *Retirement) error

	// AppendEvents sequences evts after the last committed event and links
	// them into the chain. They commit or roll back with the transaction.
	AppendEvents(evts []events.Event) ([]events.Event, error)
}
