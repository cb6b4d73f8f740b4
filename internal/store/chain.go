package store

import (
	"context"
	"sync"

	"carbon-scribe/mrv-registry/internal/events"
)

// DefaultAuditPage is the number of events read per page by ChainAuditor.
const DefaultAuditPage = 500

// ChainAuditor checks the persisted event chain incrementally. Each call to
// Verify resumes after the last event it accepted, so a run only reads events
// appended since the previous one.
type ChainAuditor struct {
	store Store
	page  int

	mu   sync.Mutex
	seq  uint64
	hash string
}

// NewChainAuditor creates an auditor starting at the genesis event.
func NewChainAuditor(st Store, page int) *ChainAuditor {
	if page <= 0 {
		page = DefaultAuditPage
	}
	return &ChainAuditor{store: st, page: page, hash: events.GenesisHash}
}

// Verify reads and checks every event after the cursor. On failure the
// cursor stays at the last verified event.
func (a *ChainAuditor) Verify(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page []events.Event
		err := a.store.View(ctx, func(tx ReadTx) error {
			var err error
			page, err = tx.ListEvents(a.seq, a.page)
			return err
		})
		if err != nil {
			return err
		}
		if err := events.VerifyFrom(a.seq, a.hash, page); err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		last := page[len(page)-1]
		a.seq, a.hash = last.Sequence, last.Hash
		if len(page) < a.page {
			return nil
		}
	}
}

// Position returns the sequence and hash of the last verified event.
func (a *ChainAuditor) Position() (uint64, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq, a.hash
}
