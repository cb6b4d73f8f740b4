package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-scribe/mrv-registry/internal/events"
)

func appendEvents(t *testing.T, s Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Update(context.Background(), func(tx Tx) error {
			_, err := tx.AppendEvents([]events.Event{events.New(events.CreditsIssued, "minter", "p1", map[string]any{"amount": int64(i)})})
			return err
		}))
	}
}

func TestChainAuditor_Incremental(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	auditor := NewChainAuditor(s, 2)

	require.NoError(t, auditor.Verify(ctx))
	seq, hash := auditor.Position()
	assert.Zero(t, seq)
	assert.Equal(t, events.GenesisHash, hash)

	appendEvents(t, s, 5)
	require.NoError(t, auditor.Verify(ctx))
	seq, _ = auditor.Position()
	assert.Equal(t, uint64(5), seq)

	appendEvents(t, s, 1)
	require.NoError(t, auditor.Verify(ctx))
	seq, hash = auditor.Position()
	assert.Equal(t, uint64(6), seq)
	var tail string
	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		_, tail, _ = tx.EventTail()
		return nil
	}))
	assert.Equal(t, tail, hash)
}

// tamperedStore serves a modified copy of one event.
type tamperedStore struct {
	Store
	seq uint64
}

func (s tamperedStore) View(ctx context.Context, fn func(tx ReadTx) error) error {
	return s.Store.View(ctx, func(tx ReadTx) error {
		return fn(tamperedTx{ReadTx: tx, seq: s.seq})
	})
}

type tamperedTx struct {
	ReadTx
	seq uint64
}

func (t tamperedTx) ListEvents(after uint64, limit int) ([]events.Event, error) {
	out, err := t.ReadTx.ListEvents(after, limit)
	for i := range out {
		if out[i].Sequence == t.seq {
			out[i].Data = map[string]any{"amount": int64(1_000_000)}
		}
	}
	return out, err
}

func TestChainAuditor_DetectsTampering(t *testing.T) {
	s := NewMemoryStore()
	appendEvents(t, s, 4)

	auditor := NewChainAuditor(tamperedStore{Store: s, seq: 3}, 10)
	err := auditor.Verify(context.Background())
	assert.ErrorIs(t, err, events.ErrChainBroken)
	seq, _ := auditor.Position()
	assert.Zero(t, seq)
}

func TestChainAuditor_DetectsLostPrefix(t *testing.T) {
	s := NewMemoryStore(WithEventRetention(2))
	appendEvents(t, s, 4)

	// Retained events no longer link to genesis.
	err := NewChainAuditor(s, 10).Verify(context.Background())
	assert.ErrorIs(t, err, events.ErrChainBroken)
}
