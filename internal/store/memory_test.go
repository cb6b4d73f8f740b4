package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-scribe/mrv-registry/internal/events"
)

func seedProject(t *testing.T, s *MemoryStore, id string, owner Identity) {
	t.Helper()
	err := s.Update(context.Background(), func(tx Tx) error {
		return tx.InsertProject(&Project{ID: id, Name: id, Owner: owner, Active: true, CreatedAt: time.Now()})
	})
	require.NoError(t, err)
}

func TestMemoryStore_UpdateRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	seedProject(t, s, "p1", "alice")
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx Tx) error {
		require.NoError(t, tx.SetPaused(true))
		require.NoError(t, tx.GrantRole(RoleGrant{Role: RoleAdmin, Identity: "alice"}))
		require.NoError(t, tx.InsertProject(&Project{ID: "p2", Name: "two", Owner: "bob", Active: true}))
		require.NoError(t, tx.InsertRecord(&MRVRecord{ID: 1, ProjectID: "p1", Status: StatusPending}))
		require.NoError(t, tx.InsertBatch(&CreditBatch{ID: 1, RecordID: 1, ProjectID: "p1", TotalAmount: 10, SerialNumber: "S-1", Recipient: "alice"}))
		require.NoError(t, tx.AddBalance("alice", 1, 10))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx ReadTx) error {
		paused, _ := tx.Paused()
		assert.False(t, paused)

		isAdmin, _ := tx.HasRole(RoleAdmin, "alice")
		assert.False(t, isAdmin)

		_, err := tx.GetProject("p2")
		assert.ErrorIs(t, err, ErrNotFound)
		owned, _ := tx.ListProjectsByOwner("bob")
		assert.Empty(t, owned)

		p, err := tx.GetProject("p1")
		require.NoError(t, err)
		assert.Empty(t, p.RecordIDs)

		_, err = tx.GetRecord(1)
		assert.ErrorIs(t, err, ErrNotFound)
		exists, _ := tx.SerialExists("S-1")
		assert.False(t, exists)

		bal, _ := tx.Balance("alice", 1)
		assert.Zero(t, bal)
		held, _ := tx.ListBatchesByHolder("alice")
		assert.Empty(t, held)

		supply, _ := tx.Supply()
		assert.Equal(t, Supply{}, supply)

		next, _ := tx.(Tx).NextRecordID()
		assert.Equal(t, uint64(1), next)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_UpdateRollsBackOnPanic(t *testing.T) {
	s := NewMemoryStore()
	seedProject(t, s, "p1", "alice")

	assert.Panics(t, func() {
		_ = s.Update(context.Background(), func(tx Tx) error {
			_ = tx.SetPaused(true)
			panic("unexpected")
		})
	})

	err := s.View(context.Background(), func(tx ReadTx) error {
		paused, _ := tx.Paused()
		assert.False(t, paused)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_AddBalanceRejectsNegative(t *testing.T) {
	s := NewMemoryStore()
	seedProject(t, s, "p1", "alice")
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		if err := tx.InsertRecord(&MRVRecord{ID: 1, ProjectID: "p1"}); err != nil {
			return err
		}
		if err := tx.InsertBatch(&CreditBatch{ID: 1, RecordID: 1, ProjectID: "p1", TotalAmount: 5, SerialNumber: "S-1", Recipient: "alice"}); err != nil {
			return err
		}
		return tx.AddBalance("alice", 1, 5)
	}))

	err := s.Update(ctx, func(tx Tx) error {
		return tx.AddBalance("alice", 1, -6)
	})
	assert.ErrorIs(t, err, ErrNegativeBalance)

	err = s.Update(ctx, func(tx Tx) error {
		return tx.AddBalance("alice", 99, 1)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UniqueConstraints(t *testing.T) {
	s := NewMemoryStore()
	seedProject(t, s, "p1", "alice")
	ctx := context.Background()

	err := s.Update(ctx, func(tx Tx) error {
		return tx.InsertProject(&Project{ID: "p1", Name: "again", Owner: "bob"})
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		if err := tx.InsertRecord(&MRVRecord{ID: 1, ProjectID: "p1"}); err != nil {
			return err
		}
		if err := tx.InsertRecord(&MRVRecord{ID: 2, ProjectID: "p1"}); err != nil {
			return err
		}
		return tx.InsertBatch(&CreditBatch{ID: 1, RecordID: 1, ProjectID: "p1", TotalAmount: 5, SerialNumber: "S-1", Recipient: "alice"})
	}))

	err = s.Update(ctx, func(tx Tx) error {
		return tx.InsertBatch(&CreditBatch{ID: 2, RecordID: 1, ProjectID: "p1", TotalAmount: 5, SerialNumber: "S-2", Recipient: "alice"})
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	err = s.Update(ctx, func(tx Tx) error {
		return tx.InsertBatch(&CreditBatch{ID: 2, RecordID: 2, ProjectID: "p1", TotalAmount: 5, SerialNumber: "S-1", Recipient: "alice"})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_ReadsReturnCopies(t *testing.T) {
	s := NewMemoryStore()
	seedProject(t, s, "p1", "alice")
	ctx := context.Background()

	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		p, err := tx.GetProject("p1")
		require.NoError(t, err)
		p.Name = "mutated"
		p.RecordIDs = append(p.RecordIDs, 42)
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		p, err := tx.GetProject("p1")
		require.NoError(t, err)
		assert.Equal(t, "p1", p.Name)
		assert.Empty(t, p.RecordIDs)
		return nil
	}))
}

func TestMemoryStore_Retirements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		return tx.InsertRetirement(&Retirement{
			ID:     id,
			Holder: "alice",
			Amount: 7,
			Reason: "offset",
			Allocations: []RetirementAllocation{
				{RetirementID: id, BatchID: 1, ProjectID: "p1", Amount: 7},
			},
		})
	}))

	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		r, err := tx.GetRetirement(id)
		require.NoError(t, err)
		assert.Equal(t, int64(7), r.Amount)
		require.Len(t, r.Allocations, 1)

		total, _ := tx.RetiredBy("alice")
		assert.Equal(t, int64(7), total)

		list, _ := tx.ListRetirements("alice")
		assert.Len(t, list, 1)

		_, err = tx.GetRetirement(uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Update(ctx, func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	err = s.View(ctx, func(tx ReadTx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_Overflow(t *testing.T) {
	s := NewMemoryStore()
	seedProject(t, s, "p1", "alice")
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		if err := tx.InsertBatch(&CreditBatch{ID: 1, RecordID: 1, ProjectID: "p1", TotalAmount: math.MaxInt64, SerialNumber: "S-1", Recipient: "alice"}); err != nil {
			return err
		}
		return tx.AddBalance("alice", 1, math.MaxInt64)
	}))

	err := s.Update(ctx, func(tx Tx) error {
		return tx.InsertBatch(&CreditBatch{ID: 2, RecordID: 2, ProjectID: "p1", TotalAmount: 1, SerialNumber: "S-2", Recipient: "alice"})
	})
	assert.ErrorIs(t, err, ErrOverflow)

	err = s.Update(ctx, func(tx Tx) error {
		return tx.AddBalance("alice", 1, 1)
	})
	assert.ErrorIs(t, err, ErrOverflow)

	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		supply, err := tx.Supply()
		require.NoError(t, err)
		assert.Equal(t, int64(math.MaxInt64), supply.TotalIssued)
		assert.Equal(t, int64(math.MaxInt64), supply.TotalOutstanding)
		exists, err := tx.SerialExists("S-2")
		require.NoError(t, err)
		assert.False(t, exists)
		bal, err := tx.Balance("alice", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(math.MaxInt64), bal)
		return nil
	}))
}

func TestAddAmounts(t *testing.T) {
	sum, err := AddAmounts(40, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sum)

	_, err = AddAmounts(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = AddAmounts(math.MinInt64, -1)
	assert.ErrorIs(t, err, ErrOverflow)

	sum, err = AddAmounts(math.MaxInt64, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-1), sum)
}

func TestMemoryStore_SecondaryIndexes(t *testing.T) {
	s := NewMemoryStore()
	seedProject(t, s, "p1", "alice")
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		for id, hash := range map[uint64]string{1: "bafy-a", 2: "bafy-b", 3: "bafy-a"} {
			if err := tx.InsertRecord(&MRVRecord{ID: id, ProjectID: "p1", DataHash: hash, Status: StatusPending}); err != nil {
				return err
			}
		}
		for id, vintage := range map[uint64]int{1: 2023, 2: 2024, 3: 2023} {
			if err := tx.InsertBatch(&CreditBatch{ID: id, RecordID: id, ProjectID: "p1", TotalAmount: 5, VintageYear: vintage,
				SerialNumber: fmt.Sprintf("S-%d", id), Recipient: "alice"}); err != nil {
				return err
			}
			if err := tx.AddBalance("alice", id, 5); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		records, err := tx.ListRecordsByDataHash("bafy-a")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, uint64(1), records[0].ID)
		assert.Equal(t, uint64(3), records[1].ID)

		none, err := tx.ListRecordsByDataHash("bafy-missing")
		require.NoError(t, err)
		assert.Empty(t, none)

		batches, err := tx.ListBatchesByVintage(2023)
		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.Equal(t, uint64(1), batches[0].ID)
		assert.Equal(t, uint64(3), batches[1].ID)

		held, err := tx.ListBatchesByHolder("alice")
		require.NoError(t, err)
		assert.Len(t, held, 3)
		return nil
	}))

	// Failed inserts leave no index entries behind.
	err := s.Update(ctx, func(tx Tx) error {
		if err := tx.InsertRecord(&MRVRecord{ID: 4, ProjectID: "p1", DataHash: "bafy-a"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		records, err := tx.ListRecordsByDataHash("bafy-a")
		require.NoError(t, err)
		assert.Len(t, records, 2)
		return nil
	}))
}

func TestMemoryStore_AppendEventsCommitsWithTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var sealed []events.Event
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		var err error
		sealed, err = tx.AppendEvents([]events.Event{
			events.New(events.RoleGranted, "admin", "", nil),
			events.New(events.RoleGranted, "admin", "", nil),
		})
		return err
	}))
	require.Len(t, sealed, 2)
	assert.Equal(t, uint64(2), sealed[1].Sequence)
	assert.Equal(t, sealed[0].Hash, sealed[1].PrevHash)

	err := s.Update(ctx, func(tx Tx) error {
		if _, err := tx.AppendEvents([]events.Event{events.New(events.RegistryPaused, "admin", "", nil)}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		seq, head, err := tx.EventTail()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq)
		assert.Equal(t, sealed[1].Hash, head)

		page, err := tx.ListEvents(1, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, sealed[1].Hash, page[0].Hash)
		return nil
	}))
}

func TestMemoryStore_EventRetention(t *testing.T) {
	s := NewMemoryStore(WithEventRetention(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			_, err := tx.AppendEvents([]events.Event{events.New(events.RoleGranted, "admin", "", nil)})
			return err
		}))
	}
	require.NoError(t, s.View(ctx, func(tx ReadTx) error {
		page, err := tx.ListEvents(0, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(4), page[0].Sequence)
		seq, _, err := tx.EventTail()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), seq)
		return nil
	}))
}
