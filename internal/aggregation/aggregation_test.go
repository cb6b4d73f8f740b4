package aggregation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/metrics"
	"carbon-scribe/mrv-registry/internal/store"
)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	err := st.Update(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertProject(&store.Project{ID: "P2", Name: "Seagrass", Owner: "alice", Active: true}); err != nil {
			return err
		}
		stocks := []int64{125000, 135000, 145000}
		for i, stock := range stocks {
			if err := tx.InsertRecord(&store.MRVRecord{
				ID:                uint64(i + 1),
				ProjectID:         "P2",
				Latitude:          int64(i) * 1_000_000,
				Longitude:         int64(i) * 2_000_000,
				Area:              1000,
				CarbonStock:       stock,
				SequestrationRate: 10,
				Status:            store.StatusVerified,
			}); err != nil {
				return err
			}
		}
		return tx.InsertRecord(&store.MRVRecord{ID: 4, ProjectID: "P2", Area: 5, CarbonStock: 999, Status: store.StatusPending})
	})
	require.NoError(t, err)
	return st
}

func TestAggregator_CarbonStats(t *testing.T) {
	st := seed(t)
	agg := NewAggregator(st, time.Minute, zap.NewNop())
	defer agg.Stop()

	stats, err := agg.CarbonStats(context.Background(), "P2")
	require.NoError(t, err)
	assert.Equal(t, int64(405000), stats.TotalCarbonStock)
	assert.Equal(t, int64(30), stats.TotalSequestrationRate)
	assert.Equal(t, int64(3000), stats.TotalArea)
	assert.InDelta(t, 0.3, stats.TotalAreaHectares, 1e-9)
	assert.Equal(t, 3, stats.VerifiedRecordCount)
	require.NotNil(t, stats.Bounds)
	assert.InDelta(t, 2.0, stats.Bounds.MaxLat, 1e-9)
	assert.InDelta(t, 4.0, stats.Bounds.MaxLon, 1e-9)
	require.NotNil(t, stats.Centroid)
	assert.InDelta(t, 1.0, stats.Centroid.Lat(), 1e-9)
	assert.InDelta(t, 2.0, stats.Centroid.Lon(), 1e-9)
	// The corner sites are roughly 249 km from the centroid.
	assert.InDelta(t, 248_800, stats.SpreadMeters, 1_000)

	_, err = agg.CarbonStats(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAggregator_InvalidatesOnEvent(t *testing.T) {
	st := seed(t)
	agg := NewAggregator(st, time.Hour, zap.NewNop())
	defer agg.Stop()
	ctx := context.Background()

	first, err := agg.CarbonStats(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, 3, first.VerifiedRecordCount)

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		r, err := tx.GetRecord(4)
		if err != nil {
			return err
		}
		r.Status = store.StatusVerified
		return tx.UpdateRecord(r)
	}))

	cached, err := agg.CarbonStats(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, 3, cached.VerifiedRecordCount)

	agg.HandleEvent(events.New(events.MRVDataVerified, "verifier", "P2", nil))

	fresh, err := agg.CarbonStats(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, 4, fresh.VerifiedRecordCount)
	assert.Equal(t, int64(405999), fresh.TotalCarbonStock)
}

func TestAggregator_Summary(t *testing.T) {
	st := seed(t)
	agg := NewAggregator(st, time.Minute, zap.NewNop())
	defer agg.Stop()

	summary, err := agg.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Projects)
	assert.Equal(t, 1, summary.ActiveProjects)
	assert.Equal(t, 4, summary.Records)
	assert.Equal(t, 3, summary.RecordsByStatus[store.StatusVerified])
	assert.Equal(t, 1, summary.RecordsByStatus[store.StatusPending])
	assert.Equal(t, 0, summary.RecordsByStatus[store.StatusRejected])
}

func TestCache_GenerationBlocksStaleWrite(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	v, err := c.GetOrSet("k", func() (interface{}, error) {
		c.DeleteByPrefix("k")
		return "stale", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stale", v)

	_, ok := c.Get("k")
	assert.False(t, ok)

	_, err = c.GetOrSet("k", func() (interface{}, error) { return nil, errors.New("boom") })
	assert.Error(t, err)

	c.Set("k", "fresh")
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "fresh", got)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
}

type brokenChain struct{}

func (brokenChain) Verify(context.Context) error { return events.ErrChainBroken }

func TestWorker_RunOnce(t *testing.T) {
	st := seed(t)
	agg := NewAggregator(st, time.Minute, zap.NewNop())
	defer agg.Stop()

	w := NewWorker(agg, store.NewChainAuditor(st, 0), metrics.NewSupply(), zap.NewNop(), DefaultWorkerConfig())
	require.NoError(t, w.RunOnce(context.Background()))
	last := w.LastRun()
	require.NotNil(t, last)
	assert.Empty(t, last.Err)
	assert.Equal(t, 1, last.Summary.Projects)

	w = NewWorker(agg, brokenChain{}, metrics.NewSupply(), zap.NewNop(), DefaultWorkerConfig())
	err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, events.ErrChainBroken)
}

func TestWorker_DetectsConservationViolation(t *testing.T) {
	st := seed(t)
	require.NoError(t, st.Update(context.Background(), func(tx store.Tx) error {
		// A batch with no matching balance breaks issued == outstanding + retired.
		return tx.InsertBatch(&store.CreditBatch{ID: 1, RecordID: 1, ProjectID: "P2", TotalAmount: 100, SerialNumber: "S-1", Recipient: "alice"})
	}))
	agg := NewAggregator(st, time.Minute, zap.NewNop())
	defer agg.Stop()

	w := NewWorker(agg, nil, metrics.NewSupply(), zap.NewNop(), DefaultWorkerConfig())
	err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrConservation)
	assert.NotEmpty(t, w.LastRun().Err)
}

func TestWorker_StartStop(t *testing.T) {
	st := seed(t)
	agg := NewAggregator(st, time.Minute, zap.NewNop())
	defer agg.Stop()

	w := NewWorker(agg, nil, metrics.NewSupply(), zap.NewNop(), WorkerConfig{Schedule: "@every 1h", Timeout: time.Second})
	require.NoError(t, w.Start(context.Background()))
	assert.NotNil(t, w.LastRun())
	w.Stop()

	bad := NewWorker(agg, nil, metrics.NewSupply(), zap.NewNop(), WorkerConfig{Schedule: "not a schedule", Timeout: time.Second})
	assert.Error(t, bad.Start(context.Background()))
}
