// Package aggregation computes read-side statistics over the registry and
// caches them until an event invalidates the affected project.
package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/store"
	"carbon-scribe/mrv-registry/pkg/geospatial"
)

const summaryKey = "summary"

// CarbonStats sums the measurements of a project's verified records.
type CarbonStats struct {
	ProjectID              string                  `json:"project_id"`
	TotalCarbonStock       int64                   `json:"total_carbon_stock"`
	TotalSequestrationRate int64                   `json:"total_sequestration_rate"`
	TotalArea              int64                   `json:"total_area"`
	TotalAreaHectares      float64                 `json:"total_area_hectares"`
	VerifiedRecordCount    int                     `json:"verified_record_count"`
	Bounds                 *geospatial.BoundingBox `json:"bounds,omitempty"`
	Centroid               *orb.Point              `json:"centroid,omitempty"`
	// SpreadMeters is the distance from the centroid to the farthest site.
	SpreadMeters float64   `json:"spread_meters"`
	ComputedAt   time.Time `json:"computed_at"`
}

// CreditStats sums the batches issued against a project.
type CreditStats struct {
	ProjectID    string    `json:"project_id"`
	TotalIssued  int64     `json:"total_issued"`
	TotalRetired int64     `json:"total_retired"`
	TotalActive  int64     `json:"total_active"`
	BatchCount   int       `json:"batch_count"`
	ComputedAt   time.Time `json:"computed_at"`
}

// Summary is the registry-wide overview.
type Summary struct {
	Projects        int                        `json:"projects"`
	ActiveProjects  int                        `json:"active_projects"`
	Records         int                        `json:"records"`
	RecordsByStatus map[store.RecordStatus]int `json:"records_by_status"`
	Supply          store.Supply               `json:"supply"`
	ComputedAt      time.Time                  `json:"computed_at"`
}

// Aggregator handles registry statistics
type Aggregator struct {
	store  store.Store
	cache  *Cache
	logger *zap.Logger
}

// NewAggregator creates an aggregator caching results for ttl.
func NewAggregator(st store.Store, ttl time.Duration, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		store:  st,
		cache:  NewCache(ttl),
		logger: logger,
	}
}

// Stop releases the cache cleanup goroutine.
func (a *Aggregator) Stop() {
	a.cache.Stop()
}

// CacheStats exposes cache usage.
func (a *Aggregator) CacheStats() CacheStats {
	return a.cache.Stats()
}

// HandleEvent invalidates everything derived from the event's project.
func (a *Aggregator) HandleEvent(e events.Event) {
	if e.ProjectID != "" {
		a.cache.DeleteByPrefix(projectPrefix(e.ProjectID))
	}
	a.cache.Delete(summaryKey)
}

func projectPrefix(projectID string) string {
	return "project:" + projectID + ":"
}

// CarbonStats returns the carbon totals of a project's verified records.
func (a *Aggregator) CarbonStats(ctx context.Context, projectID string) (*CarbonStats, error) {
	v, err := a.cache.GetOrSet(projectPrefix(projectID)+"carbon", func() (interface{}, error) {
		return a.computeCarbonStats(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	stats := *v.(*CarbonStats)
	return &stats, nil
}

func (a *Aggregator) computeCarbonStats(ctx context.Context, projectID string) (*CarbonStats, error) {
	stats := &CarbonStats{ProjectID: projectID}
	var points []orb.Point

	err := a.store.View(ctx, func(tx store.ReadTx) error {
		records, err := tx.ListRecordsByProject(projectID)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.Status != store.StatusVerified {
				continue
			}
			stats.TotalCarbonStock += r.CarbonStock
			stats.TotalSequestrationRate += r.SequestrationRate
			stats.TotalArea += r.Area
			stats.VerifiedRecordCount++
			points = append(points, geospatial.ToPoint(r.Latitude, r.Longitude))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute carbon stats: %w", err)
	}
	stats.TotalAreaHectares = geospatial.ConvertToHectares(float64(stats.TotalArea))
	stats.Bounds = geospatial.Bounds(points)
	if len(points) > 0 {
		centroid := geospatial.CalculateCentroid(points)
		stats.Centroid = &centroid
		for _, p := range points {
			if d := geospatial.DistanceMeters(centroid, p); d > stats.SpreadMeters {
				stats.SpreadMeters = d
			}
		}
	}
	stats.ComputedAt = time.Now().UTC()
	return stats, nil
}

// CreditStats returns issuance totals for a project.
func (a *Aggregator) CreditStats(ctx context.Context, projectID string) (*CreditStats, error) {
	v, err := a.cache.GetOrSet(projectPrefix(projectID)+"credits", func() (interface{}, error) {
		return a.computeCreditStats(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	stats := *v.(*CreditStats)
	return &stats, nil
}

func (a *Aggregator) computeCreditStats(ctx context.Context, projectID string) (*CreditStats, error) {
	stats := &CreditStats{ProjectID: projectID}
	err := a.store.View(ctx, func(tx store.ReadTx) error {
		if _, err := tx.GetProject(projectID); err != nil {
			return err
		}
		batches, err := tx.ListBatchesByProject(projectID)
		if err != nil {
			return err
		}
		for _, b := range batches {
			stats.TotalIssued += b.TotalAmount
			stats.TotalRetired += b.Retired
		}
		stats.BatchCount = len(batches)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute credit stats: %w", err)
	}
	stats.TotalActive = stats.TotalIssued - stats.TotalRetired
	stats.ComputedAt = time.Now().UTC()
	return stats, nil
}

// Summary returns the registry-wide overview.
func (a *Aggregator) Summary(ctx context.Context) (*Summary, error) {
	v, err := a.cache.GetOrSet(summaryKey, func() (interface{}, error) {
		return a.computeSummary(ctx)
	})
	if err != nil {
		return nil, err
	}
	summary := *v.(*Summary)
	summary.RecordsByStatus = make(map[store.RecordStatus]int, len(v.(*Summary).RecordsByStatus))
	for k, n := range v.(*Summary).RecordsByStatus {
		summary.RecordsByStatus[k] = n
	}
	return &summary, nil
}

// Refresh drops the cached summary and recomputes it.
func (a *Aggregator) Refresh(ctx context.Context) (*Summary, error) {
	a.cache.Delete(summaryKey)
	return a.Summary(ctx)
}

func (a *Aggregator) computeSummary(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RecordsByStatus: map[store.RecordStatus]int{
			store.StatusPending:     0,
			store.StatusUnderReview: 0,
			store.StatusVerified:    0,
			store.StatusRejected:    0,
		},
	}
	err := a.store.View(ctx, func(tx store.ReadTx) error {
		projects, err := tx.ListProjects()
		if err != nil {
			return err
		}
		summary.Projects = len(projects)
		for _, p := range projects {
			if p.Active {
				summary.ActiveProjects++
			}
			records, err := tx.ListRecordsByProject(p.ID)
			if err != nil {
				return err
			}
			for _, r := range records {
				summary.RecordsByStatus[r.Status]++
				summary.Records++
			}
		}
		summary.Supply, err = tx.Supply()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute summary: %w", err)
	}
	summary.ComputedAt = time.Now().UTC()
	a.logger.Debug("Computed registry summary",
		zap.Int("projects", summary.Projects),
		zap.Int("records", summary.Records),
		zap.Int64("total_issued", summary.Supply.TotalIssued))
	return summary, nil
}
