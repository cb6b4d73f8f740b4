package export

import (
	"fmt"
	"io"

	"carbon-scribe/mrv-registry/internal/store"
	"carbon-scribe/mrv-registry/pkg/geospatial"
)

// WriteSitesGeoJSON writes each record's measurement site as a GeoJSON point
// feature.
func WriteSitesGeoJSON(w io.Writer, records []*store.MRVRecord) error {
	sites := make([]geospatial.Site, 0, len(records))
	for _, r := range records {
		sites = append(sites, geospatial.Site{
			Point: geospatial.ToPoint(r.Latitude, r.Longitude),
			Properties: map[string]interface{}{
				"record_id":    r.ID,
				"project_id":   r.ProjectID,
				"ecosystem":    string(r.Ecosystem),
				"status":       string(r.Status),
				"area":         r.Area,
				"area_ha":      geospatial.ConvertToHectares(float64(r.Area)),
				"carbon_stock": r.CarbonStock,
				"health_score": r.HealthScore,
			},
		})
	}
	out, err := geospatial.FeatureCollection(sites)
	if err != nil {
		return fmt.Errorf("failed to encode sites: %w", err)
	}
	_, err = w.Write(out)
	return err
}
