package geospatial

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

// MicroDegrees is the fixed-point scale of stored coordinates.
const MicroDegrees = 1_000_000

var (
	ErrLatitudeRange  = errors.New("latitude out of range")
	ErrLongitudeRange = errors.New("longitude out of range")
)

// ValidateCoordinates checks microdegree latitude and longitude bounds.
func ValidateCoordinates(lat, lon int64) error {
	if lat < -90*MicroDegrees || lat > 90*MicroDegrees {
		return fmt.Errorf("%w: %d", ErrLatitudeRange, lat)
	}
	if lon < -180*MicroDegrees || lon > 180*MicroDegrees {
		return fmt.Errorf("%w: %d", ErrLongitudeRange, lon)
	}
	return nil
}

// ToPoint converts microdegree coordinates to an orb point (lon, lat).
func ToPoint(lat, lon int64) orb.Point {
	return orb.Point{float64(lon) / MicroDegrees, float64(lat) / MicroDegrees}
}

// BoundingBox is the extent of a set of sites in decimal degrees.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Bounds returns the bounding box of points, or nil when there are none.
func Bounds(points []orb.Point) *BoundingBox {
	if len(points) == 0 {
		return nil
	}
	b := orb.MultiPoint(points).Bound()
	return &BoundingBox{
		MinLat: b.Min.Lat(),
		MinLon: b.Min.Lon(),
		MaxLat: b.Max.Lat(),
		MaxLon: b.Max.Lon(),
	}
}

// CalculateCentroid returns the mean position of points.
func CalculateCentroid(points []orb.Point) orb.Point {
	if len(points) == 0 {
		return orb.Point{}
	}
	var sum orb.Point
	for _, p := range points {
		sum[0] += p[0]
		sum[1] += p[1]
	}
	n := float64(len(points))
	return orb.Point{sum[0] / n, sum[1] / n}
}

// DistanceMeters is the great-circle distance between two points.
func DistanceMeters(a, b orb.Point) float64 {
	return geo.Distance(a, b)
}

// Site is a measured location exported as a GeoJSON feature.
type Site struct {
	Point      orb.Point
	Properties map[string]interface{}
}

// FeatureCollection renders sites as GeoJSON.
func FeatureCollection(sites []Site) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, s := range sites {
		f := geojson.NewFeature(s.Point)
		for k, v := range s.Properties {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	return fc.MarshalJSON()
}

// ConvertToHectares converts square meters to hectares
func ConvertToHectares(sqMeters float64) float64 {
	return sqMeters / 10000
}
