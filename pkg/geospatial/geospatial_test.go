package geospatial

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCoordinates(t *testing.T) {
	assert.NoError(t, ValidateCoordinates(0, 0))
	assert.NoError(t, ValidateCoordinates(90_000_000, -180_000_000))
	assert.ErrorIs(t, ValidateCoordinates(90_000_001, 0), ErrLatitudeRange)
	assert.ErrorIs(t, ValidateCoordinates(0, 180_000_001), ErrLongitudeRange)
}

func TestToPointAndBounds(t *testing.T) {
	p := ToPoint(-8_650_000, 115_216_667)
	assert.InDelta(t, -8.65, p.Lat(), 1e-9)
	assert.InDelta(t, 115.216667, p.Lon(), 1e-9)

	assert.Nil(t, Bounds(nil))

	box := Bounds([]orb.Point{ToPoint(1_000_000, 2_000_000), ToPoint(-3_000_000, 4_000_000)})
	require.NotNil(t, box)
	assert.InDelta(t, -3.0, box.MinLat, 1e-9)
	assert.InDelta(t, 1.0, box.MaxLat, 1e-9)
	assert.InDelta(t, 2.0, box.MinLon, 1e-9)
	assert.InDelta(t, 4.0, box.MaxLon, 1e-9)
}

func TestCalculateCentroid(t *testing.T) {
	c := CalculateCentroid([]orb.Point{{0, 0}, {2, 4}})
	assert.Equal(t, orb.Point{1, 2}, c)
	assert.Equal(t, orb.Point{}, CalculateCentroid(nil))
}

func TestDistanceMeters(t *testing.T) {
	d := DistanceMeters(orb.Point{0, 0}, orb.Point{0, 1})
	assert.InDelta(t, 111_000, d, 1_000)
}

func TestFeatureCollection(t *testing.T) {
	raw, err := FeatureCollection([]Site{
		{Point: orb.Point{1, 2}, Properties: map[string]interface{}{"record_id": 7}},
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "FeatureCollection", decoded["type"])
	features := decoded["features"].([]interface{})
	require.Len(t, features, 1)
	props := features[0].(map[string]interface{})["properties"].(map[string]interface{})
	assert.Equal(t, float64(7), props["record_id"])
}
