package tile_proxy

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var unitBox = Bounds{North: 1, South: 0, East: 1, West: 0}

func TestTileRangeForBounds(t *testing.T) {
	t.Run("zoom 0 is the whole world", func(t *testing.T) {
		r, err := TileRangeForBounds(unitBox, 0)
		require.NoError(t, err)
		assert.Equal(t, TileRange{MinX: 0, MaxX: 0, MinY: 0, MaxY: 0}, r)
		assert.Equal(t, 1, r.Count())
	})

	t.Run("zoom 1 is the north east quadrant", func(t *testing.T) {
		r, err := TileRangeForBounds(unitBox, 1)
		require.NoError(t, err)
		assert.Equal(t, TileRange{MinX: 1, MaxX: 1, MinY: 0, MaxY: 0}, r)
	})

	t.Run("box straddling the equator spans two rows", func(t *testing.T) {
		r, err := TileRangeForBounds(Bounds{North: 1, South: -1, East: 1, West: 0}, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, r.MinY)
		assert.Equal(t, 1, r.MaxY)
		assert.Equal(t, 2, r.Count())
	})

	t.Run("degenerate box yields one tile", func(t *testing.T) {
		r, err := TileRangeForBounds(Bounds{North: 10, South: 10, East: 20, West: 20}, 5)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Count())
		assert.Equal(t, LonLatToTileCoord(20, 10, 5).X, r.MinX)
	})

	t.Run("polar latitudes are clamped", func(t *testing.T) {
		r, err := TileRangeForBounds(Bounds{North: 90, South: -90, East: 180, West: -180}, 2)
		require.NoError(t, err)
		assert.Equal(t, TileRange{MinX: 0, MaxX: 3, MinY: 0, MaxY: 3}, r)
	})

	t.Run("invalid input fails fast", func(t *testing.T) {
		cases := map[string]Bounds{
			"south above north":  {North: 0, South: 1, East: 1, West: 0},
			"west past east":     {North: 1, South: 0, East: 0, West: 1},
			"latitude overflow":  {North: 91, South: 0, East: 1, West: 0},
			"longitude overflow": {North: 1, South: 0, East: 181, West: 0},
			"nan":                {North: math.NaN(), South: 0, East: 1, West: 0},
		}
		for name, b := range cases {
			_, err := TileRangeForBounds(b, 3)
			assert.ErrorIs(t, err, ErrInvalidBounds, name)
		}

		_, err := TileRangeForBounds(unitBox, MaxZoom+1)
		assert.ErrorIs(t, err, ErrInvalidZoom)
	})
}

func TestEstimateTileCount(t *testing.T) {
	n, err := EstimateTileCount(unitBox, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tiles, err := BasemapTilesForBounds(unitBox, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []TileCoord{{Z: 0, X: 0, Y: 0}, {Z: 1, X: 1, Y: 0}}, tiles)

	t.Run("basemap zoom is clamped", func(t *testing.T) {
		b := Bounds{North: 48.2, South: 48.1, East: 11.6, West: 11.5}
		clamped, err := EstimateTileCount(b, 10, MaxBasemapZoom)
		require.NoError(t, err)
		deeper, err := EstimateTileCount(b, 10, 18)
		require.NoError(t, err)
		assert.Equal(t, clamped, deeper)

		list, err := BasemapTilesForBounds(b, 10, 18)
		require.NoError(t, err)
		assert.Len(t, list, clamped)
		assert.Equal(t, MaxBasemapZoom, list[len(list)-1].Z)
	})

	t.Run("inverted zoom range", func(t *testing.T) {
		_, err := EstimateTileCount(unitBox, 3, 2)
		assert.True(t, errors.Is(err, ErrInvalidZoom))
	})
}

func TestLonLatToTileCoord(t *testing.T) {
	assert.Equal(t, TileCoord{Z: 1, X: 0, Y: 0}, LonLatToTileCoord(-90, 45, 1))
	assert.Equal(t, TileCoord{Z: 3, X: 7, Y: 7}, LonLatToTileCoord(180, -90, 3))

	tb := GetTileBoundsWGS84(1, 1, 0)
	assert.InDelta(t, 0.0, tb.MinLon, 1e-9)
	assert.InDelta(t, 180.0, tb.MaxLon, 1e-9)
	assert.InDelta(t, 0.0, tb.MinLat, 1e-9)
}

func TestBoundsOrbRoundTrip(t *testing.T) {
	b := Bounds{North: 2, South: -1, East: 3, West: -4}
	bound := b.Bound()
	assert.Equal(t, orb.Point{-4, -1}, bound.Min)
	assert.Equal(t, b, BoundsFromOrb(bound))
}

func TestFlipY(t *testing.T) {
	assert.Equal(t, 0, FlipY(0, 0))
	assert.Equal(t, 3, FlipY(2, 0))
	assert.Equal(t, 0, FlipY(2, 3))
}
