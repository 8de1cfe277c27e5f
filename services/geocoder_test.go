package services

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addressTile(t *testing.T) []byte {
	t.Helper()
	fc := geojson.NewFeatureCollection()

	addr := geojson.NewFeature(orb.Point{0.5, 0.5})
	addr.Properties["addr:housenumber"] = "12"
	addr.Properties["addr:street"] = "Main St"
	fc.Append(addr)

	intl := geojson.NewFeature(orb.Point{0.6, 0.6})
	intl.Properties["name:fr"] = "Gare"
	intl.Properties["name:de"] = "Bahnhof"
	fc.Append(intl)

	unnamed := geojson.NewFeature(orb.Point{0.7, 0.7})
	unnamed.Properties["highway"] = "residential"
	fc.Append(unnamed)

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{"poi": fc})
	layers.ProjectToTile(maptile.New(0, 0, 0))
	data, err := mvt.Marshal(layers)
	require.NoError(t, err)
	return data
}

func TestExtractPlaces(t *testing.T) {
	places, err := ExtractPlaces("a1", 0, 0, 0, addressTile(t))
	require.NoError(t, err)
	require.Len(t, places, 2)

	byName := map[string]models.GeocoderPlace{}
	for _, p := range places {
		byName[p.Name] = p
	}
	addr, ok := byName["12 Main St"]
	require.True(t, ok)
	assert.Equal(t, "12", addr.HouseNumber)
	assert.InDelta(t, 0.5, addr.Lng, 0.1)
	assert.InDelta(t, 0.5, addr.Lat, 0.1)
	assert.NotEmpty(t, addr.CellToken)
	assert.NotEmpty(t, addr.ParentToken)

	_, ok = byName["Bahnhof"]
	assert.True(t, ok, "first name:* tag in key order wins")

	t.Run("gzip payloads are decoded", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(addressTile(t))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		places, err := ExtractPlaces("a1", 0, 0, 0, buf.Bytes())
		require.NoError(t, err)
		assert.Len(t, places, 2)
	})

	t.Run("garbage is an error", func(t *testing.T) {
		_, err := ExtractPlaces("a1", 0, 0, 0, []byte{0xff, 0xff, 0xff})
		assert.Error(t, err)
	})
}

func TestGeocoderProcessArea(t *testing.T) {
	ctx := context.Background()
	db := openMainDB(t)
	storage := NewTileStorage(openMBTilesDB(t), t.TempDir(), nil)
	g := NewGeocoder(db, storage, testLogger())

	area := models.OfflineArea{ID: "a1", MinZoom: 0, MaxZoom: 1}
	for _, c := range [][3]int{{1, 1, 0}, {1, 0, 0}} {
		_, err := storage.WriteTile(ctx, "a1", TileRef{Type: models.TileTypeBasemap, Z: c[0], X: c[1], Y: c[2]},
			vectorTile(t, c[0], c[1], c[2], "Cafe"))
		require.NoError(t, err)
	}
	_, err := storage.WriteTile(ctx, "a1", TileRef{Type: models.TileTypeBasemap, Z: 1, X: 1, Y: 1}, []byte{0xff, 0xff, 0xff})
	require.NoError(t, err)
	// 低层级瓦片不参与
	_, err = storage.WriteTile(ctx, "a1", TileRef{Type: models.TileTypeBasemap, Z: 0, X: 0, Y: 0}, vectorTile(t, 0, 0, 0, "World"))
	require.NoError(t, err)

	var calls [][2]int
	require.NoError(t, g.ProcessArea(ctx, area, func(done, total int) {
		calls = append(calls, [2]int{done, total})
	}))
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, calls)

	n, err := g.CountForArea(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	t.Run("reprocessing replaces the index", func(t *testing.T) {
		require.NoError(t, g.ProcessArea(ctx, area, nil))
		n, err := g.CountForArea(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("search", func(t *testing.T) {
		found, err := g.SearchPlaces(ctx, "caf", 10)
		require.NoError(t, err)
		assert.Len(t, found, 2)
		none, err := g.SearchPlaces(ctx, "world", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("reverse geocode finds the nearest place", func(t *testing.T) {
		cafes, err := g.SearchPlaces(ctx, "cafe", 10)
		require.NoError(t, err)
		require.NotEmpty(t, cafes)
		target := cafes[0]

		found, err := g.ReverseGeocode(ctx, target.Lat+0.001, target.Lng+0.001, 1)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, target.ID, found[0].ID)

		far, err := g.ReverseGeocode(ctx, -40, -100, 5)
		require.NoError(t, err)
		assert.Empty(t, far)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, g.DeleteArea(ctx, "a1"))
		n, err := g.CountForArea(ctx, "a1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
