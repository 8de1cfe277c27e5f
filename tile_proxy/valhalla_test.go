package tile_proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValhallaTilesForBounds(t *testing.T) {
	tiles, err := ValhallaTilesForBounds(unitBox)
	require.NoError(t, err)

	perLevel := map[int]int{}
	for _, tile := range tiles {
		perLevel[tile.Level]++
	}
	assert.Equal(t, map[int]int{0: 1, 1: 4, 2: 25}, perLevel)

	// 第一个瓦片为0级
	assert.Equal(t, ValhallaTile{Level: 0, Index: 22*90 + 45}, tiles[0])

	_, err = ValhallaTilesForBounds(Bounds{North: 0, South: 1})
	assert.ErrorIs(t, err, ErrInvalidBounds)
}

func TestValhallaTileIndex(t *testing.T) {
	idx, err := ValhallaTileIndex(0, 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2025, idx)

	idx, err = ValhallaTileIndex(2, 90, 180)
	require.NoError(t, err)
	assert.Equal(t, 1440*720-1, idx)

	_, err = ValhallaTileIndex(5, 0, 0)
	assert.Error(t, err)
}

func TestValhallaTilePath(t *testing.T) {
	assert.Equal(t, "0/002/025.gph", ValhallaTilePath(0, 2025))
	assert.Equal(t, "1/032/580.gph", ValhallaTilePath(1, 32580))
	assert.Equal(t, "2/000/519/120.gph", ValhallaTilePath(2, 519120))
	assert.Equal(t, "2/001/036/799.gph", ValhallaTilePath(2, 1036799))
	assert.Equal(t,
		"https://tiles.example/valhalla/0/002/025.gph",
		ValhallaTileURL("https://tiles.example/valhalla/", 0, 2025))
}
