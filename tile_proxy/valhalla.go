package tile_proxy

import (
	"fmt"
	"math"
	"strings"
)

// valhallaLevels 路由瓦片层级及对应的瓦片边长（度）
var valhallaLevels = []struct {
	Level int
	Size  float64
}{
	{Level: 0, Size: 4.0},
	{Level: 1, Size: 1.0},
	{Level: 2, Size: 0.25},
}

// ValhallaTile 路由引擎瓦片
type ValhallaTile struct {
	Level int `json:"level"`
	Index int `json:"index"`
}

func valhallaTileSize(level int) (float64, error) {
	for _, l := range valhallaLevels {
		if l.Level == level {
			return l.Size, nil
		}
	}
	return 0, fmt.Errorf("unknown valhalla hierarchy level %d", level)
}

func clampGrid(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// ValhallaTileIndex 经纬度所在的路由瓦片编号
func ValhallaTileIndex(level int, lat, lon float64) (int, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, fmt.Errorf("%w: lat=%f lon=%f", ErrInvalidBounds, lat, lon)
	}
	size, err := valhallaTileSize(level)
	if err != nil {
		return 0, err
	}
	columns := int(360 / size)
	rows := int(180 / size)
	x := clampGrid(int(math.Floor((lon+180)/size)), columns-1)
	y := clampGrid(int(math.Floor((lat+90)/size)), rows-1)
	return y*columns + x, nil
}

// ValhallaTilesForBounds 列出范围覆盖的全部路由瓦片，按层级升序
func ValhallaTilesForBounds(b Bounds) ([]ValhallaTile, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	var tiles []ValhallaTile
	for _, l := range valhallaLevels {
		columns := int(360 / l.Size)
		rows := int(180 / l.Size)

		minX := clampGrid(int(math.Floor((b.West+180)/l.Size)), columns-1)
		maxX := clampGrid(int(math.Floor((b.East+180)/l.Size)), columns-1)
		minY := clampGrid(int(math.Floor((b.South+90)/l.Size)), rows-1)
		maxY := clampGrid(int(math.Floor((b.North+90)/l.Size)), rows-1)

		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				tiles = append(tiles, ValhallaTile{Level: l.Level, Index: y*columns + x})
			}
		}
	}
	return tiles, nil
}

// ValhallaTilePath 路由瓦片的相对路径
// 0、1级: {level}/{index/1000}/{index%1000}.gph
// 2级: 2/{index/1000000}/{(index/1000)%1000}/{index%1000}.gph
func ValhallaTilePath(level, index int) string {
	if level == 2 {
		return fmt.Sprintf("%d/%03d/%03d/%03d.gph", level, index/1000000, (index/1000)%1000, index%1000)
	}
	return fmt.Sprintf("%d/%03d/%03d.gph", level, index/1000, index%1000)
}

// ValhallaTileURL 路由瓦片下载地址
func ValhallaTileURL(baseURL string, level, index int) string {
	return strings.TrimRight(baseURL, "/") + "/" + ValhallaTilePath(level, index)
}
