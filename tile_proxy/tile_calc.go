// tile_calc.go
package tile_proxy

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const (
	// MaxBasemapZoom 底图下载的最高层级，超过后不再下载
	MaxBasemapZoom = 14
	// MaxZoom 允许请求的最高层级
	MaxZoom = 22

	// MaxMercatorLat Web墨卡托纬度上限
	MaxMercatorLat = 85.05112878
)

var (
	ErrInvalidBounds = errors.New("invalid bounds")
	ErrInvalidZoom   = errors.New("invalid zoom")
)

// Bounds 经纬度范围（WGS84，单位：度）
type Bounds struct {
	North float64 `json:"north" yaml:"north"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	West  float64 `json:"west" yaml:"west"`
}

// Validate 校验范围是否合法，不支持跨越180度经线的范围
func (b Bounds) Validate() error {
	for _, v := range []float64{b.North, b.South, b.East, b.West} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: coordinates must be finite numbers", ErrInvalidBounds)
		}
	}
	if b.South > b.North {
		return fmt.Errorf("%w: south (%f) is greater than north (%f)", ErrInvalidBounds, b.South, b.North)
	}
	if b.West > b.East {
		return fmt.Errorf("%w: west (%f) is greater than east (%f)", ErrInvalidBounds, b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("%w: latitude out of range [-90, 90]: south=%f, north=%f", ErrInvalidBounds, b.South, b.North)
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("%w: longitude out of range [-180, 180]: west=%f, east=%f", ErrInvalidBounds, b.West, b.East)
	}
	return nil
}

// Bound 转换为orb.Bound
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// BoundsFromOrb 由orb.Bound构造范围
func BoundsFromOrb(bound orb.Bound) Bounds {
	return Bounds{
		North: bound.Max.Lat(),
		South: bound.Min.Lat(),
		East:  bound.Max.Lon(),
		West:  bound.Min.Lon(),
	}
}

// TileBounds 瓦片边界（WGS84经纬度）
type TileBounds struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// TileCoord 瓦片坐标
type TileCoord struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// TileRange 瓦片范围（闭区间）
type TileRange struct {
	MinX int `json:"minX"`
	MaxX int `json:"maxX"`
	MinY int `json:"minY"`
	MaxY int `json:"maxY"`
}

// Count 范围内瓦片数量
func (r TileRange) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// GetTileBoundsWGS84 获取瓦片的WGS84边界
func GetTileBoundsWGS84(z, x, y int) TileBounds {
	n := math.Pow(2, float64(z))

	minLon := float64(x)/n*360.0 - 180.0
	maxLon := float64(x+1)/n*360.0 - 180.0

	minLatRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y+1)/n)))
	maxLatRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))

	return TileBounds{
		MinLon: minLon,
		MinLat: minLatRad * 180.0 / math.Pi,
		MaxLon: maxLon,
		MaxLat: maxLatRad * 180.0 / math.Pi,
	}
}

// lonLatToTileFraction 经纬度转浮点瓦片坐标
func lonLatToTileFraction(lon, lat float64, z int) (float64, float64) {
	n := math.Pow(2, float64(z))
	lat = math.Max(-MaxMercatorLat, math.Min(MaxMercatorLat, lat))

	x := (lon + 180.0) / 360.0 * n
	latRad := lat * math.Pi / 180.0
	y := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n
	return x, y
}

// clampTile 限制到 [0, 2^z-1]
func clampTile(v, z int) int {
	maxTile := (1 << uint(z)) - 1
	if v < 0 {
		return 0
	}
	if v > maxTile {
		return maxTile
	}
	return v
}

// LonLatToTileCoord 经纬度转瓦片坐标
func LonLatToTileCoord(lon, lat float64, z int) TileCoord {
	fx, fy := lonLatToTileFraction(lon, lat, z)
	return TileCoord{
		Z: z,
		X: clampTile(int(math.Floor(fx)), z),
		Y: clampTile(int(math.Floor(fy)), z),
	}
}

// TileRangeForBounds 计算范围在指定层级覆盖的瓦片范围
// 东、南边恰好落在瓦片边界上时不包含相邻瓦片
func TileRangeForBounds(b Bounds, zoom int) (TileRange, error) {
	if err := b.Validate(); err != nil {
		return TileRange{}, err
	}
	if zoom < 0 || zoom > MaxZoom {
		return TileRange{}, fmt.Errorf("%w: zoom level %d out of range [0, %d]", ErrInvalidZoom, zoom, MaxZoom)
	}

	// 左上角
	nwX, nwY := lonLatToTileFraction(b.West, b.North, zoom)
	// 右下角
	seX, seY := lonLatToTileFraction(b.East, b.South, zoom)

	r := TileRange{
		MinX: clampTile(int(math.Floor(nwX)), zoom),
		MinY: clampTile(int(math.Floor(nwY)), zoom),
		MaxX: clampTile(int(math.Ceil(seX))-1, zoom),
		MaxY: clampTile(int(math.Ceil(seY))-1, zoom),
	}
	if r.MaxX < r.MinX {
		r.MaxX = r.MinX
	}
	if r.MaxY < r.MinY {
		r.MaxY = r.MinY
	}
	return r, nil
}

// basemapZoomRange 校验并截断底图层级范围
func basemapZoomRange(minZoom, maxZoom int) (int, int, error) {
	if minZoom < 0 || maxZoom > MaxZoom {
		return 0, 0, fmt.Errorf("%w: zoom range [%d, %d] outside [0, %d]", ErrInvalidZoom, minZoom, maxZoom, MaxZoom)
	}
	if minZoom > maxZoom {
		return 0, 0, fmt.Errorf("%w: min zoom %d is greater than max zoom %d", ErrInvalidZoom, minZoom, maxZoom)
	}
	if maxZoom > MaxBasemapZoom {
		maxZoom = MaxBasemapZoom
	}
	return minZoom, maxZoom, nil
}

// EffectiveBasemapMaxZoom 实际下载的最高底图层级
func EffectiveBasemapMaxZoom(maxZoom int) int {
	if maxZoom > MaxBasemapZoom {
		return MaxBasemapZoom
	}
	return maxZoom
}

// ValidateRequest 校验下载请求的范围和层级
func ValidateRequest(b Bounds, minZoom, maxZoom int) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, _, err := basemapZoomRange(minZoom, maxZoom)
	return err
}

// BasemapTilesForBounds 列出各层级需要下载的全部底图瓦片
func BasemapTilesForBounds(b Bounds, minZoom, maxZoom int) ([]TileCoord, error) {
	minZoom, maxZoom, err := basemapZoomRange(minZoom, maxZoom)
	if err != nil {
		return nil, err
	}

	var tiles []TileCoord
	for z := minZoom; z <= maxZoom; z++ {
		r, err := TileRangeForBounds(b, z)
		if err != nil {
			return nil, err
		}
		for x := r.MinX; x <= r.MaxX; x++ {
			for y := r.MinY; y <= r.MaxY; y++ {
				tiles = append(tiles, TileCoord{Z: z, X: x, Y: y})
			}
		}
	}
	return tiles, nil
}

// EstimateTileCount 预估底图瓦片总数
func EstimateTileCount(b Bounds, minZoom, maxZoom int) (int, error) {
	minZoom, maxZoom, err := basemapZoomRange(minZoom, maxZoom)
	if err != nil {
		return 0, err
	}

	total := 0
	for z := minZoom; z <= maxZoom; z++ {
		r, err := TileRangeForBounds(b, z)
		if err != nil {
			return 0, err
		}
		total += r.Count()
	}
	return total, nil
}

// FlipY XYZ与TMS行号互转
func FlipY(z, y int) int {
	return (1 << uint(z)) - 1 - y
}
