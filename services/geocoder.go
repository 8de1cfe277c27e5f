package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/GrainArc/OfflineMap/tile_proxy"
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// 检索用父单元层级，约1km
	geocoderCellLevel  = 13
	geocoderBatchSize  = 100
	geocoderDedupLevel = 20
)

// basemapSource 地理编码读取底图瓦片的来源
type basemapSource interface {
	ForEachBasemapTile(ctx context.Context, areaID string, zoom int, fn BasemapTileFunc) error
	CountBasemapTiles(ctx context.Context, areaID string, zoom int) (int64, error)
}

// Geocoder 从区域矢量瓦片构建离线地点索引
type Geocoder struct {
	db     *gorm.DB
	tiles  basemapSource
	logger *slog.Logger
}

// NewGeocoder 创建地理编码器
func NewGeocoder(db *gorm.DB, tiles basemapSource, logger *slog.Logger) *Geocoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Geocoder{db: db, tiles: tiles, logger: logger}
}

// ProcessArea 解析区域最高层级的底图瓦片并整体替换该区域的地点
func (g *Geocoder) ProcessArea(ctx context.Context, area models.OfflineArea, progress func(done, total int)) error {
	zoom := tile_proxy.EffectiveBasemapMaxZoom(area.MaxZoom)
	total, err := g.tiles.CountBasemapTiles(ctx, area.ID, zoom)
	if err != nil {
		return fmt.Errorf("count tiles for geocoding: %w", err)
	}

	var (
		places  []models.GeocoderPlace
		done    int
		skipped int
	)
	err = g.tiles.ForEachBasemapTile(ctx, area.ID, zoom, func(z, x, y int, data []byte) error {
		key := tile_proxy.TileKey(z, x, y)
		var found []models.GeocoderPlace
		err := tile_proxy.ProcessWithRecover(key, func() error {
			var err error
			found, err = ExtractPlaces(area.ID, z, x, y, data)
			return err
		})
		if err != nil {
			skipped++
			g.logger.Warn("skip undecodable tile", "area", area.ID, "tile", key, "error", err)
		} else {
			places = append(places, found...)
		}
		done++
		if progress != nil {
			progress(done, int(total))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read tiles for geocoding: %w", err)
	}

	// 相邻瓦片的缓冲区会重复包含同一要素
	places = lo.UniqBy(places, func(p models.GeocoderPlace) string {
		ll := s2.LatLngFromDegrees(p.Lat, p.Lng)
		cell := s2.CellIDFromLatLng(ll).Parent(geocoderDedupLevel)
		return p.Name + "|" + p.HouseNumber + "|" + p.Street + "|" + cell.ToToken()
	})

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("area_id = ?", area.ID).Delete(&models.GeocoderPlace{}).Error; err != nil {
			return err
		}
		if len(places) == 0 {
			return nil
		}
		return tx.CreateInBatches(&places, geocoderBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("store geocoder places: %w", err)
	}

	g.logger.Info("geocoder index built", "area", area.ID, "zoom", zoom,
		"tiles", done, "skipped", skipped, "places", len(places))
	return nil
}

// DeleteArea 删除区域的地点
func (g *Geocoder) DeleteArea(ctx context.Context, areaID string) error {
	return g.db.WithContext(ctx).Where("area_id = ?", areaID).Delete(&models.GeocoderPlace{}).Error
}

// CountForArea 区域地点数量
func (g *Geocoder) CountForArea(ctx context.Context, areaID string) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.GeocoderPlace{}).Where("area_id = ?", areaID).Count(&n).Error
	return n, err
}

// SearchPlaces 按名称模糊查询
func (g *Geocoder) SearchPlaces(ctx context.Context, query string, limit int) ([]models.GeocoderPlace, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var places []models.GeocoderPlace
	err := g.db.WithContext(ctx).
		Where("LOWER(name) LIKE ?", "%"+strings.ToLower(query)+"%").
		Order("name").
		Limit(limit).
		Find(&places).Error
	return places, err
}

// ReverseGeocode 查询坐标所在单元及其相邻单元内最近的地点
func (g *Geocoder) ReverseGeocode(ctx context.Context, lat, lng float64, limit int) ([]models.GeocoderPlace, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return nil, fmt.Errorf("%w: invalid coordinate", tile_proxy.ErrInvalidBounds)
	}
	if limit <= 0 {
		limit = 5
	}
	queryLL := s2.LatLngFromDegrees(lat, lng)
	queryCell := s2.CellIDFromLatLng(queryLL).Parent(geocoderCellLevel)
	tokens := lo.Map(cellAndNeighbors(queryCell), func(c s2.CellID, _ int) string {
		return c.ToToken()
	})

	var candidates []models.GeocoderPlace
	if err := g.db.WithContext(ctx).Where("parent_token IN ?", tokens).Find(&candidates).Error; err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		di := queryLL.Distance(s2.LatLngFromDegrees(candidates[i].Lat, candidates[i].Lng))
		dj := queryLL.Distance(s2.LatLngFromDegrees(candidates[j].Lat, candidates[j].Lng))
		if di != dj {
			return di < dj
		}
		return candidates[i].Name < candidates[j].Name
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// cellAndNeighbors 单元本身加上8个相邻单元
func cellAndNeighbors(cell s2.CellID) []s2.CellID {
	cells := make([]s2.CellID, 0, 9)
	cells = append(cells, cell)
	edge := cell.EdgeNeighbors()
	cells = append(cells, edge[:]...)

	seen := make(map[s2.CellID]bool, 9)
	for _, c := range cells {
		seen[c] = true
	}
	for i := 0; i < 4; i++ {
		for _, corner := range edge[i].EdgeNeighbors() {
			if !seen[corner] {
				cells = append(cells, corner)
				seen[corner] = true
			}
		}
	}
	return cells
}

// decodeVectorTile 解析MVT，自动识别gzip
func decodeVectorTile(data []byte) (mvt.Layers, error) {
	if bytes.HasPrefix(data, []byte{0x1f, 0x8b}) {
		return mvt.UnmarshalGzipped(data)
	}
	return mvt.Unmarshal(data)
}

// ExtractPlaces 提取瓦片中带名称或门牌地址的要素
func ExtractPlaces(areaID string, z, x, y int, data []byte) ([]models.GeocoderPlace, error) {
	layers, err := decodeVectorTile(data)
	if err != nil {
		return nil, err
	}
	layers.ProjectToWGS84(maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))

	var places []models.GeocoderPlace
	for _, layer := range layers {
		for _, f := range layer.Features {
			p, ok := placeFromFeature(areaID, f)
			if ok {
				places = append(places, p)
			}
		}
	}
	return places, nil
}

func placeFromFeature(areaID string, f *geojson.Feature) (models.GeocoderPlace, bool) {
	if f == nil || f.Geometry == nil {
		return models.GeocoderPlace{}, false
	}
	name := featureName(f.Properties)
	house := f.Properties.MustString("addr:housenumber", "")
	street := f.Properties.MustString("addr:street", "")
	if name == "" {
		if house == "" || street == "" {
			return models.GeocoderPlace{}, false
		}
		name = house + " " + street
	}

	center, _ := planar.CentroidArea(f.Geometry)
	if !validPoint(center) {
		return models.GeocoderPlace{}, false
	}
	ll := s2.LatLngFromDegrees(center.Lat(), center.Lon())
	cell := s2.CellIDFromLatLng(ll)

	tags := make(map[string]string)
	for k, v := range f.Properties {
		if s, ok := v.(string); ok {
			tags[k] = s
		}
	}
	raw, _ := json.Marshal(tags)

	return models.GeocoderPlace{
		AreaID:      areaID,
		Name:        name,
		HouseNumber: house,
		Street:      street,
		Lat:         center.Lat(),
		Lng:         center.Lon(),
		CellToken:   cell.ToToken(),
		ParentToken: cell.Parent(geocoderCellLevel).ToToken(),
		Tags:        datatypes.JSON(raw),
	}, true
}

// featureName 优先 name，其次按字母序第一个 name:*
func featureName(props geojson.Properties) string {
	if name := strings.TrimSpace(props.MustString("name", "")); name != "" {
		return name
	}
	keys := lo.Filter(lo.Keys(map[string]interface{}(props)), func(k string, _ int) bool {
		return strings.HasPrefix(k, "name:")
	})
	sort.Strings(keys)
	for _, k := range keys {
		if name := strings.TrimSpace(props.MustString(k, "")); name != "" {
			return name
		}
	}
	return ""
}

func validPoint(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) &&
		p[1] >= -90 && p[1] <= 90 && p[0] >= -180 && p[0] <= 180
}
