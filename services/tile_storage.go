// services/tile_storage.go
package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/GrainArc/OfflineMap/tile_proxy"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTileNotFound = errors.New("tile not found")

// StorageError 瓦片落盘失败，对当前下载是致命错误
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// TileRef 一个待写入瓦片的坐标
type TileRef struct {
	Type  models.TileType
	Z     int
	X     int
	Y     int
	Level int
	Index int
}

// BasemapRef 底图瓦片坐标
func BasemapRef(c tile_proxy.TileCoord) TileRef {
	return TileRef{Type: models.TileTypeBasemap, Z: c.Z, X: c.X, Y: c.Y}
}

// ValhallaRef 路由瓦片坐标
func ValhallaRef(t tile_proxy.ValhallaTile) TileRef {
	return TileRef{Type: models.TileTypeValhalla, Level: t.Level, Index: t.Index}
}

// LedgerID 对应的台账主键
func (r TileRef) LedgerID(areaID string) string {
	if r.Type == models.TileTypeValhalla {
		return models.ValhallaTileID(areaID, r.Level, r.Index)
	}
	return models.BasemapTileID(areaID, r.Z, r.X, r.Y)
}

// LedgerRow 构造台账行
func (r TileRef) LedgerRow(areaID string, retryCount int, size int64) models.DownloadedTile {
	var row models.DownloadedTile
	if r.Type == models.TileTypeValhalla {
		row = models.NewValhallaTile(areaID, r.Level, r.Index, retryCount)
	} else {
		row = models.NewBasemapTile(areaID, r.Z, r.X, r.Y, retryCount)
	}
	row.ByteSize = size
	return row
}

func (r TileRef) String() string {
	if r.Type == models.TileTypeValhalla {
		return tile_proxy.ValhallaTilePath(r.Level, r.Index)
	}
	return tile_proxy.TileKey(r.Z, r.X, r.Y)
}

// TileStorage 底图写入 MBTiles，路由瓦片写入文件目录
type TileStorage struct {
	mbtiles     *gorm.DB
	valhallaDir string
	cache       *tile_proxy.TileCache
}

// NewTileStorage 创建瓦片存储，mbtiles 需已执行 models.MigrateMBTiles
func NewTileStorage(mbtiles *gorm.DB, valhallaDir string, cache *tile_proxy.TileCache) *TileStorage {
	if cache == nil {
		cache = tile_proxy.NewTileCache(1000, 0)
	}
	return &TileStorage{mbtiles: mbtiles, valhallaDir: valhallaDir, cache: cache}
}

// ValhallaDir 路由瓦片根目录
func (s *TileStorage) ValhallaDir() string {
	return s.valhallaDir
}

// ValhallaFilePath 路由瓦片文件路径
func (s *TileStorage) ValhallaFilePath(level, index int) string {
	return filepath.Join(s.valhallaDir, filepath.FromSlash(tile_proxy.ValhallaTilePath(level, index)))
}

// WriteTile 写入瓦片，返回写入字节数
func (s *TileStorage) WriteTile(ctx context.Context, areaID string, ref TileRef, data []byte) (int64, error) {
	switch ref.Type {
	case models.TileTypeBasemap:
		return s.writeBasemap(ctx, areaID, ref, data)
	case models.TileTypeValhalla:
		return s.writeValhalla(ref, data)
	default:
		return 0, &StorageError{Op: "write", Err: fmt.Errorf("unknown tile type %q", ref.Type)}
	}
}

func (s *TileStorage) writeBasemap(ctx context.Context, areaID string, ref TileRef, data []byte) (int64, error) {
	row := models.Tile{
		ZoomLevel:  ref.Z,
		TileColumn: ref.X,
		TileRow:    tile_proxy.FlipY(ref.Z, ref.Y),
		TileData:   data,
		AreaID:     areaID,
	}
	err := s.mbtiles.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "zoom_level"}, {Name: "tile_column"}, {Name: "tile_row"}, {Name: "area_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"tile_data"}),
	}).Create(&row).Error
	if err != nil {
		return 0, &StorageError{Op: "write mbtiles", Path: ref.String(), Err: err}
	}
	s.cache.Remove(tile_proxy.TileKey(ref.Z, ref.X, ref.Y))
	return int64(len(data)), nil
}

// writeValhalla 先写临时文件再重命名
func (s *TileStorage) writeValhalla(ref TileRef, data []byte) (int64, error) {
	path := s.ValhallaFilePath(ref.Level, ref.Index)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return 0, &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".tile-*")
	if err != nil {
		return 0, &StorageError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	n, err := tmp.Write(data)
	if err != nil {
		cleanup()
		return 0, &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, &StorageError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, &StorageError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, &StorageError{Op: "rename", Path: path, Err: err}
	}
	return int64(n), nil
}

// ReadBasemapTile 按XYZ读取底图瓦片
func (s *TileStorage) ReadBasemapTile(ctx context.Context, z, x, y int) ([]byte, error) {
	key := tile_proxy.TileKey(z, x, y)
	if data, ok := s.cache.Get(key); ok {
		return data, nil
	}
	var row models.Tile
	err := s.mbtiles.WithContext(ctx).
		Where("zoom_level = ? AND tile_column = ? AND tile_row = ?", z, x, tile_proxy.FlipY(z, y)).
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTileNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, row.TileData)
	return row.TileData, nil
}

// BasemapTileFunc 遍历回调，坐标为XYZ
type BasemapTileFunc func(z, x, y int, data []byte) error

const storageBatchSize = 20

// ForEachBasemapTile 分批遍历区域某层级的底图瓦片
func (s *TileStorage) ForEachBasemapTile(ctx context.Context, areaID string, zoom int, fn BasemapTileFunc) error {
	for offset := 0; ; offset += storageBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rows []models.Tile
		err := s.mbtiles.WithContext(ctx).
			Where("area_id = ? AND zoom_level = ?", areaID, zoom).
			Order("tile_column, tile_row").
			Offset(offset).
			Limit(storageBatchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(row.ZoomLevel, row.TileColumn, tile_proxy.FlipY(row.ZoomLevel, row.TileRow), row.TileData); err != nil {
				return err
			}
		}
		if len(rows) < storageBatchSize {
			return nil
		}
	}
}

// CountBasemapTiles 区域某层级底图瓦片数量
func (s *TileStorage) CountBasemapTiles(ctx context.Context, areaID string, zoom int) (int64, error) {
	var n int64
	err := s.mbtiles.WithContext(ctx).Model(&models.Tile{}).
		Where("area_id = ? AND zoom_level = ?", areaID, zoom).
		Count(&n).Error
	return n, err
}

// SharedFunc 判断路由瓦片是否被其它区域引用
type SharedFunc func(ctx context.Context, areaID string, level, index int) (bool, error)

// DeleteAreaTiles 删除区域的底图行与未共享的路由文件
func (s *TileStorage) DeleteAreaTiles(ctx context.Context, areaID string, routing []models.DownloadedTile, shared SharedFunc) error {
	if err := s.mbtiles.WithContext(ctx).Where("area_id = ?", areaID).Delete(&models.Tile{}).Error; err != nil {
		return &StorageError{Op: "delete mbtiles", Path: areaID, Err: err}
	}
	s.cache.Clear()

	for _, t := range routing {
		if t.TileType != models.TileTypeValhalla || t.HierarchyLevel == nil || t.TileIndex == nil {
			continue
		}
		level, index := *t.HierarchyLevel, *t.TileIndex
		if shared != nil {
			inUse, err := shared(ctx, areaID, level, index)
			if err != nil {
				return err
			}
			if inUse {
				continue
			}
		}
		path := s.ValhallaFilePath(level, index)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &StorageError{Op: "remove", Path: path, Err: err}
		}
	}
	return nil
}
