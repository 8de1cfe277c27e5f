// services/ledger.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GrainArc/OfflineMap/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TileLedger 瓦片下载台账，台账中存在记录即表示该瓦片无需再次下载
type TileLedger struct {
	db      *gorm.DB
	writeMu sync.Mutex // 串行化所有写入，保证进度计数一致
}

// NewTileLedger 创建台账
func NewTileLedger(db *gorm.DB) *TileLedger {
	return &TileLedger{db: db}
}

func (l *TileLedger) upsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"download_timestamp", "retry_count", "byte_size",
		}),
	}
}

// Upsert 写入或覆盖一条台账记录
func (l *TileLedger) Upsert(ctx context.Context, tile models.DownloadedTile) error {
	if err := tile.Validate(); err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.db.WithContext(ctx).Clauses(l.upsertClause()).Create(&tile).Error; err != nil {
		return fmt.Errorf("upsert tile %s: %w", tile.ID, err)
	}
	return nil
}

// UpsertBatch 批量写入
func (l *TileLedger) UpsertBatch(ctx context.Context, tiles []models.DownloadedTile) error {
	if len(tiles) == 0 {
		return nil
	}
	for _, t := range tiles {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.db.WithContext(ctx).Clauses(l.upsertClause()).CreateInBatches(&tiles, 100).Error
}

// GetTileByID 按主键查询，不存在返回 nil
func (l *TileLedger) GetTileByID(ctx context.Context, id string) (*models.DownloadedTile, error) {
	var tile models.DownloadedTile
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&tile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tile, nil
}

// GetDownloadedTilesForArea 区域的全部台账记录
func (l *TileLedger) GetDownloadedTilesForArea(ctx context.Context, areaID string) ([]models.DownloadedTile, error) {
	var tiles []models.DownloadedTile
	err := l.db.WithContext(ctx).Where("area_id = ?", areaID).Order("id").Find(&tiles).Error
	return tiles, err
}

// GetDownloadedTilesForAreaAndType 区域某类瓦片的台账记录
func (l *TileLedger) GetDownloadedTilesForAreaAndType(ctx context.Context, areaID string, tileType models.TileType) ([]models.DownloadedTile, error) {
	var tiles []models.DownloadedTile
	err := l.db.WithContext(ctx).
		Where("area_id = ? AND tile_type = ?", areaID, tileType).
		Order("id").
		Find(&tiles).Error
	return tiles, err
}

// CountForArea 区域台账行数
func (l *TileLedger) CountForArea(ctx context.Context, areaID string) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.DownloadedTile{}).Where("area_id = ?", areaID).Count(&n).Error
	return n, err
}

// CountForAreaAndType 区域某类瓦片行数
func (l *TileLedger) CountForAreaAndType(ctx context.Context, areaID string, tileType models.TileType) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.DownloadedTile{}).
		Where("area_id = ? AND tile_type = ?", areaID, tileType).
		Count(&n).Error
	return n, err
}

// ExistingIDs 已下载瓦片主键集合
func (l *TileLedger) ExistingIDs(ctx context.Context, areaID string, tileType models.TileType) (map[string]struct{}, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&models.DownloadedTile{}).
		Where("area_id = ? AND tile_type = ?", areaID, tileType).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (l *TileLedger) exists(ctx context.Context, id string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.DownloadedTile{}).Where("id = ?", id).Count(&n).Error
	return n > 0, err
}

// IsBasemapTileDownloaded 底图瓦片是否已下载
func (l *TileLedger) IsBasemapTileDownloaded(ctx context.Context, areaID string, z, x, y int) (bool, error) {
	return l.exists(ctx, models.BasemapTileID(areaID, z, x, y))
}

// IsValhallaTileDownloaded 路由瓦片是否已下载
func (l *TileLedger) IsValhallaTileDownloaded(ctx context.Context, areaID string, level, index int) (bool, error) {
	return l.exists(ctx, models.ValhallaTileID(areaID, level, index))
}

// IsValhallaTileShared 其它区域是否也持有同一路由瓦片
func (l *TileLedger) IsValhallaTileShared(ctx context.Context, areaID string, level, index int) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.DownloadedTile{}).
		Where("tile_type = ? AND hierarchy_level = ? AND tile_index = ? AND area_id <> ?",
			models.TileTypeValhalla, level, index, areaID).
		Count(&n).Error
	return n > 0, err
}

// DeleteForArea 删除区域全部台账
func (l *TileLedger) DeleteForArea(ctx context.Context, areaID string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.db.WithContext(ctx).Where("area_id = ?", areaID).Delete(&models.DownloadedTile{}).Error
}

// DeleteForAreaAndType 按类别删除区域台账
func (l *TileLedger) DeleteForAreaAndType(ctx context.Context, areaID string, tileType models.TileType) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.db.WithContext(ctx).
		Where("area_id = ? AND tile_type = ?", areaID, tileType).
		Delete(&models.DownloadedTile{}).Error
}

// DeleteAll 清空台账
func (l *TileLedger) DeleteAll(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.db.WithContext(ctx).Where("1 = 1").Delete(&models.DownloadedTile{}).Error
}

// GetAreasWithDownloadedTiles 台账中出现的全部区域ID
func (l *TileLedger) GetAreasWithDownloadedTiles(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&models.DownloadedTile{}).
		Distinct().
		Order("area_id").
		Pluck("area_id", &ids).Error
	return ids, err
}

// SumBytesForArea 区域已写入字节总数
func (l *TileLedger) SumBytesForArea(ctx context.Context, areaID string) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&models.DownloadedTile{}).
		Where("area_id = ?", areaID).
		Select("COALESCE(SUM(byte_size), 0)").
		Scan(&total).Error
	return total, err
}
