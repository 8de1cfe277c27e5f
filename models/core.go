package models

import (
	"fmt"
	"log"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MigrateAll 迁移区域、台账与地理编码表
func MigrateAll(db *gorm.DB) error {
	models := []interface{}{
		&OfflineArea{},
		&DownloadedTile{},
		&GeocoderPlace{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		log.Printf("数据库迁移失败: %v", err)
		return err
	}
	return nil
}

// MigrateMBTiles 初始化 MBTiles 结构并写入元数据
func MigrateMBTiles(db *gorm.DB) error {
	if err := db.AutoMigrate(&Tile{}, &Metadata{}); err != nil {
		return fmt.Errorf("failed to migrate mbtiles: %w", err)
	}
	if err := makeTileIndex(db); err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(DefaultMBTilesMetadata()).Error
}

// makeTileIndex 为按坐标读取瓦片建立索引
func makeTileIndex(db *gorm.DB) error {
	var exists bool
	err := db.Raw(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type = 'index' AND name = 'idx_tile_xyz'
	`).Scan(&exists).Error
	if err != nil {
		return fmt.Errorf("error checking index existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := db.Exec(`CREATE INDEX idx_tile_xyz ON tiles (zoom_level, tile_column, tile_row)`).Error; err != nil {
		return fmt.Errorf("error creating index: %w", err)
	}
	return nil
}
