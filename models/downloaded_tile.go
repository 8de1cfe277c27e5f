package models

import (
	"fmt"
	"time"
)

// TileType 瓦片类别
type TileType string

const (
	TileTypeBasemap  TileType = "BASEMAP"
	TileTypeValhalla TileType = "VALHALLA"
)

// DownloadedTile 瓦片下载台账，一行代表一个已落盘的瓦片
type DownloadedTile struct {
	ID                string    `gorm:"column:id;primaryKey;size:191" json:"id"`
	AreaID            string    `gorm:"column:area_id;size:64;index;index:idx_tile_area_type,priority:1" json:"areaId"`
	TileType          TileType  `gorm:"column:tile_type;size:16;index:idx_tile_area_type,priority:2" json:"tileType"`
	Zoom              *int      `gorm:"column:zoom" json:"zoom,omitempty"`
	TileX             *int      `gorm:"column:tile_x" json:"tileX,omitempty"`
	TileY             *int      `gorm:"column:tile_y" json:"tileY,omitempty"`
	HierarchyLevel    *int      `gorm:"column:hierarchy_level;index:idx_tile_valhalla,priority:1" json:"hierarchyLevel,omitempty"`
	TileIndex         *int      `gorm:"column:tile_index;index:idx_tile_valhalla,priority:2" json:"tileIndex,omitempty"`
	DownloadTimestamp time.Time `gorm:"column:download_timestamp" json:"downloadTimestamp"`
	RetryCount        int       `gorm:"column:retry_count;default:0" json:"retryCount"`
	ByteSize          int64     `gorm:"column:byte_size;default:0" json:"byteSize"`
}

func (DownloadedTile) TableName() string {
	return "downloaded_tiles"
}

// BasemapTileID 底图瓦片台账主键
func BasemapTileID(areaID string, zoom, x, y int) string {
	return fmt.Sprintf("%s_basemap_%d_%d_%d", areaID, zoom, x, y)
}

// ValhallaTileID 路由瓦片台账主键
func ValhallaTileID(areaID string, level, index int) string {
	return fmt.Sprintf("%s_valhalla_%d_%d", areaID, level, index)
}

// NewBasemapTile 构造底图台账行
func NewBasemapTile(areaID string, zoom, x, y, retryCount int) DownloadedTile {
	return DownloadedTile{
		ID:                BasemapTileID(areaID, zoom, x, y),
		AreaID:            areaID,
		TileType:          TileTypeBasemap,
		Zoom:              &zoom,
		TileX:             &x,
		TileY:             &y,
		DownloadTimestamp: time.Now(),
		RetryCount:        retryCount,
	}
}

// NewValhallaTile 构造路由台账行
func NewValhallaTile(areaID string, level, index, retryCount int) DownloadedTile {
	return DownloadedTile{
		ID:                ValhallaTileID(areaID, level, index),
		AreaID:            areaID,
		TileType:          TileTypeValhalla,
		HierarchyLevel:    &level,
		TileIndex:         &index,
		DownloadTimestamp: time.Now(),
		RetryCount:        retryCount,
	}
}

// Validate 两组坐标字段必须恰好填充与类别一致的一组
func (t DownloadedTile) Validate() error {
	basemap := t.Zoom != nil && t.TileX != nil && t.TileY != nil
	anyBasemap := t.Zoom != nil || t.TileX != nil || t.TileY != nil
	routing := t.HierarchyLevel != nil && t.TileIndex != nil
	anyRouting := t.HierarchyLevel != nil || t.TileIndex != nil

	switch t.TileType {
	case TileTypeBasemap:
		if !basemap || anyRouting {
			return fmt.Errorf("basemap tile %s must carry zoom/x/y only", t.ID)
		}
		if t.ID != BasemapTileID(t.AreaID, *t.Zoom, *t.TileX, *t.TileY) {
			return fmt.Errorf("basemap tile id %s does not match its coordinates", t.ID)
		}
	case TileTypeValhalla:
		if !routing || anyBasemap {
			return fmt.Errorf("valhalla tile %s must carry level/index only", t.ID)
		}
		if t.ID != ValhallaTileID(t.AreaID, *t.HierarchyLevel, *t.TileIndex) {
			return fmt.Errorf("valhalla tile id %s does not match its coordinates", t.ID)
		}
	default:
		return fmt.Errorf("unknown tile type %q", t.TileType)
	}
	return nil
}
