package models

import (
	"time"

	"github.com/GrainArc/OfflineMap/tile_proxy"
)

// OfflineArea 离线区域
type OfflineArea struct {
	ID           string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	Name         string     `gorm:"column:name" json:"name"`        // 区域名称
	North        float64    `gorm:"column:north" json:"north"`      // 北边界
	South        float64    `gorm:"column:south" json:"south"`      // 南边界
	East         float64    `gorm:"column:east" json:"east"`        // 东边界
	West         float64    `gorm:"column:west" json:"west"`        // 西边界
	MinZoom      int        `gorm:"column:min_zoom" json:"minZoom"` // 最小层级
	MaxZoom      int        `gorm:"column:max_zoom" json:"maxZoom"` // 最大层级
	DownloadDate time.Time  `gorm:"column:download_date;index" json:"downloadDate"`
	FileSize     int64      `gorm:"column:file_size;default:0" json:"fileSize"` // 已写入字节数，仅供参考
	Status       AreaStatus `gorm:"column:status;size:32;index" json:"status"`  // 生命周期状态
	Paused       bool       `gorm:"column:paused;default:false" json:"paused"`  // 用户暂停
	ErrorMsg     string     `gorm:"column:error_msg;type:text" json:"errorMsg"` // 失败原因
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (OfflineArea) TableName() string {
	return "offline_areas"
}

// IsIncomplete 尚未进入终态
func (a OfflineArea) IsIncomplete() bool {
	return !a.Status.IsTerminal()
}

// ShouldAutomaticallyResume 未完成且未暂停
func (a OfflineArea) ShouldAutomaticallyResume() bool {
	return a.IsIncomplete() && !a.Paused
}

// Bounds 区域范围
func (a OfflineArea) Bounds() tile_proxy.Bounds {
	return tile_proxy.Bounds{North: a.North, South: a.South, East: a.East, West: a.West}
}
