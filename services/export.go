package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GrainArc/OfflineMap/config"
	"github.com/GrainArc/OfflineMap/methods"
	"github.com/GrainArc/OfflineMap/models"
	"github.com/GrainArc/OfflineMap/tile_proxy"
)

var ErrAreaNotReady = errors.New("area download is not completed")

const (
	bundleMBTiles  = "area.mbtiles"
	bundleManifest = "area.json"
	bundleValhalla = "valhalla_tiles"
)

// AreaExporter 将已完成区域打包，便于拷贝到其它设备
type AreaExporter struct {
	areas     *AreaStore
	ledger    *TileLedger
	storage   *TileStorage
	exportDir string
	logger    *slog.Logger
}

// NewAreaExporter 创建导出器
func NewAreaExporter(areas *AreaStore, ledger *TileLedger, storage *TileStorage, exportDir string, logger *slog.Logger) *AreaExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AreaExporter{areas: areas, ledger: ledger, storage: storage, exportDir: exportDir, logger: logger}
}

// BundleManifest 导出包内的区域说明
type BundleManifest struct {
	Area          models.OfflineArea `json:"area"`
	BasemapTiles  int                `json:"basemapTiles"`
	ValhallaTiles int                `json:"valhallaTiles"`
}

// ExportArea 导出区域为 tar.gz；dest 为空时写入导出目录。返回包路径
func (e *AreaExporter) ExportArea(ctx context.Context, id, dest string) (string, error) {
	area, err := e.areas.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if area.Status != models.StatusCompleted {
		return "", fmt.Errorf("%w: %s is %s", ErrAreaNotReady, id, area.Status)
	}
	if dest == "" {
		dest = filepath.Join(e.exportDir, area.ID+".tar.gz")
	}

	if err := os.MkdirAll(e.exportDir, os.ModePerm); err != nil {
		return "", err
	}
	stage, err := os.MkdirTemp(e.exportDir, "export-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(stage)

	manifest, err := e.stageArea(ctx, area, stage)
	if err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(stage, bundleManifest), raw, 0o644); err != nil {
		return "", err
	}

	sources := []string{filepath.Join(stage, bundleManifest), filepath.Join(stage, bundleMBTiles)}
	if manifest.ValhallaTiles > 0 {
		sources = append(sources, filepath.Join(stage, bundleValhalla))
	}
	if err := methods.ArchiveFiles(sources, dest); err != nil {
		return "", err
	}
	e.logger.Info("area exported", "area", area.ID, "path", dest,
		"basemapTiles", manifest.BasemapTiles, "valhallaTiles", manifest.ValhallaTiles)
	return dest, nil
}

// stageArea 把区域的底图与路由瓦片复制到独立的 MBTiles 与目录中
func (e *AreaExporter) stageArea(ctx context.Context, area *models.OfflineArea, stage string) (BundleManifest, error) {
	manifest := BundleManifest{Area: *area}

	db, err := config.OpenSQLite(filepath.Join(stage, bundleMBTiles))
	if err != nil {
		return manifest, err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()
	if err := models.MigrateMBTiles(db); err != nil {
		return manifest, err
	}
	dst := NewTileStorage(db, filepath.Join(stage, bundleValhalla), nil)

	maxZoom := tile_proxy.EffectiveBasemapMaxZoom(area.MaxZoom)
	for z := area.MinZoom; z <= maxZoom; z++ {
		err := e.storage.ForEachBasemapTile(ctx, area.ID, z, func(z, x, y int, data []byte) error {
			ref := TileRef{Type: models.TileTypeBasemap, Z: z, X: x, Y: y}
			if _, err := dst.WriteTile(ctx, area.ID, ref, data); err != nil {
				return err
			}
			manifest.BasemapTiles++
			return nil
		})
		if err != nil {
			return manifest, err
		}
	}

	routing, err := e.ledger.GetDownloadedTilesForAreaAndType(ctx, area.ID, models.TileTypeValhalla)
	if err != nil {
		return manifest, err
	}
	for _, t := range routing {
		if t.HierarchyLevel == nil || t.TileIndex == nil {
			continue
		}
		ref := TileRef{Type: models.TileTypeValhalla, Level: *t.HierarchyLevel, Index: *t.TileIndex}
		data, err := os.ReadFile(e.storage.ValhallaFilePath(ref.Level, ref.Index))
		if err != nil {
			return manifest, &StorageError{Op: "read", Path: ref.String(), Err: err}
		}
		if _, err := dst.WriteTile(ctx, area.ID, ref, data); err != nil {
			return manifest, err
		}
		manifest.ValhallaTiles++
	}
	return manifest, nil
}
