package services

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/GrainArc/OfflineMap/config"
	"github.com/GrainArc/OfflineMap/methods"
	"github.com/GrainArc/OfflineMap/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportArea(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	exportDir := filepath.Join(fx.dir, "exports")
	exporter := NewAreaExporter(fx.areas, fx.ledger, fx.storage, exportDir, testLogger())

	_, err := fx.manager.Start(ctx)
	require.NoError(t, err)
	area, err := fx.manager.StartDownload(ctx, unitBounds, 0, 1, "Export")
	require.NoError(t, err)

	t.Run("incomplete areas are rejected", func(t *testing.T) {
		pending := fx.seedArea(t, models.StatusPending, true)
		_, err := exporter.ExportArea(ctx, pending.ID, "")
		assert.ErrorIs(t, err, ErrAreaNotReady)
	})

	fx.waitStatus(t, area.ID, models.StatusCompleted)

	path, err := exporter.ExportArea(ctx, area.ID, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(exportDir, area.ID+".tar.gz"), path)

	out := filepath.Join(t.TempDir(), "bundle")
	require.NoError(t, methods.ExtractArchive(path, out))

	raw, err := os.ReadFile(filepath.Join(out, bundleManifest))
	require.NoError(t, err)
	var manifest BundleManifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, area.ID, manifest.Area.ID)
	assert.Equal(t, 2, manifest.BasemapTiles)
	assert.Equal(t, 30, manifest.ValhallaTiles)

	assert.FileExists(t, filepath.Join(out, bundleValhalla, "0", "002", "025.gph"))

	db, err := config.OpenSQLite(filepath.Join(out, bundleMBTiles))
	require.NoError(t, err)
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()
	var tiles int64
	require.NoError(t, db.Model(&models.Tile{}).Count(&tiles).Error)
	assert.Equal(t, int64(2), tiles)

	entries, err := os.ReadDir(exportDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging directory must be removed")
}
