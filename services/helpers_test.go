package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GrainArc/OfflineMap/config"
	"github.com/GrainArc/OfflineMap/models"
	"github.com/GrainArc/OfflineMap/tile_proxy"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var unitBounds = tile_proxy.Bounds{North: 1, South: 0, East: 1, West: 0}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMemoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func openMainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openMemoryDB(t)
	require.NoError(t, models.MigrateAll(db))
	return db
}

func openMBTilesDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openMemoryDB(t)
	require.NoError(t, models.MigrateMBTiles(db))
	return db
}

// vectorTile 生成包含一个命名点要素的MVT
func vectorTile(t testing.TB, z, x, y int, name string) []byte {
	t.Helper()
	b := tile_proxy.GetTileBoundsWGS84(z, x, y)
	f := geojson.NewFeature(orb.Point{(b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2})
	f.Properties["name"] = name
	f.Properties["amenity"] = "cafe"
	fc := geojson.NewFeatureCollection()
	fc.Append(f)

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{"poi": fc})
	layers.ProjectToTile(maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))
	data, err := mvt.Marshal(layers)
	require.NoError(t, err)
	return data
}

// fakeFetcher 记录调用次数的瓦片获取器
type fakeFetcher struct {
	t          testing.TB
	basemap    atomic.Int64
	valhalla   atomic.Int64
	mu         sync.Mutex
	fetched    []TileRef
	failures   map[string]int // 剩余失败次数，<0 表示总是失败
	onFetch    func(ctx context.Context, ref TileRef) error
	basemapErr error
}

func newFakeFetcher(t testing.TB) *fakeFetcher {
	return &fakeFetcher{t: t, failures: make(map[string]int)}
}

func (f *fakeFetcher) failTimes(ref TileRef, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[ref.String()] = n
}

func (f *fakeFetcher) before(ctx context.Context, ref TileRef) error {
	f.mu.Lock()
	f.fetched = append(f.fetched, ref)
	n, ok := f.failures[ref.String()]
	if ok && n != 0 {
		if n > 0 {
			f.failures[ref.String()] = n - 1
		}
		f.mu.Unlock()
		return errors.New("transient fetch error")
	}
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, ref)
	}
	return nil
}

func (f *fakeFetcher) FetchBasemapTile(ctx context.Context, z, x, y int) ([]byte, error) {
	f.basemap.Add(1)
	if err := f.before(ctx, TileRef{Type: models.TileTypeBasemap, Z: z, X: x, Y: y}); err != nil {
		return nil, err
	}
	return vectorTile(f.t, z, x, y, fmt.Sprintf("Place %d-%d-%d", z, x, y)), nil
}

func (f *fakeFetcher) FetchValhallaTile(ctx context.Context, level, index int) ([]byte, error) {
	f.valhalla.Add(1)
	if err := f.before(ctx, TileRef{Type: models.TileTypeValhalla, Level: level, Index: index}); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("graph-%d-%d", level, index)), nil
}

type fixture struct {
	db       *gorm.DB
	mbtiles  *gorm.DB
	dir      string
	areas    *AreaStore
	ledger   *TileLedger
	storage  *TileStorage
	geocoder *Geocoder
	fetcher  *fakeFetcher
	manager  *DownloadManager
}

func newFixture(t *testing.T, tweak ...func(*ManagerOptions)) *fixture {
	t.Helper()
	fx := &fixture{
		db:      openMainDB(t),
		mbtiles: openMBTilesDB(t),
		dir:     t.TempDir(),
		fetcher: newFakeFetcher(t),
	}
	fx.areas = NewAreaStore(fx.db)
	fx.ledger = NewTileLedger(fx.db)
	fx.storage = NewTileStorage(fx.mbtiles, fx.dir+"/valhalla_tiles", tile_proxy.NewTileCache(100, time.Minute))
	fx.geocoder = NewGeocoder(fx.db, fx.storage, testLogger())

	opts := ManagerOptions{
		Areas:        fx.areas,
		Ledger:       fx.ledger,
		Fetcher:      fx.fetcher,
		Writer:       fx.storage,
		Geocoder:     fx.geocoder,
		Logger:       testLogger(),
		Concurrency:  4,
		MaxRetries:   2,
		RetryDelay:   time.Millisecond,
		RetryBackoff: 2,
		NotifyDelay:  10 * time.Millisecond,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	fx.manager = NewDownloadManager(opts)
	t.Cleanup(fx.manager.Close)
	return fx
}

// waitStatus 等待区域进入指定状态
func (fx *fixture) waitStatus(t *testing.T, id string, want models.AreaStatus) *models.OfflineArea {
	t.Helper()
	var area *models.OfflineArea
	require.Eventually(t, func() bool {
		a, err := fx.areas.Get(context.Background(), id)
		if err != nil {
			return false
		}
		area = a
		return a.Status == want && fx.manager.ActiveAreaID() != id
	}, 10*time.Second, 5*time.Millisecond, "area %s never reached %s", id, want)
	return area
}

// seedArea 直接写入区域记录，不经过下载队列
func (fx *fixture) seedArea(t *testing.T, status models.AreaStatus, paused bool) *models.OfflineArea {
	t.Helper()
	area := &models.OfflineArea{
		ID:           uuid.NewString(),
		Name:         "seed",
		North:        unitBounds.North,
		South:        unitBounds.South,
		East:         unitBounds.East,
		West:         unitBounds.West,
		MinZoom:      0,
		MaxZoom:      1,
		DownloadDate: time.Now(),
		Status:       status,
		Paused:       paused,
	}
	require.NoError(t, fx.areas.Create(context.Background(), area))
	return area
}
