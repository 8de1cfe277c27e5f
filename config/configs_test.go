package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join("./data", "offline.db"), cfg.Database.DSN)
	assert.Equal(t, 10, cfg.Download.Concurrency)
	assert.Equal(t, 3, cfg.Download.MaxRetries)
	assert.Equal(t, filepath.Join("data", "offline_areas.mbtiles"), cfg.MBTilesPath())
	assert.Equal(t, filepath.Join("data", "valhalla_tiles"), cfg.ValhallaPath())
	assert.Equal(t, filepath.Join("data", "exports"), cfg.ExportPath())
	assert.Equal(t, cfg, MainConfig)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
storage:
  data_dir: /var/lib/offline
download:
  concurrency: 4
  retry_delay: 2s
  notify_delay: 100ms
cache:
  size: 50
log:
  level: debug
`)
	t.Setenv("OFFLINE_MAX_RETRIES", "7")
	t.Setenv("OFFLINE_ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Download.Concurrency)
	assert.Equal(t, 7, cfg.Download.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Download.RetryDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Download.NotifyDelay)
	assert.Equal(t, 50, cfg.Cache.Size)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/offline/offline.db", cfg.Database.DSN)
}

func TestLoadErrors(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [:"))
		assert.Error(t, err)
	})

	t.Run("bad env number", func(t *testing.T) {
		t.Setenv("OFFLINE_CONCURRENCY", "many")
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorContains(t, err, "OFFLINE_CONCURRENCY")
	})
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Database.DSN = "offline.db"
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *Config){
		"driver":      func(c *Config) { c.Database.Driver = "oracle" },
		"dsn":         func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" },
		"basemap url": func(c *Config) { c.Download.BasemapURL = "https://tiles.example.com/tile.pbf" },
		"valhalla":    func(c *Config) { c.Download.ValhallaURL = "" },
		"retries":     func(c *Config) { c.Download.MaxRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOpenDatabase(t *testing.T) {
	t.Run("sqlite file", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "nested", "offline.db")
		db, err := OpenDatabase(DatabaseConfig{Driver: "sqlite", DSN: dsn})
		require.NoError(t, err)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		defer sqlDB.Close()
		require.NoError(t, sqlDB.Ping())
		assert.FileExists(t, dsn)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := OpenDatabase(DatabaseConfig{Driver: "oracle", DSN: "x"})
		assert.Error(t, err)
	})
}

func TestSQLiteDSN(t *testing.T) {
	cases := []struct {
		dsn    string
		memory bool
		path   string
		opened string
	}{
		{":memory:", true, ":memory:", ":memory:"},
		{"file:abc?mode=memory&cache=shared", true, "abc", "file:abc?mode=memory&cache=shared"},
		{"data/offline.db", false, "data/offline.db", "data/offline.db?_busy_timeout=5000&_journal_mode=WAL"},
		{"file:/data/areas.db", false, "/data/areas.db", "file:/data/areas.db?_busy_timeout=5000&_journal_mode=WAL"},
		{"file:/data/areas.db?cache=shared", false, "/data/areas.db", "file:/data/areas.db?cache=shared&_busy_timeout=5000&_journal_mode=WAL"},
	}
	for _, c := range cases {
		t.Run(c.dsn, func(t *testing.T) {
			assert.Equal(t, c.memory, isMemoryDSN(c.dsn))
			assert.Equal(t, c.path, sqliteFilePath(c.dsn))
			assert.Equal(t, c.opened, sqliteDSN(c.dsn))
		})
	}
}

func TestOpenSQLiteFileURI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "areas.db")
	db, err := OpenSQLite("file:" + path)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)
	assert.FileExists(t, path)
}
