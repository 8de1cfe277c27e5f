package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var MainConfig Config

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Download DownloadConfig `yaml:"download"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig 区域记录与瓦片台账所在的数据库
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, mysql
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"`
}

type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	MBTilesFile string `yaml:"mbtiles_file"`
	ValhallaDir string `yaml:"valhalla_dir"`
	ExportDir   string `yaml:"export_dir"`
}

// DownloadConfig 下载参数
type DownloadConfig struct {
	BasemapURL   string        `yaml:"basemap_url"`
	ValhallaURL  string        `yaml:"valhalla_url"`
	Concurrency  int           `yaml:"concurrency"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	RetryBackoff float64       `yaml:"retry_backoff"`
	NotifyDelay  time.Duration `yaml:"notify_delay"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Addr: ":8426"},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Storage: StorageConfig{
			DataDir:     "./data",
			MBTilesFile: "offline_areas.mbtiles",
			ValhallaDir: "valhalla_tiles",
			ExportDir:   "exports",
		},
		Download: DefaultDownloadConfig(),
		Cache: CacheConfig{
			Size: 2000,
			TTL:  10 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultDownloadConfig 默认下载参数
func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		BasemapURL:   "https://tiles.cardinaldata.airmail.rs/{z}/{x}/{y}.pbf",
		ValhallaURL:  "https://cardinaldata.airmail.rs/valhalla-250825",
		Concurrency:  10,
		MaxRetries:   3,
		RetryDelay:   500 * time.Millisecond,
		RetryBackoff: 2,
		NotifyDelay:  500 * time.Millisecond,
		HTTPTimeout:  30 * time.Second,
	}
}

// Load 读取 .env 与 yaml 配置文件，环境变量优先
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, fmt.Errorf("failed to load env files: %w", err)
	}

	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("OFFLINE_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// 无配置文件时使用默认值
	default:
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	MainConfig = cfg
	return cfg, nil
}

// loadEnvFiles 按优先级加载 .env.local、.env.{APP_ENV}、.env，已存在的变量不会被覆盖
func loadEnvFiles() error {
	files := []string{".env.local"}
	if env := os.Getenv("APP_ENV"); env != "" {
		files = append(files, ".env."+env)
	}
	files = append(files, ".env")

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("OFFLINE_ADDR", &cfg.Server.Addr)
	setString("OFFLINE_DB_DRIVER", &cfg.Database.Driver)
	setString("OFFLINE_DB_DSN", &cfg.Database.DSN)
	setString("OFFLINE_DATA_DIR", &cfg.Storage.DataDir)
	setString("OFFLINE_BASEMAP_URL", &cfg.Download.BasemapURL)
	setString("OFFLINE_VALHALLA_URL", &cfg.Download.ValhallaURL)
	setString("OFFLINE_LOG_LEVEL", &cfg.Log.Level)

	if v, ok := os.LookupEnv("OFFLINE_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OFFLINE_CONCURRENCY: %w", err)
		}
		cfg.Download.Concurrency = n
	}
	if v, ok := os.LookupEnv("OFFLINE_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OFFLINE_MAX_RETRIES: %w", err)
		}
		cfg.Download.MaxRetries = n
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = def.Database.Driver
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = def.Storage.DataDir
	}
	if cfg.Storage.MBTilesFile == "" {
		cfg.Storage.MBTilesFile = def.Storage.MBTilesFile
	}
	if cfg.Storage.ValhallaDir == "" {
		cfg.Storage.ValhallaDir = def.Storage.ValhallaDir
	}
	if cfg.Storage.ExportDir == "" {
		cfg.Storage.ExportDir = def.Storage.ExportDir
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = filepath.Join(cfg.Storage.DataDir, "offline.db")
	}
	if cfg.Download.Concurrency <= 0 {
		cfg.Download.Concurrency = def.Download.Concurrency
	}
	if cfg.Download.RetryDelay <= 0 {
		cfg.Download.RetryDelay = def.Download.RetryDelay
	}
	if cfg.Download.RetryBackoff < 1 {
		cfg.Download.RetryBackoff = def.Download.RetryBackoff
	}
	if cfg.Download.NotifyDelay <= 0 {
		cfg.Download.NotifyDelay = def.Download.NotifyDelay
	}
	if cfg.Download.HTTPTimeout <= 0 {
		cfg.Download.HTTPTimeout = def.Download.HTTPTimeout
	}
	if cfg.Cache.Size <= 0 {
		cfg.Cache.Size = def.Cache.Size
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = def.Cache.TTL
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %s", c.Database.Driver)
	}
	if !strings.Contains(c.Download.BasemapURL, "{z}") {
		return fmt.Errorf("basemap_url must contain {z}/{x}/{y} placeholders")
	}
	if c.Download.ValhallaURL == "" {
		return fmt.Errorf("valhalla_url is required")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// MBTilesPath 底图MBTiles文件路径
func (c Config) MBTilesPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.MBTilesFile)
}

// ValhallaPath 路由瓦片目录
func (c Config) ValhallaPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.ValhallaDir)
}

// ExportPath 区域导出目录
func (c Config) ExportPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.ExportDir)
}
