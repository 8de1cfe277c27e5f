package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/GrainArc/OfflineMap/config"
	"github.com/GrainArc/OfflineMap/models"
	"github.com/GrainArc/OfflineMap/routers"
	"github.com/GrainArc/OfflineMap/services"
	"github.com/GrainArc/OfflineMap/tile_proxy"
	"github.com/GrainArc/OfflineMap/views"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	db, err := config.OpenDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	if err := models.MigrateAll(db); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	mbtiles, err := config.OpenSQLite(cfg.MBTilesPath())
	if err != nil {
		log.Fatalf("打开MBTiles失败: %v", err)
	}
	if err := models.MigrateMBTiles(mbtiles); err != nil {
		log.Fatalf("MBTiles迁移失败: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics("offline", registry)

	fetcher := tile_proxy.NewHTTPTileFetcher(cfg.Download.BasemapURL, cfg.Download.ValhallaURL, cfg.Download.HTTPTimeout)
	storage := services.NewTileStorage(mbtiles, cfg.ValhallaPath(), tile_proxy.NewTileCache(cfg.Cache.Size, cfg.Cache.TTL))
	areas := services.NewAreaStore(db)
	ledger := services.NewTileLedger(db)
	geocoder := services.NewGeocoder(db, storage, logger)

	manager := services.NewDownloadManager(services.ManagerOptions{
		Areas:        areas,
		Ledger:       ledger,
		Fetcher:      fetcher,
		Writer:       storage,
		Geocoder:     geocoder,
		Metrics:      metrics,
		Logger:       logger,
		Concurrency:  cfg.Download.Concurrency,
		MaxRetries:   cfg.Download.MaxRetries,
		RetryDelay:   cfg.Download.RetryDelay,
		RetryBackoff: cfg.Download.RetryBackoff,
		NotifyDelay:  cfg.Download.NotifyDelay,
	})
	exporter := services.NewAreaExporter(areas, ledger, storage, cfg.ExportPath(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := manager.Start(ctx)
	if err != nil {
		log.Fatalf("启动下载管理器失败: %v", err)
	}
	logger.Info("recovery finished",
		"resumed", len(report.Resumed),
		"skippedPaused", len(report.SkippedPaused),
		"orphansPurged", len(report.OrphansPurged))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	routers.OfflineRouters(r, views.NewOfflineController(manager, storage, geocoder, exporter), registry)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP服务异常退出: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// 先关闭订阅，websocket 连接随之退出
	manager.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP服务关闭失败: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	if sqlDB, err := mbtiles.DB(); err == nil {
		sqlDB.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
