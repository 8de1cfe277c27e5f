package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDatabase 按驱动打开区域与台账数据库
func OpenDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		// 确保目录存在
		if dir := filepath.Dir(sqliteFilePath(cfg.DSN)); dir != "" && dir != "." && !isMemoryDSN(cfg.DSN) {
			if err := os.MkdirAll(dir, os.ModePerm); err != nil {
				log.Printf("创建存储目录失败: %v", err)
				return nil, err
			}
		}
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := logger.Silent
	if cfg.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		log.Printf("连接数据库失败: %v", err)
		return nil, err
	}

	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		// sqlite 单写者
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return db, nil
}

// OpenSQLite 打开一个sqlite文件（MBTiles）
func OpenSQLite(path string) (*gorm.DB, error) {
	if !isMemoryDSN(path) {
		if err := os.MkdirAll(filepath.Dir(sqliteFilePath(path)), os.ModePerm); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func isMemoryDSN(dsn string) bool {
	return strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// sqliteFilePath 去掉 file: 前缀与查询参数后的文件路径
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// sqliteDSN 文件路径附加 busy_timeout 与 WAL
func sqliteDSN(dsn string) string {
	if isMemoryDSN(dsn) {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL"
}
