package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
)

// RecoveryReport 启动恢复扫描结果
type RecoveryReport struct {
	Resumed       []string `json:"resumed"`
	SkippedPaused []string `json:"skippedPaused"`
	OrphansPurged []string `json:"orphansPurged"`
}

// RecoveryScanner 启动时对账：恢复未完成区域，清理孤立台账
type RecoveryScanner struct {
	areas   *AreaStore
	ledger  *TileLedger
	enqueue func(id string)
	purge   func(ctx context.Context, id string) error
	logger  *slog.Logger
}

// NewRecoveryScanner 创建恢复扫描器
func NewRecoveryScanner(areas *AreaStore, ledger *TileLedger, enqueue func(string), purge func(context.Context, string) error, logger *slog.Logger) *RecoveryScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryScanner{areas: areas, ledger: ledger, enqueue: enqueue, purge: purge, logger: logger}
}

// Scan 执行一次恢复扫描
func (r *RecoveryScanner) Scan(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	incomplete, err := r.areas.ListIncomplete(ctx)
	if err != nil {
		return report, fmt.Errorf("list incomplete areas: %w", err)
	}
	for _, area := range incomplete {
		if !area.ShouldAutomaticallyResume() {
			report.SkippedPaused = append(report.SkippedPaused, area.ID)
			continue
		}
		r.enqueue(area.ID)
		report.Resumed = append(report.Resumed, area.ID)
	}

	// 台账中有记录但区域已不存在：上次删除未完成
	withTiles, err := r.ledger.GetAreasWithDownloadedTiles(ctx)
	if err != nil {
		return report, fmt.Errorf("list ledger areas: %w", err)
	}
	ids, err := r.areas.ListIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list area ids: %w", err)
	}
	orphans, _ := lo.Difference(withTiles, ids)
	for _, id := range orphans {
		if err := r.purge(ctx, id); err != nil {
			return report, fmt.Errorf("purge orphan %s: %w", id, err)
		}
		report.OrphansPurged = append(report.OrphansPurged, id)
	}

	// fileSize 仅供参考，以台账为准
	for _, area := range incomplete {
		size, err := r.ledger.SumBytesForArea(ctx, area.ID)
		if err != nil {
			return report, err
		}
		if size != area.FileSize {
			if err := r.areas.SetFileSize(ctx, area.ID, size); err != nil {
				return report, err
			}
		}
	}

	r.logger.Info("recovery scan finished",
		"resumed", len(report.Resumed),
		"skippedPaused", len(report.SkippedPaused),
		"orphansPurged", len(report.OrphansPurged))
	return report, nil
}
