package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/GrainArc/OfflineMap/models"
	"gorm.io/gorm"
)

var ErrAreaNotFound = errors.New("offline area not found")

// AreaStore 离线区域记录
type AreaStore struct {
	db *gorm.DB
}

// NewAreaStore 创建区域存储
func NewAreaStore(db *gorm.DB) *AreaStore {
	return &AreaStore{db: db}
}

// Create 新建区域记录
func (s *AreaStore) Create(ctx context.Context, area *models.OfflineArea) error {
	if area.Status == "" {
		area.Status = models.StatusPending
	}
	return s.db.WithContext(ctx).Create(area).Error
}

// Get 查询区域
func (s *AreaStore) Get(ctx context.Context, id string) (*models.OfflineArea, error) {
	var area models.OfflineArea
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&area).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAreaNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &area, nil
}

// List 全部区域，按创建时间排序
func (s *AreaStore) List(ctx context.Context) ([]models.OfflineArea, error) {
	var areas []models.OfflineArea
	err := s.db.WithContext(ctx).Order("download_date ASC, id ASC").Find(&areas).Error
	return areas, err
}

// ListIncomplete 尚未进入终态的区域，最早创建的在前
func (s *AreaStore) ListIncomplete(ctx context.Context) ([]models.OfflineArea, error) {
	var areas []models.OfflineArea
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []models.AreaStatus{models.StatusCompleted, models.StatusFailed}).
		Order("download_date ASC, id ASC").
		Find(&areas).Error
	return areas, err
}

// ListIDs 全部区域ID
func (s *AreaStore) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.OfflineArea{}).Pluck("id", &ids).Error
	return ids, err
}

// Transition 按事件迁移状态。条件更新保证已删除的记录不会被重新写回
func (s *AreaStore) Transition(ctx context.Context, id string, event models.AreaEvent) (models.AreaStatus, error) {
	area, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	next, err := models.Next(area.Status, event)
	if err != nil {
		return area.Status, err
	}
	updates := map[string]interface{}{"status": next}
	if next != models.StatusFailed {
		updates["error_msg"] = ""
	}
	res := s.db.WithContext(ctx).Model(&models.OfflineArea{}).
		Where("id = ? AND status = ?", id, area.Status).
		Updates(updates)
	if res.Error != nil {
		return area.Status, res.Error
	}
	if res.RowsAffected == 0 {
		// 记录被删除或状态已被并发修改
		if _, err := s.Get(ctx, id); err != nil {
			return "", err
		}
		return area.Status, fmt.Errorf("%w: %s changed concurrently", models.ErrIllegalTransition, id)
	}
	return next, nil
}

// SetPaused 设置暂停标记，不存在的区域返回 ErrAreaNotFound
func (s *AreaStore) SetPaused(ctx context.Context, id string, paused bool) error {
	res := s.db.WithContext(ctx).Model(&models.OfflineArea{}).Where("id = ?", id).Update("paused", paused)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SetFileSize 更新已写入字节数
func (s *AreaStore) SetFileSize(ctx context.Context, id string, size int64) error {
	return s.db.WithContext(ctx).Model(&models.OfflineArea{}).Where("id = ?", id).Update("file_size", size).Error
}

// MarkFailed 迁移到 FAILED 并记录原因
func (s *AreaStore) MarkFailed(ctx context.Context, id string, reason string) error {
	if _, err := s.Transition(ctx, id, models.EventFail); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&models.OfflineArea{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"error_msg": reason, "file_size": 0}).Error
}

// Delete 删除记录，重复删除不报错
func (s *AreaStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.OfflineArea{}).Error
}
