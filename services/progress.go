package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/bep/debounce"
)

// Hub 最新值优先的发布订阅，发布方从不阻塞
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	latest T
	has    bool
	closed bool
}

// NewHub 创建Hub
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]chan T)}
}

// Subscribe 订阅，新订阅者会先收到最近一次的值
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	if h.has {
		ch <- h.latest
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish 发布；订阅者缓冲已满时丢弃其最旧的值
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest = v
	h.has = true
	for _, ch := range h.subs {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Latest 最近一次发布的值
func (h *Hub[T]) Latest() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.has
}

// Close 关闭全部订阅
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Stage 进度阶段
type Stage string

const (
	StageBasemap    Stage = "BASEMAP"
	StageValhalla   Stage = "VALHALLA"
	StageProcessing Stage = "PROCESSING"
)

// DownloadProgress 当前下载的进度快照
type DownloadProgress struct {
	AreaID          string            `json:"areaId"`
	AreaName        string            `json:"areaName"`
	Stage           Stage             `json:"stage"`
	Status          models.AreaStatus `json:"status"`
	StageProgress   int               `json:"stageProgress"`
	StageTotal      int               `json:"stageTotal"`
	StageFraction   float64           `json:"stageFraction"`
	OverallFraction float64           `json:"overallFraction"`
	IsCompleted     bool              `json:"isCompleted"`
	HasError        bool              `json:"hasError"`
	Message         string            `json:"message"`
}

// stageFraction 阶段内进度
func stageFraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(done) / float64(total)
	if f > 1 {
		f = 1
	}
	return f
}

// overallFraction 底图占60%，路由与检索各占20%
func overallFraction(stage Stage, f float64) float64 {
	switch stage {
	case StageBasemap:
		return 0.6 * f
	case StageValhalla:
		return 0.6 + 0.2*f
	case StageProcessing:
		return 0.8 + 0.2*f
	}
	return 0
}

// NewStageProgress 构造阶段进度
func NewStageProgress(area models.OfflineArea, stage Stage, done, total int) DownloadProgress {
	f := stageFraction(done, total)
	p := DownloadProgress{
		AreaID:          area.ID,
		AreaName:        area.Name,
		Stage:           stage,
		Status:          area.Status,
		StageProgress:   done,
		StageTotal:      total,
		StageFraction:   f,
		OverallFraction: overallFraction(stage, f),
	}
	p.Message = p.Describe()
	return p
}

// CompletedProgress 完成
func CompletedProgress(area models.OfflineArea) DownloadProgress {
	p := DownloadProgress{
		AreaID:          area.ID,
		AreaName:        area.Name,
		Stage:           StageProcessing,
		Status:          models.StatusCompleted,
		StageFraction:   1,
		OverallFraction: 1,
		IsCompleted:     true,
	}
	p.Message = p.Describe()
	return p
}

// FailedProgress 失败
func FailedProgress(area models.OfflineArea, stage Stage, reason string) DownloadProgress {
	return DownloadProgress{
		AreaID:   area.ID,
		AreaName: area.Name,
		Stage:    stage,
		Status:   models.StatusFailed,
		HasError: true,
		Message:  "Download failed: " + reason,
	}
}

// Describe 进度文字
func (p DownloadProgress) Describe() string {
	switch {
	case p.HasError:
		return p.Message
	case p.IsCompleted:
		return "Download complete"
	}
	switch p.Stage {
	case StageBasemap:
		return fmt.Sprintf("Downloaded %d of %d map tiles", p.StageProgress, p.StageTotal)
	case StageValhalla:
		return fmt.Sprintf("Downloaded %d of %d routing tiles", p.StageProgress, p.StageTotal)
	case StageProcessing:
		return fmt.Sprintf("Processed %d of %d tiles for search", p.StageProgress, p.StageTotal)
	}
	return ""
}

// areaSnapshotter 合并短时间内的多次区域列表刷新
type areaSnapshotter struct {
	hub      *Hub[[]models.OfflineArea]
	debounce func(func())
	load     func() ([]models.OfflineArea, error)
	onError  func(error)
}

func newAreaSnapshotter(hub *Hub[[]models.OfflineArea], delay time.Duration, load func() ([]models.OfflineArea, error), onError func(error)) *areaSnapshotter {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &areaSnapshotter{
		hub:      hub,
		debounce: debounce.New(delay),
		load:     load,
		onError:  onError,
	}
}

// Notify 延迟刷新
func (s *areaSnapshotter) Notify() {
	s.debounce(s.Flush)
}

// Flush 立即刷新
func (s *areaSnapshotter) Flush() {
	areas, err := s.load()
	if err != nil {
		if s.onError != nil {
			s.onError(err)
		}
		return
	}
	s.hub.Publish(areas)
}
