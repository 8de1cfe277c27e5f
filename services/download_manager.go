// services/download_manager.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/GrainArc/OfflineMap/tile_proxy"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRetryExhausted  = errors.New("tile retries exhausted")
	ErrStageIncomplete = errors.New("stage incomplete")
	ErrManagerStarted  = errors.New("download manager already started")
)

// TileFetcher 单次请求获取瓦片，重试由下载管理器负责
type TileFetcher interface {
	FetchBasemapTile(ctx context.Context, z, x, y int) ([]byte, error)
	FetchValhallaTile(ctx context.Context, level, index int) ([]byte, error)
}

// TileWriter 瓦片落盘
type TileWriter interface {
	WriteTile(ctx context.Context, areaID string, ref TileRef, data []byte) (int64, error)
	DeleteAreaTiles(ctx context.Context, areaID string, routing []models.DownloadedTile, shared SharedFunc) error
}

// GeocoderProcessor 区域地理编码索引
type GeocoderProcessor interface {
	ProcessArea(ctx context.Context, area models.OfflineArea, progress func(done, total int)) error
	DeleteArea(ctx context.Context, areaID string) error
}

// ManagerOptions 下载管理器依赖与参数
type ManagerOptions struct {
	Areas    *AreaStore
	Ledger   *TileLedger
	Fetcher  TileFetcher
	Writer   TileWriter
	Geocoder GeocoderProcessor
	Metrics  *Metrics
	Logger   *slog.Logger

	Concurrency  int
	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64
	NotifyDelay  time.Duration
}

// DownloadManager 串行驱动离线区域下载，同一时刻只有一个区域处于下载中
type DownloadManager struct {
	opts    ManagerOptions
	areas   *AreaStore
	ledger  *TileLedger
	logger  *slog.Logger
	metrics *Metrics

	queue *downloadQueue
	slot  downloadSlot
	// dispatchMu 保证出队与占用槽位、移出队列与取消之间没有空隙
	dispatchMu sync.Mutex

	progress  *Hub[DownloadProgress]
	areaList  *Hub[[]models.OfflineArea]
	snapshots *areaSnapshotter
	recovery  *RecoveryScanner

	mu      sync.Mutex
	started bool
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
}

// NewDownloadManager 创建下载管理器
func NewDownloadManager(opts ManagerOptions) *DownloadManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff < 1 {
		opts.RetryBackoff = 1
	}

	m := &DownloadManager{
		opts:     opts,
		areas:    opts.Areas,
		ledger:   opts.Ledger,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		queue:    newDownloadQueue(),
		progress: NewHub[DownloadProgress](),
		areaList: NewHub[[]models.OfflineArea](),
	}
	m.snapshots = newAreaSnapshotter(m.areaList, opts.NotifyDelay,
		func() ([]models.OfflineArea, error) {
			return m.areas.List(context.Background())
		},
		func(err error) {
			m.logger.Warn("refresh area list failed", "error", err)
		})
	m.recovery = NewRecoveryScanner(m.areas, m.ledger, m.enqueue, m.purgeArea, m.logger)
	return m
}

// Start 执行恢复扫描后启动后台下载协程
func (m *DownloadManager) Start(ctx context.Context) (RecoveryReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return RecoveryReport{}, ErrManagerStarted
	}

	report, err := m.recovery.Scan(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery scan: %w", err)
	}

	runCtx, stop := context.WithCancelCause(context.WithoutCancel(ctx))
	m.stop = stop
	m.started = true
	m.wg.Add(1)
	go m.run(runCtx)

	m.snapshots.Flush()
	return report, nil
}

// Stop 停止后台协程，活动下载保持原状态以便下次恢复
func (m *DownloadManager) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.started = false
	m.stop = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	stop(errShutdown)
	m.wg.Wait()
}

// Close 停止并关闭所有订阅
func (m *DownloadManager) Close() {
	m.Stop()
	m.progress.Close()
	m.areaList.Close()
}

func (m *DownloadManager) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		dctx, h, ok := m.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.queue.notify:
			}
			continue
		}
		m.process(dctx, h)
	}
}

// next 出队并占用槽位
func (m *DownloadManager) next(ctx context.Context) (context.Context, *downloadHandle, bool) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	id, ok := m.queue.pop()
	if !ok {
		return nil, nil, false
	}
	m.metrics.SetQueueLength(m.queue.len())
	dctx, h, ok := m.slot.acquire(ctx, id)
	if !ok {
		// 单协程下不会发生
		m.queue.push(id)
		return nil, nil, false
	}
	return dctx, h, true
}

func (m *DownloadManager) process(ctx context.Context, h *downloadHandle) {
	var paused bool
	defer func() {
		m.slot.release(h)
		if paused {
			m.requeueIfResumed(h.areaID)
		}
	}()
	m.metrics.SetActive(true)
	defer m.metrics.SetActive(false)

	area, err := m.areas.Get(ctx, h.areaID)
	if err != nil {
		if !errors.Is(err, ErrAreaNotFound) {
			m.logger.Error("load area failed", "area", h.areaID, "error", err)
		}
		return
	}
	if !area.ShouldAutomaticallyResume() {
		return
	}

	logger := m.logger.With("area", area.ID)
	logger.Info("download started", "status", area.Status)
	started := time.Now()

	stage, err := m.runArea(ctx, area)
	if err == nil {
		m.metrics.AreaFinished(models.StatusCompleted, time.Since(started))
		logger.Info("download completed", "elapsed", time.Since(started))
		m.snapshots.Notify()
		return
	}

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case h.deleted.Load() || errors.Is(cause, errDeleted):
			logger.Info("download cancelled by deletion")
		case errors.Is(cause, errPaused):
			paused = true
			logger.Info("download paused", "stage", stage)
			m.snapshots.Notify()
		default:
			logger.Info("download interrupted", "stage", stage, "cause", cause)
		}
		return
	}

	m.fail(context.WithoutCancel(ctx), area, stage, err)
	m.metrics.AreaFinished(models.StatusFailed, time.Since(started))
}

// requeueIfResumed 暂停生效前已恢复的区域，释放槽位后重新入队
func (m *DownloadManager) requeueIfResumed(id string) {
	area, err := m.areas.Get(context.Background(), id)
	if err != nil {
		if !errors.Is(err, ErrAreaNotFound) {
			m.logger.Warn("reload paused area failed", "area", id, "error", err)
		}
		return
	}
	if area.ShouldAutomaticallyResume() {
		m.logger.Info("area resumed while pausing, requeued", "area", id)
		m.enqueue(id)
	}
}

// runArea 从区域当前状态开始依次执行各阶段
func (m *DownloadManager) runArea(ctx context.Context, area *models.OfflineArea) (Stage, error) {
	var err error
	if area.Status == models.StatusPending {
		if err = m.advance(ctx, area, models.EventStart); err != nil {
			return StageBasemap, err
		}
	}

	if area.Status == models.StatusDownloadingBasemap {
		tiles, err := tile_proxy.BasemapTilesForBounds(area.Bounds(), area.MinZoom, area.MaxZoom)
		if err != nil {
			return StageBasemap, err
		}
		refs := lo.Map(tiles, func(c tile_proxy.TileCoord, _ int) TileRef { return BasemapRef(c) })
		if err := m.runTileStage(ctx, area, StageBasemap, models.TileTypeBasemap, refs); err != nil {
			return StageBasemap, err
		}
		m.persistFileSize(ctx, area)
		if err := m.advance(ctx, area, models.EventBasemapDone); err != nil {
			return StageBasemap, err
		}
	}

	if area.Status == models.StatusDownloadingValhalla {
		tiles, err := tile_proxy.ValhallaTilesForBounds(area.Bounds())
		if err != nil {
			return StageValhalla, err
		}
		refs := lo.Map(tiles, func(t tile_proxy.ValhallaTile, _ int) TileRef { return ValhallaRef(t) })
		if err := m.runTileStage(ctx, area, StageValhalla, models.TileTypeValhalla, refs); err != nil {
			return StageValhalla, err
		}
		m.persistFileSize(ctx, area)
		if err := m.advance(ctx, area, models.EventRoutingDone); err != nil {
			return StageValhalla, err
		}
	}

	if area.Status == models.StatusProcessingGeocoder {
		if err := m.runGeocoder(ctx, area); err != nil {
			return StageProcessing, err
		}
		m.persistFileSize(ctx, area)
		if err := m.advance(ctx, area, models.EventGeocoderDone); err != nil {
			return StageProcessing, err
		}
		m.progress.Publish(CompletedProgress(*area))
		return StageProcessing, nil
	}

	if area.Status != models.StatusCompleted {
		err = fmt.Errorf("%w: unexpected status %s", models.ErrIllegalTransition, area.Status)
	}
	return StageProcessing, err
}

// advance 持久化阶段迁移
func (m *DownloadManager) advance(ctx context.Context, area *models.OfflineArea, event models.AreaEvent) error {
	next, err := m.areas.Transition(ctx, area.ID, event)
	if err != nil {
		return err
	}
	area.Status = next
	m.logger.Debug("status changed", "area", area.ID, "status", next)
	m.snapshots.Notify()
	return nil
}

// runTileStage 下载阶段内台账缺失的瓦片，全部就位后返回
func (m *DownloadManager) runTileStage(ctx context.Context, area *models.OfflineArea, stage Stage, tileType models.TileType, refs []TileRef) error {
	total := len(refs)
	existing, err := m.ledger.ExistingIDs(ctx, area.ID, tileType)
	if err != nil {
		return err
	}
	missing := lo.Filter(refs, func(r TileRef, _ int) bool {
		_, ok := existing[r.LedgerID(area.ID)]
		return !ok
	})

	// progressMu 保证计数与发布同序，进度不回退
	var progressMu sync.Mutex
	present := total - len(missing)
	snapshot := *area
	m.progress.Publish(NewStageProgress(snapshot, stage, present, total))
	m.logger.Info("stage started", "area", area.ID, "stage", stage,
		"total", total, "present", present, "missing", len(missing))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, ref := range missing {
		// 瓦片边界检查暂停与删除
		if gctx.Err() != nil {
			break
		}
		ref := ref
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, attempts, err := m.fetchWithRetry(gctx, ref)
			if err != nil {
				return err
			}
			wctx := context.WithoutCancel(gctx)
			size, err := m.opts.Writer.WriteTile(wctx, area.ID, ref, data)
			if err != nil {
				return err
			}
			if err := m.ledger.Upsert(wctx, ref.LedgerRow(area.ID, attempts-1, size)); err != nil {
				return &StorageError{Op: "ledger", Path: ref.LedgerID(area.ID), Err: err}
			}
			m.metrics.TileDownloaded(tileType, size)
			progressMu.Lock()
			present++
			m.progress.Publish(NewStageProgress(snapshot, stage, present, total))
			progressMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// 只有台账中全部存在才算完成
	existing, err = m.ledger.ExistingIDs(ctx, area.ID, tileType)
	if err != nil {
		return err
	}
	absent := lo.CountBy(refs, func(r TileRef) bool {
		_, ok := existing[r.LedgerID(area.ID)]
		return !ok
	})
	if absent > 0 {
		return fmt.Errorf("%w: %s missing %d of %d tiles", ErrStageIncomplete, stage, absent, total)
	}
	return nil
}

// fetchWithRetry 指数退避重试，返回尝试次数
func (m *DownloadManager) fetchWithRetry(ctx context.Context, ref TileRef) ([]byte, int, error) {
	delay := m.opts.RetryDelay
	for attempt := 1; ; attempt++ {
		data, err := m.fetch(ctx, ref)
		if err == nil {
			return data, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		m.metrics.FetchError(ref.Type)
		if attempt > m.opts.MaxRetries {
			return nil, attempt, fmt.Errorf("%w: %s after %d attempts: %w", ErrRetryExhausted, ref, attempt, err)
		}
		m.logger.Debug("tile fetch failed, retrying", "tile", ref.String(), "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * m.opts.RetryBackoff)
	}
}

func (m *DownloadManager) fetch(ctx context.Context, ref TileRef) ([]byte, error) {
	if ref.Type == models.TileTypeValhalla {
		return m.opts.Fetcher.FetchValhallaTile(ctx, ref.Level, ref.Index)
	}
	return m.opts.Fetcher.FetchBasemapTile(ctx, ref.Z, ref.X, ref.Y)
}

func (m *DownloadManager) runGeocoder(ctx context.Context, area *models.OfflineArea) error {
	snapshot := *area
	m.progress.Publish(NewStageProgress(snapshot, StageProcessing, 0, 0))
	err := m.opts.Geocoder.ProcessArea(ctx, snapshot, func(done, total int) {
		m.progress.Publish(NewStageProgress(snapshot, StageProcessing, done, total))
	})
	if err != nil {
		return fmt.Errorf("geocoder: %w", err)
	}
	return ctx.Err()
}

func (m *DownloadManager) persistFileSize(ctx context.Context, area *models.OfflineArea) {
	size, err := m.ledger.SumBytesForArea(ctx, area.ID)
	if err != nil {
		m.logger.Warn("sum area bytes failed", "area", area.ID, "error", err)
		return
	}
	if err := m.areas.SetFileSize(ctx, area.ID, size); err != nil {
		m.logger.Warn("persist file size failed", "area", area.ID, "error", err)
		return
	}
	area.FileSize = size
}

// fail 区域进入 FAILED
func (m *DownloadManager) fail(ctx context.Context, area *models.OfflineArea, stage Stage, cause error) {
	m.logger.Error("download failed", "area", area.ID, "stage", stage, "error", cause)
	if err := m.areas.MarkFailed(ctx, area.ID, cause.Error()); err != nil {
		if !errors.Is(err, ErrAreaNotFound) {
			m.logger.Error("mark area failed", "area", area.ID, "error", err)
		}
		return
	}
	m.progress.Publish(FailedProgress(*area, stage, cause.Error()))
	m.snapshots.Notify()
}

// enqueue 入队等待下载，已在队列或正在下载时忽略
func (m *DownloadManager) enqueue(id string) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	if m.slot.active() == id {
		return
	}
	if m.queue.push(id) {
		m.metrics.SetQueueLength(m.queue.len())
	}
}

// StartDownload 校验参数并创建 PENDING 区域，加入下载队列
func (m *DownloadManager) StartDownload(ctx context.Context, bounds tile_proxy.Bounds, minZoom, maxZoom int, name string) (*models.OfflineArea, error) {
	if err := tile_proxy.ValidateRequest(bounds, minZoom, maxZoom); err != nil {
		return nil, err
	}
	now := time.Now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Offline area " + now.Format("2006-01-02 15:04")
	}
	area := &models.OfflineArea{
		ID:           uuid.NewString(),
		Name:         name,
		North:        bounds.North,
		South:        bounds.South,
		East:         bounds.East,
		West:         bounds.West,
		MinZoom:      minZoom,
		MaxZoom:      maxZoom,
		DownloadDate: now,
		Status:       models.StatusPending,
	}
	if err := m.areas.Create(ctx, area); err != nil {
		return nil, fmt.Errorf("create area: %w", err)
	}
	m.enqueue(area.ID)
	m.snapshots.Notify()
	m.logger.Info("download requested", "area", area.ID, "name", area.Name,
		"minZoom", minZoom, "maxZoom", maxZoom)
	return area, nil
}

// PauseArea 暂停区域；正在下载时在当前瓦片结束后停止。未知区域为空操作
func (m *DownloadManager) PauseArea(ctx context.Context, id string) error {
	if err := m.areas.SetPaused(ctx, id, true); err != nil {
		if errors.Is(err, ErrAreaNotFound) {
			return nil
		}
		return err
	}
	m.dispatchMu.Lock()
	if m.queue.remove(id) {
		m.metrics.SetQueueLength(m.queue.len())
	}
	done := m.slot.interrupt(id, errPaused)
	m.dispatchMu.Unlock()

	if err := wait(ctx, done); err != nil {
		return err
	}
	m.snapshots.Notify()
	return nil
}

// ResumeArea 取消暂停，未完成的区域重新入队。未知区域为空操作
func (m *DownloadManager) ResumeArea(ctx context.Context, id string) error {
	if err := m.areas.SetPaused(ctx, id, false); err != nil {
		if errors.Is(err, ErrAreaNotFound) {
			return nil
		}
		return err
	}
	area, err := m.areas.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAreaNotFound) {
			return nil
		}
		return err
	}
	if area.IsIncomplete() {
		m.enqueue(id)
	}
	m.snapshots.Notify()
	return nil
}

// RetryArea 失败区域重新进入 PENDING 并入队，已下载的瓦片保留
func (m *DownloadManager) RetryArea(ctx context.Context, id string) error {
	if _, err := m.areas.Transition(ctx, id, models.EventRetry); err != nil {
		return err
	}
	if err := m.areas.SetPaused(ctx, id, false); err != nil {
		return err
	}
	m.enqueue(id)
	m.snapshots.Notify()
	m.logger.Info("download retry requested", "area", id)
	return nil
}

// DeleteArea 删除区域及其瓦片、地点、台账；可在下载中调用，重复调用不报错
func (m *DownloadManager) DeleteArea(ctx context.Context, id string) error {
	m.dispatchMu.Lock()
	if m.queue.remove(id) {
		m.metrics.SetQueueLength(m.queue.len())
	}
	done := m.slot.interrupt(id, errDeleted)
	m.dispatchMu.Unlock()

	if err := wait(ctx, done); err != nil {
		return err
	}
	if err := m.purgeArea(ctx, id); err != nil {
		return err
	}
	if err := m.areas.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete area record: %w", err)
	}
	m.snapshots.Notify()
	m.logger.Info("area deleted", "area", id)
	return nil
}

// purgeArea 删除区域的存储文件、地点与台账，记录本身除外
func (m *DownloadManager) purgeArea(ctx context.Context, id string) error {
	routing, err := m.ledger.GetDownloadedTilesForAreaAndType(ctx, id, models.TileTypeValhalla)
	if err != nil {
		return err
	}
	if err := m.opts.Writer.DeleteAreaTiles(ctx, id, routing, m.ledger.IsValhallaTileShared); err != nil {
		return err
	}
	if err := m.opts.Geocoder.DeleteArea(ctx, id); err != nil {
		return fmt.Errorf("delete geocoder places: %w", err)
	}
	if err := m.ledger.DeleteForArea(ctx, id); err != nil {
		return fmt.Errorf("delete ledger rows: %w", err)
	}
	return nil
}

func wait(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserveProgress 订阅当前下载进度
func (m *DownloadManager) ObserveProgress(buffer int) (<-chan DownloadProgress, func()) {
	return m.progress.Subscribe(buffer)
}

// ObserveAllAreas 订阅区域列表
func (m *DownloadManager) ObserveAllAreas(buffer int) (<-chan []models.OfflineArea, func()) {
	return m.areaList.Subscribe(buffer)
}

// EstimateTileCount 预估底图瓦片数
func (m *DownloadManager) EstimateTileCount(bounds tile_proxy.Bounds, minZoom, maxZoom int) (int, error) {
	return tile_proxy.EstimateTileCount(bounds, minZoom, maxZoom)
}

// GetDownloadedTilesForArea 区域台账
func (m *DownloadManager) GetDownloadedTilesForArea(ctx context.Context, id string) ([]models.DownloadedTile, error) {
	return m.ledger.GetDownloadedTilesForArea(ctx, id)
}

// GetDownloadedTilesForAreaAndType 区域某类瓦片台账
func (m *DownloadManager) GetDownloadedTilesForAreaAndType(ctx context.Context, id string, tileType models.TileType) ([]models.DownloadedTile, error) {
	return m.ledger.GetDownloadedTilesForAreaAndType(ctx, id, tileType)
}

// ListAreas 全部区域
func (m *DownloadManager) ListAreas(ctx context.Context) ([]models.OfflineArea, error) {
	return m.areas.List(ctx)
}

// GetArea 查询区域
func (m *DownloadManager) GetArea(ctx context.Context, id string) (*models.OfflineArea, error) {
	return m.areas.Get(ctx, id)
}

// ActiveAreaID 正在下载的区域，空闲时为空
func (m *DownloadManager) ActiveAreaID() string {
	return m.slot.active()
}

// QueuedAreaIDs 等待下载的区域
func (m *DownloadManager) QueuedAreaIDs() []string {
	return m.queue.snapshot()
}
