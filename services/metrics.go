package services

import (
	"time"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 下载指标
type Metrics struct {
	tilesDownloaded *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	tileBytes       *prometheus.HistogramVec
	areaOutcomes    *prometheus.CounterVec
	areaDuration    prometheus.Histogram
	queueLength     prometheus.Gauge
	activeDownloads prometheus.Gauge
}

// NewMetrics 创建并注册指标，reg 为 nil 时不注册
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tilesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_downloaded_total",
			Help:      "Tiles fetched and persisted, by tile type.",
		}, []string{"type"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_fetch_errors_total",
			Help:      "Failed tile fetch attempts, by tile type.",
		}, []string{"type"}),
		tileBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_bytes",
			Help:      "Size of persisted tiles in bytes.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"type"}),
		areaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "area_outcomes_total",
			Help:      "Areas reaching a terminal status.",
		}, []string{"status"}),
		areaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "area_duration_seconds",
			Help:      "Wall time of one area download attempt.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_queue_length",
			Help:      "Areas waiting for the download worker.",
		}),
		activeDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_downloads",
			Help:      "Areas currently being downloaded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.tilesDownloaded,
			m.fetchErrors,
			m.tileBytes,
			m.areaOutcomes,
			m.areaDuration,
			m.queueLength,
			m.activeDownloads,
		)
	}
	return m
}

func (m *Metrics) TileDownloaded(t models.TileType, size int64) {
	if m == nil {
		return
	}
	m.tilesDownloaded.WithLabelValues(string(t)).Inc()
	m.tileBytes.WithLabelValues(string(t)).Observe(float64(size))
}

func (m *Metrics) FetchError(t models.TileType) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) AreaFinished(status models.AreaStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.areaOutcomes.WithLabelValues(string(status)).Inc()
	m.areaDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.activeDownloads.Set(1)
	} else {
		m.activeDownloads.Set(0)
	}
}
