package services

import (
	"context"
	"testing"
	"time"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub(t *testing.T) {
	t.Run("latest value is replayed to new subscribers", func(t *testing.T) {
		h := NewHub[int]()
		_, ok := h.Latest()
		assert.False(t, ok)

		h.Publish(1)
		h.Publish(2)
		ch, cancel := h.Subscribe(1)
		defer cancel()
		assert.Equal(t, 2, <-ch)
	})

	t.Run("slow subscribers keep the newest value", func(t *testing.T) {
		h := NewHub[int]()
		ch, cancel := h.Subscribe(2)
		defer cancel()
		for i := 1; i <= 10; i++ {
			h.Publish(i)
		}
		assert.Equal(t, 9, <-ch)
		assert.Equal(t, 10, <-ch)
	})

	t.Run("cancel and close end the stream", func(t *testing.T) {
		h := NewHub[int]()
		ch, cancel := h.Subscribe(1)
		cancel()
		cancel()
		_, open := <-ch
		assert.False(t, open)

		ch2, _ := h.Subscribe(1)
		h.Close()
		_, open = <-ch2
		assert.False(t, open)
		h.Publish(3)

		ch3, _ := h.Subscribe(1)
		_, open = <-ch3
		assert.False(t, open)
	})
}

func TestDownloadProgress(t *testing.T) {
	area := models.OfflineArea{ID: "a1", Name: "Test", Status: models.StatusDownloadingBasemap}

	p := NewStageProgress(area, StageBasemap, 12, 40)
	assert.Equal(t, "Downloaded 12 of 40 map tiles", p.Message)
	assert.InDelta(t, 0.3, p.StageFraction, 1e-9)
	assert.InDelta(t, 0.18, p.OverallFraction, 1e-9)

	p = NewStageProgress(area, StageValhalla, 3, 30)
	assert.Equal(t, "Downloaded 3 of 30 routing tiles", p.Message)
	assert.InDelta(t, 0.62, p.OverallFraction, 1e-9)

	p = NewStageProgress(area, StageProcessing, 5, 10)
	assert.Equal(t, "Processed 5 of 10 tiles for search", p.Message)
	assert.InDelta(t, 0.9, p.OverallFraction, 1e-9)

	p = NewStageProgress(area, StageValhalla, 0, 0)
	assert.Equal(t, 1.0, p.StageFraction)

	done := CompletedProgress(area)
	assert.True(t, done.IsCompleted)
	assert.Equal(t, 1.0, done.OverallFraction)
	assert.Equal(t, "Download complete", done.Describe())

	failed := FailedProgress(area, StageBasemap, "boom")
	assert.True(t, failed.HasError)
	assert.Equal(t, "Download failed: boom", failed.Describe())
}

func TestAreaSnapshotterDebounces(t *testing.T) {
	store := NewAreaStore(openMainDB(t))
	require.NoError(t, store.Create(context.Background(), &models.OfflineArea{ID: "a1", DownloadDate: time.Now()}))

	hub := NewHub[[]models.OfflineArea]()
	loads := 0
	s := newAreaSnapshotter(hub, 20*time.Millisecond, func() ([]models.OfflineArea, error) {
		loads++
		return store.List(context.Background())
	}, nil)

	ch, cancel := hub.Subscribe(4)
	defer cancel()
	for i := 0; i < 10; i++ {
		s.Notify()
	}
	select {
	case areas := <-ch:
		require.Len(t, areas, 1)
		assert.Equal(t, "a1", areas[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, loads)
}
