package services

import (
	"context"
	"testing"
	"time"

	"github.com/GrainArc/OfflineMap/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAreaStore(t *testing.T) {
	ctx := context.Background()
	store := NewAreaStore(openMainDB(t))

	older := &models.OfflineArea{ID: "old", Name: "old", DownloadDate: time.Now().Add(-time.Hour)}
	newer := &models.OfflineArea{ID: "new", Name: "new", DownloadDate: time.Now(), Paused: true}
	require.NoError(t, store.Create(ctx, newer))
	require.NoError(t, store.Create(ctx, older))
	assert.Equal(t, models.StatusPending, older.Status)

	t.Run("list is ordered by download date", func(t *testing.T) {
		areas, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, areas, 2)
		assert.Equal(t, "old", areas[0].ID)
		assert.Equal(t, "new", areas[1].ID)
	})

	t.Run("transition follows the state machine", func(t *testing.T) {
		next, err := store.Transition(ctx, "old", models.EventStart)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDownloadingBasemap, next)

		_, err = store.Transition(ctx, "old", models.EventGeocoderDone)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)

		got, err := store.Get(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, models.StatusDownloadingBasemap, got.Status)
	})

	t.Run("mark failed records the reason", func(t *testing.T) {
		require.NoError(t, store.SetFileSize(ctx, "old", 42))
		require.NoError(t, store.MarkFailed(ctx, "old", "disk full"))
		got, err := store.Get(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, "disk full", got.ErrorMsg)
		assert.Zero(t, got.FileSize)

		incomplete, err := store.ListIncomplete(ctx)
		require.NoError(t, err)
		require.Len(t, incomplete, 1)
		assert.Equal(t, "new", incomplete[0].ID)

		next, err := store.Transition(ctx, "old", models.EventRetry)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, next)
		got, err = store.Get(ctx, "old")
		require.NoError(t, err)
		assert.Empty(t, got.ErrorMsg)
	})

	t.Run("pause flag", func(t *testing.T) {
		require.NoError(t, store.SetPaused(ctx, "new", false))
		got, err := store.Get(ctx, "new")
		require.NoError(t, err)
		assert.False(t, got.Paused)
		assert.ErrorIs(t, store.SetPaused(ctx, "missing", true), ErrAreaNotFound)
	})

	t.Run("deleted rows are never resurrected", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "new"))
		require.NoError(t, store.Delete(ctx, "new"))

		_, err := store.Transition(ctx, "new", models.EventStart)
		assert.ErrorIs(t, err, ErrAreaNotFound)
		_, err = store.Get(ctx, "new")
		assert.ErrorIs(t, err, ErrAreaNotFound)

		ids, err := store.ListIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, ids)
	})
}
