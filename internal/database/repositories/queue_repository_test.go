package repositories

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetlabs/fleet-server/internal/core/models"
)

// openQueueDB opens a file-backed sqlite store; ":memory:" would hand
// each pooled connection its own empty database.
func openQueueDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.CreateTask{}, &models.DeleteTask{}))
	return db
}

func newQueueDB(t *testing.T) *gorm.DB {
	t.Helper()
	return openQueueDB(t, filepath.Join(t.TempDir(), "queue.db"))
}

func closeQueueDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestCreateTaskQueueFIFO(t *testing.T) {
	queue := NewCreateTaskQueueRepository(newQueueDB(t))
	ctx := context.Background()

	for _, owner := range []string{"first", "second", "third"} {
		require.NoError(t, queue.Enqueue(ctx, &models.CreateTask{Owner: owner, QueuedAt: time.Now()}))
	}

	for _, want := range []string{"first", "second", "third"} {
		task, ok, err := queue.TryDequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, task.Owner)
	}

	task, ok, err := queue.TryDequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, task)
}

func TestCreateTaskQueueNeverRedelivers(t *testing.T) {
	queue := NewCreateTaskQueueRepository(newQueueDB(t))
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, &models.CreateTask{Owner: "acme", QueuedAt: time.Now()}))

	_, ok, err := queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = queue.TryDequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	depth, err := queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestCreateTaskQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	jobID := uuid.New()
	queued := time.Now()
	original := &models.CreateTask{
		RunnerID:         42,
		Owner:            "acme",
		Repository:       "widgets",
		TargetType:       "repo",
		Size:             "small",
		Arch:             "x64",
		Profile:          "default",
		CustomImage:      true,
		StuckReplacement: true,
		StuckJobID:       &jobID,
		Retries:          2,
		QueuedAt:         queued,
	}

	db := openQueueDB(t, path)
	require.NoError(t, NewCreateTaskQueueRepository(db).Enqueue(ctx, original))
	closeQueueDB(t, db)

	// A fresh connection over the same store sees the task intact.
	reopened := NewCreateTaskQueueRepository(openQueueDB(t, path))

	depth, err := reopened.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	task, ok, err := reopened.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint(42), task.RunnerID)
	assert.Equal(t, "acme", task.Owner)
	assert.Equal(t, "widgets", task.Repository)
	assert.Equal(t, "repo", task.TargetType)
	assert.Equal(t, "small", task.Size)
	assert.Equal(t, "x64", task.Arch)
	assert.Equal(t, "default", task.Profile)
	assert.True(t, task.CustomImage)
	assert.True(t, task.StuckReplacement)
	require.NotNil(t, task.StuckJobID)
	assert.Equal(t, jobID, *task.StuckJobID)
	assert.Equal(t, 2, task.Retries)
	assert.WithinDuration(t, queued, task.QueuedAt, time.Second)
}

func TestCreateTaskQueueReEnqueueGoesToBack(t *testing.T) {
	queue := NewCreateTaskQueueRepository(newQueueDB(t))
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, &models.CreateTask{Owner: "head", QueuedAt: time.Now()}))
	require.NoError(t, queue.Enqueue(ctx, &models.CreateTask{Owner: "tail", QueuedAt: time.Now()}))

	head, ok, err := queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "head", head.Owner)

	head.Retries++
	require.NoError(t, queue.Enqueue(ctx, head))

	next, ok, err := queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tail", next.Owner)

	retried, ok, err := queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "head", retried.Owner)
	assert.Equal(t, 1, retried.Retries)
}

func TestCreateTaskQueueLookups(t *testing.T) {
	queue := NewCreateTaskQueueRepository(newQueueDB(t))
	ctx := context.Background()

	jobID := uuid.New()
	require.NoError(t, queue.Enqueue(ctx, &models.CreateTask{
		RunnerID:         7,
		Owner:            "acme",
		Repository:       "widgets",
		Size:             "small",
		Arch:             "x64",
		Profile:          "default",
		StuckReplacement: true,
		StuckJobID:       &jobID,
		QueuedAt:         time.Now(),
	}))

	found, err := queue.AnyForRunner(ctx, 7)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = queue.AnyForRunner(ctx, 8)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = queue.HasReplacementFor(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = queue.HasReplacementFor(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, found)

	stuck, err := queue.CountStuckReplacements(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stuck)

	found, err = queue.AnyForSignature(ctx, models.CancelSignature{
		Owner: "acme", Repository: "widgets", Size: "small", Profile: "default", Arch: "x64",
	})
	require.NoError(t, err)
	assert.True(t, found)
	found, err = queue.AnyForSignature(ctx, models.CancelSignature{
		Owner: "acme", Repository: "widgets", Size: "large", Profile: "default", Arch: "x64",
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteTaskQueueFIFO(t *testing.T) {
	queue := NewDeleteTaskQueueRepository(newQueueDB(t))
	ctx := context.Background()

	for _, id := range []string{"srv-1", "srv-2"} {
		require.NoError(t, queue.Enqueue(ctx, &models.DeleteTask{Cloud: "docker", CloudServerID: id, QueuedAt: time.Now()}))
	}

	task, ok, err := queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "srv-1", task.CloudServerID)

	task, ok, err = queue.TryDequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "srv-2", task.CloudServerID)

	task, ok, err = queue.TryDequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, task)

	depth, err := queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}
