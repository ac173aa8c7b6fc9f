package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlabs/fleet-server/internal/core/models"
)

func TestStuckRunnerLostCreateTaskFailed(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()
	deleteQ := newFakeDeleteQueue()
	inflight := newFakeInFlightRepo()

	runner := runners.addRunner(
		&models.Runner{Owner: "acme"},
		eventAt(models.RunnerStatusCreationQueued, 20*time.Minute),
	)

	s := NewStuckRunnerService(runners, createQ, deleteQ, inflight)
	require.NoError(t, s.Check(context.Background(), poolConfig(5, 0)))

	stored, _ := runners.Get(context.Background(), runner.ID)
	assert.Equal(t, models.RunnerStatusFailure, stored.LastState())
}

func TestStuckRunnerWithQueuedTaskLeftAlone(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()
	deleteQ := newFakeDeleteQueue()
	inflight := newFakeInFlightRepo()

	runner := runners.addRunner(
		&models.Runner{Owner: "acme"},
		eventAt(models.RunnerStatusCreationQueued, 20*time.Minute),
	)
	require.NoError(t, createQ.Enqueue(context.Background(), &models.CreateTask{RunnerID: runner.ID}))

	s := NewStuckRunnerService(runners, createQ, deleteQ, inflight)
	require.NoError(t, s.Check(context.Background(), poolConfig(5, 0)))

	stored, _ := runners.Get(context.Background(), runner.ID)
	assert.Equal(t, models.RunnerStatusCreationQueued, stored.LastState())
}

func TestStuckRunnerYoungCreationLeftAlone(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()
	deleteQ := newFakeDeleteQueue()
	inflight := newFakeInFlightRepo()

	runner := runners.addRunner(
		&models.Runner{Owner: "acme"},
		eventAt(models.RunnerStatusCreationQueued, 5*time.Minute),
	)

	s := NewStuckRunnerService(runners, createQ, deleteQ, inflight)
	require.NoError(t, s.Check(context.Background(), poolConfig(5, 0)))

	stored, _ := runners.Get(context.Background(), runner.ID)
	assert.Equal(t, models.RunnerStatusCreationQueued, stored.LastState())
}

func TestStuckRunnerBootTimeoutQueuesDeletion(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()
	deleteQ := newFakeDeleteQueue()
	inflight := newFakeInFlightRepo()

	runner := runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-silent", Cloud: "docker", CloudServerID: "srv-silent"},
		eventAt(models.RunnerStatusCreationQueued, 40*time.Minute),
		eventAt(models.RunnerStatusCreated, 30*time.Minute),
	)
	_, err := inflight.TryAdd(context.Background(), &models.InFlightCreation{Hostname: "fleet-silent", RunnerID: runner.ID})
	require.NoError(t, err)

	s := NewStuckRunnerService(runners, createQ, deleteQ, inflight)
	require.NoError(t, s.Check(context.Background(), poolConfig(5, 0)))

	stored, _ := runners.Get(context.Background(), runner.ID)
	assert.Equal(t, models.RunnerStatusDeletionQueued, stored.LastState())
	assert.Equal(t, 1, stored.EventCount(models.RunnerStatusFailure))

	depth, _ := deleteQ.Count(context.Background())
	require.Equal(t, int64(1), depth)
	assert.Equal(t, "srv-silent", deleteQ.tasks[0].CloudServerID)

	rec, _ := inflight.Remove(context.Background(), "fleet-silent")
	assert.Nil(t, rec)
}
