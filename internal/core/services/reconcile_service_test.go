package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlabs/fleet-server/internal/cloud"
	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
)

type reconcilerFixture struct {
	runners    *fakeRunnerRepo
	deleteQ    *fakeDeleteQueue
	docker     *fakeCloudController
	ci         *fakeCIPlatform
	reconciler *Reconciler
}

func newReconcilerFixture() *reconcilerFixture {
	f := &reconcilerFixture{
		runners: newFakeRunnerRepo(),
		deleteQ: newFakeDeleteQueue(),
		docker:  newFakeCloudController("docker"),
		ci:      newFakeCIPlatform(),
	}
	registry := cloud.NewRegistry()
	registry.Register(f.docker)
	f.reconciler = NewReconciler(f.runners, f.deleteQ, registry, f.ci)
	return f
}

func TestReconcileDeregistersUnknownOfflineRunner(t *testing.T) {
	f := newReconcilerFixture()
	f.ci.runners["acme"] = []ports.RegisteredRunner{
		{ID: 1, Name: "ghost", Online: false},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	assert.Equal(t, []int64{1}, f.ci.removed)
}

func TestReconcileDeregistersUnknownIdleOnlineRunner(t *testing.T) {
	f := newReconcilerFixture()
	f.ci.runners["acme"] = []ports.RegisteredRunner{
		{ID: 7, Name: "stray", Online: true, Busy: false},
	}
	f.docker.servers = []ports.ServerSummary{
		{CloudServerID: "srv-stray", Name: "stray", CreatedAt: time.Now().Add(-time.Hour)},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	assert.Equal(t, []int64{7}, f.ci.removed)

	// With the registration gone, the sweep queues its machine as an
	// orphan in the same pass.
	depth, _ := f.deleteQ.Count(context.Background())
	require.Equal(t, int64(1), depth)
	assert.Equal(t, "srv-stray", f.deleteQ.tasks[0].CloudServerID)
}

func TestReconcileSparesUnknownBusyRunner(t *testing.T) {
	f := newReconcilerFixture()
	f.ci.runners["acme"] = []ports.RegisteredRunner{
		{ID: 8, Name: "stray-busy", Online: true, Busy: true},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	assert.Empty(t, f.ci.removed)
}

func TestReconcileLeavesYoungOfflineRunnerAlone(t *testing.T) {
	f := newReconcilerFixture()

	f.runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-young"},
		eventAt(models.RunnerStatusCreationQueued, 5*time.Minute),
	)
	f.ci.runners["acme"] = []ports.RegisteredRunner{
		{ID: 2, Name: "fleet-young", Online: false},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	assert.Empty(t, f.ci.removed)
}

func TestReconcileCleansUpOldOfflineRunner(t *testing.T) {
	f := newReconcilerFixture()

	runner := f.runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-old", Online: true},
		eventAt(models.RunnerStatusCreationQueued, time.Hour),
		eventAt(models.RunnerStatusProvisioned, 55*time.Minute),
	)
	f.ci.runners["acme"] = []ports.RegisteredRunner{
		{ID: 3, Name: "fleet-old", Online: false},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	assert.Equal(t, []int64{3}, f.ci.removed)
	stored, _ := f.runners.Get(context.Background(), runner.ID)
	assert.False(t, stored.Online)
	assert.Equal(t, 1, stored.EventCount(models.RunnerStatusCleanup))
}

func TestReconcileRecyclesLongIdleRunner(t *testing.T) {
	f := newReconcilerFixture()

	runner := f.runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-idle", Cloud: "docker", CloudServerID: "srv-idle", Online: true},
		eventAt(models.RunnerStatusCreationQueued, 8*time.Hour),
		eventAt(models.RunnerStatusProvisioned, 7*time.Hour),
	)
	f.ci.runners["acme"] = []ports.RegisteredRunner{
		{ID: 4, Name: "fleet-idle", Online: true, Busy: false},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	assert.Equal(t, []int64{4}, f.ci.removed)
	depth, _ := f.deleteQ.Count(context.Background())
	require.Equal(t, int64(1), depth)
	assert.Equal(t, runner.ID, f.deleteQ.tasks[0].RunnerID)

	stored, _ := f.runners.Get(context.Background(), runner.ID)
	assert.Equal(t, models.RunnerStatusDeletionQueued, stored.LastState())
}

func TestReconcileNeverRecyclesProcessingRunner(t *testing.T) {
	f := newReconcilerFixture()

	f.runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-busy", Cloud: "docker", Online: true},
		eventAt(models.RunnerStatusCreationQueued, 9*time.Hour),
		eventAt(models.RunnerStatusProcessing, 8*time.Hour),
	)
	f.ci.runners["acme"] = []ports.RegisteredRunner{
		{ID: 5, Name: "fleet-busy", Online: true, Busy: false},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	assert.Empty(t, f.ci.removed)
	depth, _ := f.deleteQ.Count(context.Background())
	assert.Equal(t, int64(0), depth)
}

func TestReconcileSweepsOrphanServer(t *testing.T) {
	f := newReconcilerFixture()

	f.docker.servers = []ports.ServerSummary{
		{CloudServerID: "srv-orphan", Name: "fleet-orphan", CreatedAt: time.Now().Add(-time.Hour)},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	depth, _ := f.deleteQ.Count(context.Background())
	require.Equal(t, int64(1), depth)
	task := f.deleteQ.tasks[0]
	assert.Equal(t, uint(0), task.RunnerID)
	assert.Equal(t, "docker", task.Cloud)
	assert.Equal(t, "srv-orphan", task.CloudServerID)
}

func TestReconcileSweepSkipsFreshServer(t *testing.T) {
	f := newReconcilerFixture()

	f.docker.servers = []ports.ServerSummary{
		{CloudServerID: "srv-new", Name: "fleet-new", CreatedAt: time.Now().Add(-time.Minute)},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	depth, _ := f.deleteQ.Count(context.Background())
	assert.Equal(t, int64(0), depth)
}

func TestReconcileSweepFirstDeleteQueuedOnce(t *testing.T) {
	f := newReconcilerFixture()

	runner := f.runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-gone", Cloud: "docker", CloudServerID: "srv-gone"},
		eventAt(models.RunnerStatusCreationQueued, 2*time.Hour),
		eventAt(models.RunnerStatusProvisioned, 100*time.Minute),
	)
	f.docker.servers = []ports.ServerSummary{
		{CloudServerID: "srv-gone", Name: "fleet-gone", CreatedAt: time.Now().Add(-2 * time.Hour)},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	depth, _ := f.deleteQ.Count(context.Background())
	require.Equal(t, int64(1), depth)
	assert.Equal(t, runner.ID, f.deleteQ.tasks[0].RunnerID)

	// The DeletionQueued event now recorded suppresses a second queueing.
	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))
	depth, _ = f.deleteQ.Count(context.Background())
	assert.Equal(t, int64(1), depth)
}

func TestReconcileSweepEscalatesAfterManyAttempts(t *testing.T) {
	f := newReconcilerFixture()

	history := []models.LifecycleEvent{eventAt(models.RunnerStatusCreationQueued, 3*time.Hour)}
	for i := 0; i < deleteEscalationThreshold+1; i++ {
		history = append(history, eventAt(models.RunnerStatusDeletionQueued, time.Duration(120-i)*time.Minute))
	}
	f.runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-zombie", Cloud: "docker", CloudServerID: "srv-zombie"},
		history...,
	)
	f.docker.servers = []ports.ServerSummary{
		{CloudServerID: "srv-zombie", Name: "fleet-zombie", CreatedAt: time.Now().Add(-3 * time.Hour)},
	}

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	depth, _ := f.deleteQ.Count(context.Background())
	assert.Equal(t, int64(1), depth)
}

func TestReconcileMarksVanishedRunner(t *testing.T) {
	f := newReconcilerFixture()

	runner := f.runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-lost", Cloud: "docker", Online: true},
		eventAt(models.RunnerStatusCreationQueued, 2*time.Hour),
		eventAt(models.RunnerStatusProvisioned, 100*time.Minute),
	)

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	stored, _ := f.runners.Get(context.Background(), runner.ID)
	assert.False(t, stored.Online)
	assert.Equal(t, models.RunnerStatusVanishedOnCloud, stored.LastState())
}

func TestReconcileVanishWaitsForMinimumAge(t *testing.T) {
	f := newReconcilerFixture()

	runner := f.runners.addRunner(
		&models.Runner{Owner: "acme", Hostname: "fleet-booting", Cloud: "docker", Online: true},
		eventAt(models.RunnerStatusCreationQueued, 10*time.Minute),
		eventAt(models.RunnerStatusProvisioned, 5*time.Minute),
	)

	require.NoError(t, f.reconciler.Reconcile(context.Background(), poolConfig(5, 0)))

	stored, _ := f.runners.Get(context.Background(), runner.ID)
	assert.True(t, stored.Online)
	assert.Equal(t, models.RunnerStatusProvisioned, stored.LastState())
}
