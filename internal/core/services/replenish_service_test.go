package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/models"
)

func poolConfig(quota, count int) *config.Config {
	return &config.Config{
		Targets: []config.TargetConfig{{
			Name:       "acme",
			TargetType: "org",
			Quota:      quota,
			Pools:      []config.PoolConfig{{Size: "small", Arch: "x64", Profile: "default", Count: count}},
		}},
	}
}

func TestReplenishFillsMissingSlots(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()

	runners.addRunner(
		&models.Runner{Owner: "acme", Size: "small", Arch: "x64", Online: true},
		eventAt(models.RunnerStatusProvisioned, 0),
	)

	r := NewReplenisher(runners, createQ)
	require.NoError(t, r.Replenish(context.Background(), poolConfig(10, 3)))

	depth, _ := createQ.Count(context.Background())
	assert.Equal(t, int64(2), depth)

	// Each queued task got a ledger record born in CreationQueued.
	owned, _ := runners.ListByOwner(context.Background(), "acme")
	assert.Len(t, owned, 3)
	for _, task := range createQ.tasks {
		assert.Equal(t, "acme", task.Owner)
		assert.Equal(t, "small", task.Size)
		assert.False(t, task.StuckReplacement)
	}
}

func TestReplenishOfflineRunnersDoNotFillPools(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()

	// Active but not yet online: holds quota, does not satisfy the pool.
	runners.addRunner(
		&models.Runner{Owner: "acme", Size: "small", Arch: "x64", Online: false},
		eventAt(models.RunnerStatusCreationQueued, 0),
	)

	r := NewReplenisher(runners, createQ)
	require.NoError(t, r.Replenish(context.Background(), poolConfig(10, 1)))

	depth, _ := createQ.Count(context.Background())
	assert.Equal(t, int64(1), depth)
}

func TestReplenishRefusesAtQuota(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()

	for i := 0; i < 2; i++ {
		runners.addRunner(
			&models.Runner{Owner: "acme", Size: "large", Arch: "arm64", Online: true},
			eventAt(models.RunnerStatusProcessing, 0),
		)
	}

	r := NewReplenisher(runners, createQ)
	require.NoError(t, r.Replenish(context.Background(), poolConfig(2, 3)))

	depth, _ := createQ.Count(context.Background())
	assert.Equal(t, int64(0), depth)
}

func TestReplenishStopsWhenQuotaConsumedMidPass(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()

	runners.addRunner(
		&models.Runner{Owner: "acme", Size: "large", Arch: "arm64", Online: true},
		eventAt(models.RunnerStatusProcessing, 0),
	)

	// Quota 2, one consumed, pool wants 3: only one slot fits.
	r := NewReplenisher(runners, createQ)
	require.NoError(t, r.Replenish(context.Background(), poolConfig(2, 3)))

	depth, _ := createQ.Count(context.Background())
	assert.Equal(t, int64(1), depth)
}

func TestReplenishInactiveRunnersFreeQuota(t *testing.T) {
	runners := newFakeRunnerRepo()
	createQ := newFakeCreateQueue()

	runners.addRunner(
		&models.Runner{Owner: "acme", Size: "small", Arch: "x64", Online: true},
		eventAt(models.RunnerStatusDeletionQueued, 0),
	)

	r := NewReplenisher(runners, createQ)
	require.NoError(t, r.Replenish(context.Background(), poolConfig(1, 1)))

	depth, _ := createQ.Count(context.Background())
	assert.Equal(t, int64(1), depth)
}
