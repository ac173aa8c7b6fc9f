package services

import (
	"context"
	"sync"
	"time"

	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

const (
	// DefaultTick is the base cadence of the control loop.
	DefaultTick = 250 * time.Millisecond

	// configRefreshCadence is how often the loop takes a fresh config
	// snapshot.
	configRefreshCadence = 10 * time.Second

	// maintenanceCadence drives the slow sub-passes: stuck runners,
	// reconciliation, replenishment, stuck jobs, retention, ban expiry.
	maintenanceCadence = time.Minute

	// RetentionHorizon is how long finished runners, events and jobs are
	// kept before the sweep deletes them.
	RetentionHorizon = 14 * 24 * time.Hour

	// defaultDeleteDelay spaces delete dispatches inside one tick.
	defaultDeleteDelay = 100 * time.Millisecond

	// defaultCreateSpacing is the minimum gap between create starts,
	// rate-limiting substrate APIs.
	defaultCreateSpacing = 500 * time.Millisecond

	defaultCreateParallelism = 4
)

// PoolManager is the single control loop. Every tick it drains the
// delete queue and then the create queue; on slower cadences it
// refreshes config and runs the maintenance sub-passes. Nothing else in
// the system dequeues tasks.
type PoolManager struct {
	cfgManager *config.ConfigManager

	runners ports.RunnerRepository
	createQ ports.CreateTaskQueue
	deleteQ ports.DeleteTaskQueue

	stuckRunners *StuckRunnerService
	reconciler   *Reconciler
	replenisher  *Replenisher
	stuckJobs    *StuckJobService
	creates      *CreateExecutor
	deletes      *DeleteExecutor
	bans         *BanList

	mutex     sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewPoolManager(
	cfgManager *config.ConfigManager,
	runners ports.RunnerRepository,
	createQ ports.CreateTaskQueue,
	deleteQ ports.DeleteTaskQueue,
	stuckRunners *StuckRunnerService,
	reconciler *Reconciler,
	replenisher *Replenisher,
	stuckJobs *StuckJobService,
	creates *CreateExecutor,
	deletes *DeleteExecutor,
	bans *BanList,
) *PoolManager {
	return &PoolManager{
		cfgManager:   cfgManager,
		runners:      runners,
		createQ:      createQ,
		deleteQ:      deleteQ,
		stuckRunners: stuckRunners,
		reconciler:   reconciler,
		replenisher:  replenisher,
		stuckJobs:    stuckJobs,
		creates:      creates,
		deletes:      deletes,
		bans:         bans,
	}
}

func (m *PoolManager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.isRunning {
		return nil
	}

	cfg, err := m.cfgManager.GetConfig()
	if err != nil {
		return err
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.isRunning = true

	log := logger.WithComponent("pool_manager")
	log.Info().
		Dur("tick", tickInterval(cfg)).
		Int("create_parallelism", createParallelism(cfg)).
		Msg("Pool manager starting")

	go m.run(ctx, cfg)
	return nil
}

func (m *PoolManager) Stop() {
	m.mutex.Lock()
	if !m.isRunning {
		m.mutex.Unlock()
		return
	}
	close(m.stopCh)
	m.isRunning = false
	done := m.doneCh
	m.mutex.Unlock()

	<-done
	log := logger.WithComponent("pool_manager")
	log.Info().Msg("Pool manager stopped")
}

func (m *PoolManager) run(ctx context.Context, cfg *config.Config) {
	defer close(m.doneCh)

	log := logger.WithComponent("pool_manager")

	ticker := time.NewTicker(tickInterval(cfg))
	defer ticker.Stop()

	lastConfigRefresh := time.Now()
	// Zero forces the maintenance passes on the first tick so a restart
	// reconverges without waiting a minute.
	var lastMaintenance time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		if time.Since(lastConfigRefresh) >= configRefreshCadence {
			if fresh, err := m.cfgManager.ReloadConfig(); err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping previous snapshot")
			} else {
				cfg = fresh
			}
			lastConfigRefresh = time.Now()
		}

		if time.Since(lastMaintenance) >= maintenanceCadence {
			m.runMaintenance(ctx, cfg)
			lastMaintenance = time.Now()
		}

		if err := m.drainDeletes(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("Delete drain aborted")
		}
		if err := m.drainCreates(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("Create drain aborted")
		}
	}
}

// runMaintenance executes the slow sub-passes. Each runs isolated: a
// panic or error in one never blocks the others.
func (m *PoolManager) runMaintenance(ctx context.Context, cfg *config.Config) {
	m.subPass(ctx, "stuck_runners", func() error { return m.stuckRunners.Check(ctx, cfg) })
	m.subPass(ctx, "reconcile", func() error { return m.reconciler.Reconcile(ctx, cfg) })
	m.subPass(ctx, "replenish", func() error { return m.replenisher.Replenish(ctx, cfg) })
	m.subPass(ctx, "stuck_jobs", func() error { return m.stuckJobs.Check(ctx, cfg) })
	m.subPass(ctx, "retention", func() error {
		return m.runners.PurgeOlderThan(ctx, time.Now().Add(-RetentionHorizon))
	})
	m.bans.ExpireStale()
}

func (m *PoolManager) subPass(ctx context.Context, name string, fn func() error) {
	if ctx.Err() != nil {
		return
	}

	log := logger.WithComponent("pool_manager")
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pass", name).Interface("panic", r).Msg("Maintenance pass panicked")
		}
	}()

	start := time.Now()
	if err := fn(); err != nil {
		log.Error().Err(err).Str("pass", name).Msg("Maintenance pass failed")
		return
	}
	log.Debug().Str("pass", name).Dur("duration", time.Since(start)).Msg("Maintenance pass done")
}

// drainDeletes works off the delete queue as it stood at tick start.
// Bounding by that snapshot count guarantees termination even while
// failures re-enqueue.
func (m *PoolManager) drainDeletes(ctx context.Context, cfg *config.Config) error {
	pending, err := m.deleteQ.Count(ctx)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	log := logger.WithComponent("pool_manager")
	delay := deleteDelay(cfg)

	var wg sync.WaitGroup
	for i := int64(0); i < pending; i++ {
		if ctx.Err() != nil {
			break
		}

		task, ok, err := m.deleteQ.TryDequeue(ctx)
		if err != nil {
			wg.Wait()
			return err
		}
		if !ok {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.deletes.Execute(ctx, task); err != nil {
				log.Error().Err(err).Uint("runner_id", task.RunnerID).Msg("Delete task failed hard")
			}
		}()

		if i < pending-1 && !sleepCtx(ctx, delay) {
			break
		}
	}
	wg.Wait()
	return nil
}

// drainCreates starts up to the configured parallelism of create tasks
// with a minimum spacing between starts, then waits for all of them.
func (m *PoolManager) drainCreates(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("pool_manager")

	limit := createParallelism(cfg)
	spacing := createSpacing(cfg)

	var wg sync.WaitGroup
	for started := 0; started < limit; started++ {
		if ctx.Err() != nil {
			break
		}

		task, ok, err := m.createQ.TryDequeue(ctx)
		if err != nil {
			wg.Wait()
			return err
		}
		if !ok {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.creates.Execute(ctx, cfg, task); err != nil {
				log.Error().Err(err).Uint("runner_id", task.RunnerID).Msg("Create task failed hard")
			}
		}()

		if started < limit-1 && !sleepCtx(ctx, spacing) {
			break
		}
	}
	wg.Wait()
	return nil
}

// sleepCtx waits d and reports false if the context fired first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func tickInterval(cfg *config.Config) time.Duration {
	if cfg.Loop.TickMillis > 0 {
		return time.Duration(cfg.Loop.TickMillis) * time.Millisecond
	}
	return DefaultTick
}

func createParallelism(cfg *config.Config) int {
	if cfg.Loop.CreateParallelism > 0 {
		return cfg.Loop.CreateParallelism
	}
	return defaultCreateParallelism
}

func createSpacing(cfg *config.Config) time.Duration {
	if cfg.Loop.CreateSpacingMillis > 0 {
		return time.Duration(cfg.Loop.CreateSpacingMillis) * time.Millisecond
	}
	return defaultCreateSpacing
}

func deleteDelay(cfg *config.Config) time.Duration {
	if cfg.Loop.DeleteDelayMillis > 0 {
		return time.Duration(cfg.Loop.DeleteDelayMillis) * time.Millisecond
	}
	return defaultDeleteDelay
}
