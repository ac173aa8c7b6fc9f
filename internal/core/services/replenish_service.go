package services

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

// Replenisher keeps each target's pools of idle runners at their
// configured size, within the target's quota.
type Replenisher struct {
	runners ports.RunnerRepository
	createQ ports.CreateTaskQueue
}

func NewReplenisher(runners ports.RunnerRepository, createQ ports.CreateTaskQueue) *Replenisher {
	return &Replenisher{runners: runners, createQ: createQ}
}

// Replenish runs one pass over every configured target. The quota is
// checked before each pool and again before every individual slot:
// earlier slots in the same pass consume quota too.
func (r *Replenisher) Replenish(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("replenisher")

	for _, target := range cfg.Targets {
		owned, err := r.runners.ListByOwner(ctx, target.Name)
		if err != nil {
			return fmt.Errorf("list runners for %s: %w", target.Name, err)
		}

		active := lo.CountBy(owned, func(run *models.Runner) bool { return run.IsActive() })
		if active >= target.Quota {
			log.Warn().
				Str("target", target.Name).
				Int("quota", target.Quota).
				Int("active", active).
				Msg("Quota reached before replenishment")
			continue
		}

	pools:
		for _, pool := range target.Pools {
			existing := lo.CountBy(owned, func(run *models.Runner) bool {
				return run.Online && run.IsActive() && run.Size == pool.Size && run.Arch == pool.Arch
			})

			missing := pool.Count - existing
			if missing <= 0 {
				continue
			}

			for i := 0; i < missing; i++ {
				if active >= target.Quota {
					log.Warn().
						Str("target", target.Name).
						Str("size", pool.Size).
						Int("shortfall", missing-i).
						Msg("Quota consumed mid-pass, replenishment stopped for target")
					break pools
				}

				if _, err := enqueueRunnerCreation(ctx, r.runners, r.createQ, RunnerSpec{
					Owner:      target.Name,
					TargetType: target.TargetType,
					Size:       pool.Size,
					Arch:       pool.Arch,
					Profile:    pool.Profile,
				}); err != nil {
					return fmt.Errorf("enqueue pool runner for %s: %w", target.Name, err)
				}
				active++

				log.Info().
					Str("target", target.Name).
					Str("size", pool.Size).
					Int("existing", existing).
					Int("desired", pool.Count).
					Msg("Pool runner creation queued")
			}
		}
	}
	return nil
}
