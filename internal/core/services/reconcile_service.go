package services

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/fleetlabs/fleet-server/internal/cloud"
	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

const (
	// CIOrphanGrace protects freshly queued runners from being
	// deregistered before their machine had a chance to come up.
	CIOrphanGrace = 30 * time.Minute

	// IdleRecycleAge is how long an online runner may sit without a
	// lifecycle transition before it is recycled.
	IdleRecycleAge = 6 * time.Hour

	// FreshBootGrace keeps the substrate sweep away from servers that
	// booted too recently to have registered yet.
	FreshBootGrace = 5 * time.Minute

	// LedgerVanishAge is the minimum runner age before an absence from
	// the registration list is recorded as vanished.
	LedgerVanishAge = time.Hour

	// deleteEscalationThreshold: past this many DeletionQueued events the
	// earlier delete tasks have evidently been lost, so one is re-queued.
	deleteEscalationThreshold = 10
)

// Reconciler aligns the three views of the fleet: the CI platform's
// registration list, each substrate's server inventory, and the ledger.
// Every pass is read-mostly and idempotent; corrections flow through
// the same queues and events as normal operation.
type Reconciler struct {
	runners ports.RunnerRepository
	deleteQ ports.DeleteTaskQueue
	clouds  *cloud.Registry
	ci      ports.CIPlatform
}

func NewReconciler(
	runners ports.RunnerRepository,
	deleteQ ports.DeleteTaskQueue,
	clouds *cloud.Registry,
	ci ports.CIPlatform,
) *Reconciler {
	return &Reconciler{runners: runners, deleteQ: deleteQ, clouds: clouds, ci: ci}
}

// Reconcile runs one full pass: per-target registration cleanup and
// idle recycling first, then a substrate sweep against a re-fetched
// registration name set, then the ledger vanish check.
func (r *Reconciler) Reconcile(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("reconciler")

	for _, target := range cfg.Targets {
		if err := r.reconcileTarget(ctx, target); err != nil {
			log.Warn().Err(err).Str("target", target.Name).Msg("Target reconciliation incomplete this pass")
		}
	}

	// Re-fetch after the cleanup above so the name set reflects the
	// deregistrations just made.
	registered, err := r.registeredNames(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build registration name set: %w", err)
	}

	if err := r.sweepSubstrates(ctx, registered); err != nil {
		return err
	}
	return r.markVanished(ctx, cfg, registered)
}

// reconcileTarget handles the registration-list side for one target:
// offline registrations are cleaned up, long-idle online runners are
// recycled.
func (r *Reconciler) reconcileTarget(ctx context.Context, target config.TargetConfig) error {
	log := logger.WithComponent("reconciler")

	ciTarget := ports.Target{Name: target.Name, TargetType: target.TargetType}
	registered, err := r.ci.GetRunners(ctx, ciTarget)
	if err != nil {
		return fmt.Errorf("list registered runners: %w", err)
	}

	for _, reg := range registered {
		runner, lerr := r.runners.GetByHostname(ctx, reg.Name)

		if !reg.Online {
			if lerr != nil {
				// Registration with no ledger record: leftover from a
				// previous deployment, drop it immediately.
				if _, err := r.ci.RemoveRunner(ctx, ciTarget, reg.ID); err != nil {
					log.Warn().Err(err).Str("runner", reg.Name).Msg("Could not deregister unknown offline runner")
				} else {
					log.Info().Str("runner", reg.Name).Msg("Deregistered offline runner with no ledger record")
				}
				continue
			}
			if time.Since(runner.CreationQueuedTime()) < CIOrphanGrace {
				continue
			}
			if err := r.runners.SetOnline(ctx, runner.ID, false); err != nil {
				return err
			}
			if err := r.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusCleanup, "offline on ci platform, deregistered"); err != nil {
				return err
			}
			if _, err := r.ci.RemoveRunner(ctx, ciTarget, reg.ID); err != nil {
				log.Warn().Err(err).Str("runner", reg.Name).Msg("Could not deregister offline runner")
			}
			log.Info().
				Str("runner", reg.Name).
				Dur("age", time.Since(runner.CreationQueuedTime())).
				Msg("Offline runner cleaned up")
			continue
		}

		// Busy runners are left alone regardless of ledger state.
		if reg.Busy {
			continue
		}

		// Online and idle with no ledger record: every runner this
		// system creates is ledgered before its machine exists, so this
		// is a leftover from a previous deployment. Deregistering it
		// here lets the substrate sweep collect its machine.
		if lerr != nil {
			if _, err := r.ci.RemoveRunner(ctx, ciTarget, reg.ID); err != nil {
				log.Warn().Err(err).Str("runner", reg.Name).Msg("Could not deregister unknown idle runner")
			} else {
				log.Info().Str("runner", reg.Name).Msg("Deregistered idle runner with no ledger record")
			}
			continue
		}
		if runner.LastState() == models.RunnerStatusProcessing {
			continue
		}
		if time.Since(runner.LastStateTime()) < IdleRecycleAge {
			continue
		}

		if _, err := r.ci.RemoveRunner(ctx, ciTarget, reg.ID); err != nil {
			log.Warn().Err(err).Str("runner", reg.Name).Msg("Could not deregister idle runner, retrying next pass")
			continue
		}
		if err := r.runners.SetOnline(ctx, runner.ID, false); err != nil {
			return err
		}
		if err := r.deleteQ.Enqueue(ctx, &models.DeleteTask{
			RunnerID:      runner.ID,
			Cloud:         runner.Cloud,
			CloudServerID: runner.CloudServerID,
			QueuedAt:      time.Now(),
		}); err != nil {
			return fmt.Errorf("enqueue idle delete: %w", err)
		}
		if err := r.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusDeletionQueued,
			fmt.Sprintf("idle for %s, recycling", time.Since(runner.LastStateTime()).Round(time.Minute))); err != nil {
			return err
		}
		log.Info().Str("runner", reg.Name).Msg("Idle runner queued for recycling")
	}
	return nil
}

// registeredNames collects every runner name currently registered
// across all configured targets.
func (r *Reconciler) registeredNames(ctx context.Context, cfg *config.Config) (map[string]struct{}, error) {
	names := make(map[string]struct{})
	for _, target := range cfg.Targets {
		registered, err := r.ci.GetRunners(ctx, ports.Target{Name: target.Name, TargetType: target.TargetType})
		if err != nil {
			return nil, fmt.Errorf("list registered runners for %s: %w", target.Name, err)
		}
		for _, reg := range registered {
			names[reg.Name] = struct{}{}
		}
	}
	return names, nil
}

// sweepSubstrates walks every substrate's inventory and queues deletion
// for servers that are not registered anywhere. Ledger bookkeeping
// decides between a first delete, a patient wait, and an escalation
// re-queue; servers with no ledger record at all are deleted as
// orphans.
func (r *Reconciler) sweepSubstrates(ctx context.Context, registered map[string]struct{}) error {
	log := logger.WithComponent("reconciler")

	for _, controller := range r.clouds.All() {
		servers, err := controller.ListServers(ctx)
		if err != nil {
			log.Warn().Err(err).Str("cloud", controller.CloudIdentifier()).Msg("No substrate inventory this pass")
			continue
		}

		for _, server := range servers {
			if _, ok := registered[server.Name]; ok {
				continue
			}
			if time.Since(server.CreatedAt) < FreshBootGrace {
				continue
			}

			runner, err := r.runners.GetByHostname(ctx, server.Name)
			if err != nil {
				if qErr := r.deleteQ.Enqueue(ctx, &models.DeleteTask{
					Cloud:         controller.CloudIdentifier(),
					CloudServerID: server.CloudServerID,
					QueuedAt:      time.Now(),
				}); qErr != nil {
					return fmt.Errorf("enqueue orphan delete: %w", qErr)
				}
				log.Warn().
					Str("cloud", controller.CloudIdentifier()).
					Str("server", server.Name).
					Msg("Unregistered server with no ledger record, orphan delete queued")
				continue
			}

			// A runner mid-job can legitimately drop off the registration
			// list for a moment; leave it to the job lifecycle.
			if runner.LastState() == models.RunnerStatusProcessing {
				continue
			}

			switch queuedDeletes := runner.EventCount(models.RunnerStatusDeletionQueued); {
			case queuedDeletes == 0:
				if err := r.deleteQ.Enqueue(ctx, &models.DeleteTask{
					RunnerID:      runner.ID,
					Cloud:         controller.CloudIdentifier(),
					CloudServerID: server.CloudServerID,
					QueuedAt:      time.Now(),
				}); err != nil {
					return fmt.Errorf("enqueue sweep delete: %w", err)
				}
				if err := r.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusDeletionQueued, "unregistered on ci platform"); err != nil {
					return err
				}
				log.Info().Str("server", server.Name).Msg("Unregistered server queued for deletion")
			case queuedDeletes > deleteEscalationThreshold:
				if err := r.deleteQ.Enqueue(ctx, &models.DeleteTask{
					RunnerID:      runner.ID,
					Cloud:         controller.CloudIdentifier(),
					CloudServerID: server.CloudServerID,
					QueuedAt:      time.Now(),
				}); err != nil {
					return fmt.Errorf("enqueue escalation delete: %w", err)
				}
				if err := r.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusDeletionQueued, "deletion escalated after repeated sweeps"); err != nil {
					return err
				}
				log.Error().
					Str("server", server.Name).
					Int("queued_deletes", queuedDeletes).
					Msg("Server survived many sweeps, deletion re-queued")
			default:
				log.Debug().
					Str("server", server.Name).
					Int("queued_deletes", queuedDeletes).
					Msg("Deletion already queued, waiting")
			}
		}
	}
	return nil
}

// markVanished flags ledger runners the registration list no longer
// knows. No machine is touched here; the substrate sweep owns cleanup.
func (r *Reconciler) markVanished(ctx context.Context, cfg *config.Config, registered map[string]struct{}) error {
	log := logger.WithComponent("reconciler")

	targets := lo.Map(cfg.Targets, func(t config.TargetConfig, _ int) string { return t.Name })

	online, err := r.runners.ListOnline(ctx)
	if err != nil {
		return fmt.Errorf("list online runners: %w", err)
	}

	for _, runner := range online {
		if runner.Hostname == "" || !lo.Contains(targets, runner.Owner) {
			continue
		}
		if _, ok := registered[runner.Hostname]; ok {
			continue
		}
		if time.Since(runner.CreationQueuedTime()) < LedgerVanishAge {
			continue
		}
		if state := runner.LastState(); state == models.RunnerStatusDeletionQueued || state == models.RunnerStatusDeleted {
			continue
		}

		if err := r.runners.SetOnline(ctx, runner.ID, false); err != nil {
			return err
		}
		if err := r.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusVanishedOnCloud, "missing from registration list"); err != nil {
			return err
		}
		log.Warn().
			Str("runner", runner.Hostname).
			Str("owner", runner.Owner).
			Msg("Runner vanished from registration list")
	}
	return nil
}
