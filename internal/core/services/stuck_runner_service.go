package services

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

const (
	// stuckCreationAge: a runner still in CreationQueued this long with
	// no task left in the queue lost its create task somewhere.
	stuckCreationAge = 15 * time.Minute

	// stuckBootAge: a machine created this long ago that never confirmed
	// boot and never reported failure is written off.
	stuckBootAge = 20 * time.Minute
)

// StuckRunnerService catches runners whose provisioning pipeline went
// silent: create tasks that vanished from the queue without a trace,
// and machines that booted into a black hole.
type StuckRunnerService struct {
	runners  ports.RunnerRepository
	createQ  ports.CreateTaskQueue
	deleteQ  ports.DeleteTaskQueue
	inflight ports.InFlightRepository
}

func NewStuckRunnerService(
	runners ports.RunnerRepository,
	createQ ports.CreateTaskQueue,
	deleteQ ports.DeleteTaskQueue,
	inflight ports.InFlightRepository,
) *StuckRunnerService {
	return &StuckRunnerService{runners: runners, createQ: createQ, deleteQ: deleteQ, inflight: inflight}
}

func (s *StuckRunnerService) Check(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("stuck_runners")

	for _, target := range cfg.Targets {
		owned, err := s.runners.ListByOwner(ctx, target.Name)
		if err != nil {
			return fmt.Errorf("list runners for %s: %w", target.Name, err)
		}

		for _, runner := range owned {
			switch runner.LastState() {
			case models.RunnerStatusCreationQueued:
				if time.Since(runner.CreationQueuedTime()) < stuckCreationAge {
					continue
				}
				queued, err := s.createQ.AnyForRunner(ctx, runner.ID)
				if err != nil {
					return fmt.Errorf("inspect create queue: %w", err)
				}
				if queued {
					continue
				}
				if err := s.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusFailure, "create task lost"); err != nil {
					return err
				}
				log.Error().
					Uint("runner_id", runner.ID).
					Str("owner", runner.Owner).
					Msg("Runner stuck in creation queue with no task, failed")

			case models.RunnerStatusCreated:
				if time.Since(runner.LastStateTime()) < stuckBootAge {
					continue
				}
				if runner.Hostname != "" {
					if _, err := s.inflight.Remove(ctx, runner.Hostname); err != nil {
						return fmt.Errorf("drop in-flight record: %w", err)
					}
				}
				if err := s.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusFailure, "boot confirmation timed out"); err != nil {
					return err
				}
				if runner.CloudServerID != "" {
					if err := s.deleteQ.Enqueue(ctx, &models.DeleteTask{
						RunnerID:      runner.ID,
						Cloud:         runner.Cloud,
						CloudServerID: runner.CloudServerID,
						QueuedAt:      time.Now(),
					}); err != nil {
						return fmt.Errorf("enqueue boot-timeout delete: %w", err)
					}
					if err := s.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusDeletionQueued, "boot timed out, machine queued for deletion"); err != nil {
						return err
					}
				}
				log.Error().
					Uint("runner_id", runner.ID).
					Str("hostname", runner.Hostname).
					Msg("Runner never confirmed boot, machine queued for deletion")
			}
		}
	}
	return nil
}
