package services

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetlabs/fleet-server/internal/cloud"
	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

// DeleteExecutor runs dequeued delete tasks against the substrate the
// runner was created on. Unlike creates, deletes never ban a substrate:
// a machine that cannot be deleted is a billing problem, not a capacity
// signal.
type DeleteExecutor struct {
	runners ports.RunnerRepository
	deleteQ ports.DeleteTaskQueue
	clouds  *cloud.Registry
}

func NewDeleteExecutor(runners ports.RunnerRepository, deleteQ ports.DeleteTaskQueue, clouds *cloud.Registry) *DeleteExecutor {
	return &DeleteExecutor{runners: runners, deleteQ: deleteQ, clouds: clouds}
}

// Execute tears down the machine one dequeued task names. A task with
// RunnerID 0 targets an orphan server the ledger never knew; everything
// then rides on Cloud and CloudServerID alone.
func (e *DeleteExecutor) Execute(ctx context.Context, task *models.DeleteTask) error {
	log := logger.WithComponent("delete_executor")

	controller, ok := e.clouds.Get(task.Cloud)
	if !ok {
		// Unknown substrate identifier: configuration error, retrying
		// cannot fix it.
		log.Error().
			Str("cloud", task.Cloud).
			Str("cloud_server_id", task.CloudServerID).
			Msg("Delete task names unknown substrate, dropping")
		return nil
	}

	var runner *models.Runner
	if task.RunnerID != 0 {
		var err error
		runner, err = e.runners.Get(ctx, task.RunnerID)
		if err != nil {
			// Retention may have purged the ledger row while the task
			// waited. The machine still has to go.
			log.Warn().
				Uint("runner_id", task.RunnerID).
				Str("cloud_server_id", task.CloudServerID).
				Msg("Delete task for runner missing from ledger, deleting machine only")
		}
	}

	if err := controller.DeleteRunner(ctx, task.CloudServerID); err != nil {
		if runner != nil {
			if evErr := e.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusFailure,
				fmt.Sprintf("delete failed: %v", err)); evErr != nil {
				return evErr
			}
		}

		if task.Retries+1 >= MaxTaskRetries {
			log.Error().Err(err).
				Uint("runner_id", task.RunnerID).
				Str("cloud_server_id", task.CloudServerID).
				Int("retries", task.Retries+1).
				Msg("Delete retries exhausted, machine may be leaked")
			return nil
		}

		retry := *task
		retry.Retries++
		retry.QueuedAt = time.Now()
		if qErr := e.deleteQ.Enqueue(ctx, &retry); qErr != nil {
			return fmt.Errorf("re-enqueue delete task: %w", qErr)
		}
		log.Warn().Err(err).
			Uint("runner_id", task.RunnerID).
			Str("cloud_server_id", task.CloudServerID).
			Int("retry", retry.Retries).
			Msg("Delete failed, task re-enqueued")
		return nil
	}

	if runner != nil {
		if err := e.runners.SetOnline(ctx, runner.ID, false); err != nil {
			return fmt.Errorf("mark runner offline: %w", err)
		}
		if err := e.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusDeleted, "machine deleted"); err != nil {
			return err
		}
	}

	log.Info().
		Uint("runner_id", task.RunnerID).
		Str("cloud", task.Cloud).
		Str("cloud_server_id", task.CloudServerID).
		Msg("Runner deleted")
	return nil
}
