package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetlabs/fleet-server/internal/cloud"
	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

const (
	// MaxTaskRetries bounds how often a failed create or delete task is
	// re-enqueued before the runner lands in terminal Failure.
	MaxTaskRetries = 3

	// createInternalRetries is how often one executor invocation retries
	// the substrate call before treating the attempt as failed.
	createInternalRetries = 1
)

// CreateExecutor runs dequeued create tasks against the substrate
// picked from the configured candidate order.
type CreateExecutor struct {
	runners  ports.RunnerRepository
	createQ  ports.CreateTaskQueue
	inflight ports.InFlightRepository
	counters ports.CounterRepository
	clouds   *cloud.Registry
	ci       ports.CIPlatform
	bans     *BanList
}

func NewCreateExecutor(
	runners ports.RunnerRepository,
	createQ ports.CreateTaskQueue,
	inflight ports.InFlightRepository,
	counters ports.CounterRepository,
	clouds *cloud.Registry,
	ci ports.CIPlatform,
	bans *BanList,
) *CreateExecutor {
	return &CreateExecutor{
		runners:  runners,
		createQ:  createQ,
		inflight: inflight,
		counters: counters,
		clouds:   clouds,
		ci:       ci,
		bans:     bans,
	}
}

// Execute provisions the runner one dequeued task asks for. Storage
// errors propagate; substrate and configuration failures are absorbed
// into the ledger per the retry rules.
func (e *CreateExecutor) Execute(ctx context.Context, cfg *config.Config, task *models.CreateTask) error {
	log := logger.WithComponent("create_executor")

	runner, err := e.runners.Get(ctx, task.RunnerID)
	if err != nil {
		log.Warn().Uint("runner_id", task.RunnerID).Msg("Create task for runner missing from ledger, dropping")
		return nil
	}

	// A cancelled job may have left a pending skip for this demand
	// signature. Consuming it is a deliberate no-op success.
	skipped, err := e.counters.ConsumeIfPositive(ctx, task.Signature())
	if err != nil {
		return fmt.Errorf("consult cancellation counter: %w", err)
	}
	if skipped {
		if err := e.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusCancelled, "demand cancelled before provisioning"); err != nil {
			return err
		}
		log.Info().
			Uint("runner_id", runner.ID).
			Str("signature", task.Signature().String()).
			Msg("Create skipped, pending cancellation consumed")
		return nil
	}

	controller, ok := e.selectController(cfg, task.Size, task.Arch)
	if !ok {
		// No candidate at all is a configuration error; retrying cannot
		// fix it.
		if err := e.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusFailure,
			fmt.Sprintf("no substrate candidate for %s/%s", task.Size, task.Arch)); err != nil {
			return err
		}
		log.Error().
			Str("size", task.Size).
			Str("arch", task.Arch).
			Msg("No substrate candidate for size/arch, create task dropped")
		return nil
	}

	target := ports.Target{Name: task.Owner, TargetType: task.TargetType}
	if task.TargetType == ports.TargetTypeRepo && task.Repository != "" {
		target.Name = task.Owner + "/" + task.Repository
	}
	token, err := e.ci.GetRegistrationToken(ctx, target)
	if err != nil {
		// CI platform unavailable: no information this pass. The task
		// goes back unchanged; no retry is consumed and no substrate
		// was touched.
		retry := *task
		retry.QueuedAt = time.Now()
		if qErr := e.createQ.Enqueue(ctx, &retry); qErr != nil {
			return fmt.Errorf("re-enqueue create task: %w", qErr)
		}
		log.Warn().Err(err).Str("target", target.Name).Msg("No registration token this pass, task requeued")
		return nil
	}

	req := ports.CreateMachineRequest{
		Arch:              task.Arch,
		Size:              task.Size,
		RegistrationToken: token,
		TargetName:        target.Name,
		CustomImage:       task.CustomImage,
		Profile:           task.Profile,
	}

	var machine *ports.Machine
	for attempt := 0; attempt <= createInternalRetries; attempt++ {
		machine, err = controller.CreateRunner(ctx, req)
		if err == nil {
			break
		}
		if errors.Is(err, ports.ErrImageNotFound) || errors.Is(err, ports.ErrUnsupportedMachineType) {
			// Config-class failure: terminal for this task.
			if evErr := e.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusFailure, err.Error()); evErr != nil {
				return evErr
			}
			log.Error().Err(err).
				Str("cloud", controller.CloudIdentifier()).
				Str("size", task.Size).
				Msg("Substrate rejected machine configuration, create task dropped")
			return nil
		}
	}
	if err != nil {
		return e.recordFailure(ctx, cfg, runner, task, controller.CloudIdentifier(), err.Error())
	}

	runner.Hostname = machine.Hostname
	runner.IPAddress = machine.IPAddress
	runner.CloudServerID = machine.CloudServerID
	runner.Cloud = controller.CloudIdentifier()
	runner.ProvisionID = machine.ProvisionID
	runner.ProvisionPayload = machine.ProvisionPayload
	if err := e.runners.Update(ctx, runner); err != nil {
		return fmt.Errorf("persist machine onto runner: %w", err)
	}
	if err := e.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusCreated,
		fmt.Sprintf("created on %s as %s", runner.Cloud, machine.Hostname)); err != nil {
		return err
	}

	added, err := e.inflight.TryAdd(ctx, &models.InFlightCreation{
		Hostname:         machine.Hostname,
		RunnerID:         runner.ID,
		Owner:            task.Owner,
		Repository:       task.Repository,
		TargetType:       task.TargetType,
		Size:             task.Size,
		Arch:             task.Arch,
		Profile:          task.Profile,
		CustomImage:      task.CustomImage,
		StuckReplacement: task.StuckReplacement,
		Retries:          task.Retries,
	})
	if err != nil {
		return fmt.Errorf("track in-flight creation: %w", err)
	}
	if !added {
		log.Warn().Str("hostname", machine.Hostname).Msg("Hostname already tracked in-flight")
	}

	log.Info().
		Uint("runner_id", runner.ID).
		Str("hostname", machine.Hostname).
		Str("cloud", runner.Cloud).
		Msg("Runner created")
	return nil
}

// selectController resolves the highest-priority unbanned candidate
// for a size/arch pair.
func (e *CreateExecutor) selectController(cfg *config.Config, size, arch string) (ports.CloudController, bool) {
	for _, id := range cfg.CloudCandidates(size, arch) {
		if e.bans.IsBanned(id, size) {
			continue
		}
		if controller, ok := e.clouds.Get(id); ok {
			return controller, true
		}
	}
	return nil, false
}

// recordFailure applies the substrate-failure bookkeeping: Failure
// event, ban, and re-enqueue while retries remain. Stuck-job
// replacements are never retried; the detector produces a fresh
// replacement instead.
func (e *CreateExecutor) recordFailure(ctx context.Context, cfg *config.Config, runner *models.Runner, task *models.CreateTask, cloudID, reason string) error {
	log := logger.WithComponent("create_executor")

	if err := e.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusFailure, reason); err != nil {
		return err
	}
	e.bans.Ban(cloudID, task.Size, BanCooldown)

	if task.StuckReplacement {
		log.Warn().
			Uint("runner_id", runner.ID).
			Str("reason", reason).
			Msg("Replacement create failed, leaving retry to the stuck-job detector")
		return nil
	}

	if task.Retries+1 >= MaxTaskRetries {
		if err := e.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusFailure, "create retries exhausted"); err != nil {
			return err
		}
		log.Error().
			Uint("runner_id", runner.ID).
			Int("retries", task.Retries+1).
			Msg("Create retries exhausted, runner failed terminally")
		return nil
	}

	retry := *task
	retry.Retries++
	retry.QueuedAt = time.Now()
	if err := e.createQ.Enqueue(ctx, &retry); err != nil {
		return fmt.Errorf("re-enqueue create task: %w", err)
	}

	log.Warn().
		Uint("runner_id", runner.ID).
		Int("retry", retry.Retries).
		Str("reason", reason).
		Msg("Create failed, task re-enqueued")
	return nil
}
