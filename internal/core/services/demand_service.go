package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

var ErrUnknownJob = errors.New("job not tracked")

// DemandService translates CI job lifecycle signals into ledger
// mutations and queued work. The webhook layer calls it; it never talks
// HTTP itself.
type DemandService struct {
	cfgManager *config.ConfigManager
	runners    ports.RunnerRepository
	jobs       ports.JobRepository
	createQ    ports.CreateTaskQueue
	deleteQ    ports.DeleteTaskQueue
	inflight   ports.InFlightRepository
	counters   ports.CounterRepository
}

func NewDemandService(
	cfgManager *config.ConfigManager,
	runners ports.RunnerRepository,
	jobs ports.JobRepository,
	createQ ports.CreateTaskQueue,
	deleteQ ports.DeleteTaskQueue,
	inflight ports.InFlightRepository,
	counters ports.CounterRepository,
) *DemandService {
	return &DemandService{
		cfgManager: cfgManager,
		runners:    runners,
		jobs:       jobs,
		createQ:    createQ,
		deleteQ:    deleteQ,
		inflight:   inflight,
		counters:   counters,
	}
}

// LabelSpec is the demand parsed out of a CI job's label set.
type LabelSpec struct {
	Size        string
	Arch        string
	Profile     string
	CustomImage bool
}

// ParseLabels maps a job's runs-on labels onto a size/arch/profile
// triple. Unrecognized labels are ignored; missing parts fall back to
// the smallest default.
func ParseLabels(labels []string) LabelSpec {
	spec := LabelSpec{Size: "small", Arch: "x64", Profile: "default"}
	for _, label := range labels {
		l := strings.ToLower(strings.TrimSpace(label))
		switch l {
		case "self-hosted", "linux":
			continue
		case "x64", "amd64":
			spec.Arch = "x64"
		case "arm64", "aarch64":
			spec.Arch = "arm64"
		case "small", "medium", "large", "xlarge":
			spec.Size = l
		case "custom-image":
			spec.CustomImage = true
		default:
			if name, ok := strings.CutPrefix(l, "profile:"); ok {
				spec.Profile = name
			}
		}
	}
	return spec
}

// JobQueued records new demand and enqueues a create task, unless the
// target's quota is already consumed, in which case the job parks in
// Throttled for the stuck-job detector to revisit.
func (s *DemandService) JobQueued(ctx context.Context, owner, repository string, ciJobID int64, labels []string, jobURL string) error {
	log := logger.WithComponent("demand")

	cfg, err := s.cfgManager.GetConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	target, ok := cfg.Target(owner)
	if !ok {
		log.Warn().Str("owner", owner).Msg("Job queued for unconfigured target, ignoring")
		return nil
	}

	spec := ParseLabels(labels)
	job := models.NewJob()
	job.CIJobID = ciJobID
	job.Owner = owner
	job.Repository = repository
	job.Size = spec.Size
	job.Arch = spec.Arch
	job.Profile = spec.Profile
	job.JobURL = jobURL

	active, err := activeRunnerCount(ctx, s.runners, owner)
	if err != nil {
		return fmt.Errorf("count active runners: %w", err)
	}
	if active >= target.Quota {
		job.Status = models.JobStatusThrottled
		if err := s.jobs.Create(ctx, job); err != nil {
			return fmt.Errorf("create throttled job: %w", err)
		}
		log.Warn().
			Str("owner", owner).
			Int("quota", target.Quota).
			Int("active", active).
			Int64("ci_job_id", ciJobID).
			Msg("Quota reached, job throttled")
		return nil
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	_, err = enqueueRunnerCreation(ctx, s.runners, s.createQ, RunnerSpec{
		Owner:       owner,
		Repository:  repository,
		TargetType:  target.TargetType,
		Size:        spec.Size,
		Arch:        spec.Arch,
		Profile:     spec.Profile,
		CustomImage: spec.CustomImage,
	})
	if err != nil {
		return fmt.Errorf("enqueue runner creation: %w", err)
	}

	log.Info().
		Str("owner", owner).
		Str("repository", repository).
		Int64("ci_job_id", ciJobID).
		Str("size", spec.Size).
		Str("arch", spec.Arch).
		Msg("Job queued, create task enqueued")
	return nil
}

// JobInProgress links the job to the runner the CI platform scheduled
// it onto and appends a Processing event.
func (s *DemandService) JobInProgress(ctx context.Context, ciJobID int64, runnerName, jobURL string) error {
	log := logger.WithComponent("demand")

	job, err := s.jobs.GetByCIJobID(ctx, ciJobID)
	if err != nil {
		return fmt.Errorf("%w: ci job %d", ErrUnknownJob, ciJobID)
	}

	runner, err := s.runners.GetByHostname(ctx, runnerName)
	if err != nil {
		log.Warn().
			Int64("ci_job_id", ciJobID).
			Str("runner", runnerName).
			Msg("Job started on runner the ledger does not know")
		return nil
	}

	now := time.Now()
	job.Status = models.JobStatusInProgress
	job.StartedAt = &now
	job.RunnerID = &runner.ID
	if jobURL != "" {
		job.JobURL = jobURL
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	runner.JobID = &job.ID
	if err := s.runners.Update(ctx, runner); err != nil {
		return fmt.Errorf("link runner to job: %w", err)
	}
	if err := s.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusProcessing, fmt.Sprintf("processing ci job %d", ciJobID)); err != nil {
		return err
	}

	log.Info().
		Int64("ci_job_id", ciJobID).
		Str("runner", runnerName).
		Msg("Job in progress")
	return nil
}

// JobCompleted closes the job, records elapsed machine time and queues
// the runner's deletion.
func (s *DemandService) JobCompleted(ctx context.Context, ciJobID int64) error {
	log := logger.WithComponent("demand")

	job, err := s.jobs.GetByCIJobID(ctx, ciJobID)
	if err != nil {
		return fmt.Errorf("%w: ci job %d", ErrUnknownJob, ciJobID)
	}

	now := time.Now()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	if job.StartedAt != nil {
		elapsed := now.Sub(*job.StartedAt)
		job.MachineSeconds = int64(elapsed.Seconds()) + 1
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if job.RunnerID == nil {
		log.Warn().Int64("ci_job_id", ciJobID).Msg("Completed job has no runner to recycle")
		return nil
	}

	runner, err := s.runners.Get(ctx, *job.RunnerID)
	if err != nil {
		log.Warn().Int64("ci_job_id", ciJobID).Uint("runner_id", *job.RunnerID).Msg("Completed job's runner missing from ledger")
		return nil
	}

	if err := s.deleteQ.Enqueue(ctx, &models.DeleteTask{
		RunnerID:      runner.ID,
		Cloud:         runner.Cloud,
		CloudServerID: runner.CloudServerID,
		QueuedAt:      now,
	}); err != nil {
		return fmt.Errorf("enqueue delete task: %w", err)
	}
	if err := s.runners.AppendEvent(ctx, runner.ID, models.RunnerStatusDeletionQueued, fmt.Sprintf("ci job %d completed", ciJobID)); err != nil {
		return err
	}

	log.Info().
		Int64("ci_job_id", ciJobID).
		Str("runner", runner.Hostname).
		Int64("machine_seconds", job.MachineSeconds).
		Msg("Job completed, runner queued for deletion")
	return nil
}

// JobCancelled handles a queued job being cancelled before any runner
// picked it up. If its create task is still pending, the cancellation
// counter absorbs it so the executor skips provisioning.
func (s *DemandService) JobCancelled(ctx context.Context, ciJobID int64) error {
	log := logger.WithComponent("demand")

	job, err := s.jobs.GetByCIJobID(ctx, ciJobID)
	if err != nil {
		return fmt.Errorf("%w: ci job %d", ErrUnknownJob, ciJobID)
	}
	if !job.Pending() {
		return nil
	}

	job.Status = models.JobStatusCancelled
	if err := s.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	sig := models.CancelSignature{
		Owner:      job.Owner,
		Repository: job.Repository,
		Size:       job.Size,
		Profile:    job.Profile,
		Arch:       job.Arch,
	}
	pending, err := s.createQ.AnyForSignature(ctx, sig)
	if err != nil {
		return fmt.Errorf("inspect create queue: %w", err)
	}
	if pending {
		if err := s.counters.Increment(ctx, sig); err != nil {
			return fmt.Errorf("increment cancellation counter: %w", err)
		}
		log.Info().
			Int64("ci_job_id", ciJobID).
			Str("signature", sig.String()).
			Msg("Job cancelled with create task pending, counter incremented")
	}
	return nil
}

// RunnerProvisioned is the substrate's boot confirmation. The in-flight
// record is consumed and the runner goes online.
func (s *DemandService) RunnerProvisioned(ctx context.Context, hostname string) error {
	log := logger.WithComponent("demand")

	rec, err := s.inflight.Remove(ctx, hostname)
	if err != nil {
		return fmt.Errorf("remove in-flight record: %w", err)
	}
	if rec == nil {
		log.Warn().Str("hostname", hostname).Msg("Boot confirmation for untracked hostname")
		return nil
	}

	if err := s.runners.SetOnline(ctx, rec.RunnerID, true); err != nil {
		return fmt.Errorf("mark runner online: %w", err)
	}
	if err := s.runners.AppendEvent(ctx, rec.RunnerID, models.RunnerStatusProvisioned, "substrate confirmed boot"); err != nil {
		return err
	}

	log.Info().Str("hostname", hostname).Uint("runner_id", rec.RunnerID).Msg("Runner provisioned")
	return nil
}

// RunnerProvisionFailed is the substrate's boot-failure report. The
// stored task parameters let the failure re-enter the create queue with
// its retry count intact; stuck-job replacements are never retried here
// and rely on the next detector pass instead.
func (s *DemandService) RunnerProvisionFailed(ctx context.Context, hostname, reason string) error {
	log := logger.WithComponent("demand")

	rec, err := s.inflight.Remove(ctx, hostname)
	if err != nil {
		return fmt.Errorf("remove in-flight record: %w", err)
	}
	if rec == nil {
		log.Warn().Str("hostname", hostname).Msg("Boot failure for untracked hostname")
		return nil
	}

	if err := s.runners.AppendEvent(ctx, rec.RunnerID, models.RunnerStatusFailure, fmt.Sprintf("boot failed: %s", reason)); err != nil {
		return err
	}

	if rec.StuckReplacement || rec.Retries+1 >= MaxTaskRetries {
		log.Warn().
			Str("hostname", hostname).
			Int("retries", rec.Retries).
			Bool("stuck_replacement", rec.StuckReplacement).
			Msg("Boot failed, not retrying")
		return nil
	}

	if err := s.createQ.Enqueue(ctx, &models.CreateTask{
		RunnerID:    rec.RunnerID,
		Owner:       rec.Owner,
		Repository:  rec.Repository,
		TargetType:  rec.TargetType,
		Size:        rec.Size,
		Arch:        rec.Arch,
		Profile:     rec.Profile,
		CustomImage: rec.CustomImage,
		Retries:     rec.Retries + 1,
		QueuedAt:    time.Now(),
	}); err != nil {
		return fmt.Errorf("re-enqueue create task: %w", err)
	}

	log.Info().Str("hostname", hostname).Int("retry", rec.Retries+1).Msg("Boot failed, create task re-enqueued")
	return nil
}
