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
	// StuckJobThreshold is how long a job may sit queued with no
	// runner before it is treated as stuck.
	StuckJobThreshold = 10 * time.Minute

	// VanishedJobHorizon is the age past which a job the platform no
	// longer reports queued is written off as vanished.
	VanishedJobHorizon = 2 * time.Hour

	// StuckReplacementCap bounds how many replacement create tasks may
	// be queued at once, as backpressure against replacement storms.
	StuckReplacementCap = 25
)

// StuckJobService finds jobs that queued but never got a runner and
// provisions replacements, moving jobs between Queued and Throttled as
// quota allows.
type StuckJobService struct {
	runners ports.RunnerRepository
	jobs    ports.JobRepository
	createQ ports.CreateTaskQueue
	ci      ports.CIPlatform
}

func NewStuckJobService(
	runners ports.RunnerRepository,
	jobs ports.JobRepository,
	createQ ports.CreateTaskQueue,
	ci ports.CIPlatform,
) *StuckJobService {
	return &StuckJobService{runners: runners, jobs: jobs, createQ: createQ, ci: ci}
}

func (s *StuckJobService) Check(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("stuck_jobs")

	candidates, err := s.jobs.ListPending(ctx, time.Now().Add(-StuckJobThreshold))
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	for _, job := range candidates {
		target, ok := cfg.Target(job.Owner)
		if !ok {
			continue
		}

		// Past the long horizon the job is written off once the
		// platform stops reporting it queued, quota or not.
		if time.Since(job.QueuedAt) > VanishedJobHorizon {
			info, err := s.ci.GetJobInfo(ctx, job.Owner, job.Repository, job.CIJobID)
			if err == nil && info.Status != ports.JobInfoStatusQueued {
				job.Status = models.JobStatusVanished
				if err := s.jobs.Update(ctx, job); err != nil {
					return fmt.Errorf("mark job vanished: %w", err)
				}
				log.Warn().
					Int64("ci_job_id", job.CIJobID).
					Dur("age", time.Since(job.QueuedAt)).
					Msg("Job vanished beyond horizon")
				continue
			}
		}

		active, err := activeRunnerCount(ctx, s.runners, job.Owner)
		if err != nil {
			return fmt.Errorf("count active runners: %w", err)
		}

		if active >= target.Quota {
			if job.Status != models.JobStatusThrottled {
				job.Status = models.JobStatusThrottled
				if err := s.jobs.Update(ctx, job); err != nil {
					return fmt.Errorf("throttle job: %w", err)
				}
				log.Warn().
					Int64("ci_job_id", job.CIJobID).
					Str("owner", job.Owner).
					Msg("Quota exhausted, job throttled")
			}
			continue
		}

		// Quota freed up: un-throttle and give the job a normal pass
		// before considering a replacement.
		if job.Status == models.JobStatusThrottled {
			job.Status = models.JobStatusQueued
			if err := s.jobs.Update(ctx, job); err != nil {
				return fmt.Errorf("unthrottle job: %w", err)
			}
			log.Info().Int64("ci_job_id", job.CIJobID).Msg("Quota available again, job back to queued")
			continue
		}

		info, err := s.ci.GetJobInfo(ctx, job.Owner, job.Repository, job.CIJobID)
		if err != nil {
			log.Warn().Err(err).Int64("ci_job_id", job.CIJobID).Msg("No job info from CI platform this pass")
			continue
		}

		if info.Status != ports.JobInfoStatusQueued {
			switch info.Status {
			case ports.JobInfoStatusCompleted:
				now := time.Now()
				job.Status = models.JobStatusCompleted
				job.CompletedAt = &now
			default:
				job.Status = models.JobStatusVanished
			}
			if err := s.jobs.Update(ctx, job); err != nil {
				return fmt.Errorf("reclassify job: %w", err)
			}
			log.Info().
				Int64("ci_job_id", job.CIJobID).
				Str("platform_status", info.Status).
				Str("new_status", string(job.Status)).
				Msg("Stale job reclassified from platform ground truth")
			continue
		}

		// Genuinely stuck. Dedupe on job id, then apply the global cap.
		exists, err := s.createQ.HasReplacementFor(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("inspect create queue: %w", err)
		}
		if exists {
			continue
		}

		queued, err := s.createQ.CountStuckReplacements(ctx)
		if err != nil {
			return fmt.Errorf("count replacement tasks: %w", err)
		}
		if queued >= StuckReplacementCap {
			log.Warn().
				Int64("queued_replacements", queued).
				Msg("Replacement cap reached, skipping stuck job this pass")
			continue
		}

		jobID := job.ID
		if _, err := enqueueRunnerCreation(ctx, s.runners, s.createQ, RunnerSpec{
			Owner:            job.Owner,
			Repository:       job.Repository,
			TargetType:       target.TargetType,
			Size:             job.Size,
			Arch:             job.Arch,
			Profile:          job.Profile,
			StuckReplacement: true,
			StuckJobID:       &jobID,
		}); err != nil {
			return fmt.Errorf("enqueue replacement runner: %w", err)
		}

		log.Info().
			Int64("ci_job_id", job.CIJobID).
			Str("owner", job.Owner).
			Dur("stuck_for", time.Since(job.QueuedAt)).
			Msg("Replacement runner queued for stuck job")
	}
	return nil
}
