package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
)

// RunnerSpec describes one runner to be provisioned.
type RunnerSpec struct {
	Owner            string
	Repository       string
	TargetType       string
	Size             string
	Arch             string
	Profile          string
	CustomImage      bool
	StuckReplacement bool
	StuckJobID       *uuid.UUID
}

// enqueueRunnerCreation writes the Runner ledger record (born in
// CreationQueued) and its matching create task in that order; a crash
// between the two leaves an inert ledger row the retention sweep will
// eventually collect, never an untracked task.
func enqueueRunnerCreation(ctx context.Context, runners ports.RunnerRepository, queue ports.CreateTaskQueue, spec RunnerSpec) (*models.Runner, error) {
	runner := &models.Runner{
		Owner:       spec.Owner,
		Repository:  spec.Repository,
		Size:        spec.Size,
		Arch:        spec.Arch,
		Profile:     spec.Profile,
		CustomImage: spec.CustomImage,
	}
	if err := runners.Create(ctx, runner); err != nil {
		return nil, err
	}
	if err := runners.AppendEvent(ctx, runner.ID, models.RunnerStatusCreationQueued, "creation queued"); err != nil {
		return nil, err
	}

	task := &models.CreateTask{
		RunnerID:         runner.ID,
		Owner:            spec.Owner,
		Repository:       spec.Repository,
		TargetType:       spec.TargetType,
		Size:             spec.Size,
		Arch:             spec.Arch,
		Profile:          spec.Profile,
		CustomImage:      spec.CustomImage,
		StuckReplacement: spec.StuckReplacement,
		StuckJobID:       spec.StuckJobID,
		QueuedAt:         time.Now(),
	}
	if err := queue.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	return runner, nil
}

// activeRunnerCount counts the target's runners whose derived state
// still sorts before DeletionQueued. This is the quota denominator.
func activeRunnerCount(ctx context.Context, runners ports.RunnerRepository, owner string) (int, error) {
	list, err := runners.ListByOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range list {
		if r.IsActive() {
			count++
		}
	}
	return count, nil
}
