package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlabs/fleet-server/internal/core/models"
)

// RunnerRepository is the ledger of runners and their append-only
// lifecycle sequences. Implementations must always preload the
// lifecycle events so derived-state folds see the full sequence.
type RunnerRepository interface {
	Create(ctx context.Context, runner *models.Runner) error
	Get(ctx context.Context, id uint) (*models.Runner, error)
	GetByHostname(ctx context.Context, hostname string) (*models.Runner, error)
	Update(ctx context.Context, runner *models.Runner) error
	ListByOwner(ctx context.Context, owner string) ([]*models.Runner, error)
	ListOnline(ctx context.Context) ([]*models.Runner, error)
	Count(ctx context.Context) (int64, error)

	// AppendEvent appends a lifecycle event stamped now. Transitions are
	// append-only; callers never reorder or backdate.
	AppendEvent(ctx context.Context, runnerID uint, status models.RunnerStatus, description string) error
	SetOnline(ctx context.Context, runnerID uint, online bool) error

	// PurgeOlderThan deletes runners, events and jobs older than the
	// horizon, nulling the Runner<->Job foreign keys first to break the
	// cycle.
	PurgeOlderThan(ctx context.Context, horizon time.Time) error
}

type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByCIJobID(ctx context.Context, ciJobID int64) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) error

	// ListPending returns jobs in Queued or Throttled state queued
	// before the cutoff with no assigned runner.
	ListPending(ctx context.Context, queuedBefore time.Time) ([]*models.Job, error)
	CountByStatus(ctx context.Context, status models.JobStatus) (int64, error)
}

// CreateTaskQueue is a durable FIFO queue over the create-task table.
// At-least-once: a task that fails after dequeue must be re-enqueued by
// the caller or it is lost.
type CreateTaskQueue interface {
	Enqueue(ctx context.Context, task *models.CreateTask) error

	// TryDequeue atomically removes and returns the oldest task, or
	// reports false when the queue is empty.
	TryDequeue(ctx context.Context) (*models.CreateTask, bool, error)
	Count(ctx context.Context) (int64, error)
	CountStuckReplacements(ctx context.Context) (int64, error)
	HasReplacementFor(ctx context.Context, jobID uuid.UUID) (bool, error)
	AnyForRunner(ctx context.Context, runnerID uint) (bool, error)
	AnyForSignature(ctx context.Context, sig models.CancelSignature) (bool, error)
}

type DeleteTaskQueue interface {
	Enqueue(ctx context.Context, task *models.DeleteTask) error
	TryDequeue(ctx context.Context) (*models.DeleteTask, bool, error)
	Count(ctx context.Context) (int64, error)
}

// InFlightRepository tracks creations between the substrate accepting a
// machine and the machine confirming boot, keyed by hostname.
type InFlightRepository interface {
	// TryAdd inserts the record and reports false if the hostname is
	// already tracked.
	TryAdd(ctx context.Context, rec *models.InFlightCreation) (bool, error)

	// Remove deletes and returns the record, or nil when absent.
	Remove(ctx context.Context, hostname string) (*models.InFlightCreation, error)
}

// CounterRepository holds the per-signature cancellation counters.
type CounterRepository interface {
	// Increment adds one pending skip for the signature.
	Increment(ctx context.Context, sig models.CancelSignature) error

	// ConsumeIfPositive atomically decrements a positive counter and
	// reports true; a zero or missing counter is left at zero and
	// reports false.
	ConsumeIfPositive(ctx context.Context, sig models.CancelSignature) (bool, error)
}
