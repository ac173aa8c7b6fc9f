package ports

import "context"

// RegisteredRunner is one runner as the CI platform sees it.
type RegisteredRunner struct {
	ID     int64
	Name   string
	Busy   bool
	Online bool
}

// JobInfo is the CI platform's ground truth for one job.
type JobInfo struct {
	Status     string
	Conclusion string
}

const (
	JobInfoStatusQueued     = "queued"
	JobInfoStatusInProgress = "in_progress"
	JobInfoStatusCompleted  = "completed"
)

// Target names a CI organization or repository that receives runners.
type Target struct {
	Name       string
	TargetType string
}

const (
	TargetTypeOrg  = "org"
	TargetTypeRepo = "repo"
)

// CIPlatform is the consumed side of the CI platform API. All calls are
// best effort: callers log a failure and treat it as "no information
// this pass", never as fatal.
type CIPlatform interface {
	GetRunners(ctx context.Context, target Target) ([]RegisteredRunner, error)
	GetRegistrationToken(ctx context.Context, target Target) (string, error)
	RemoveRunner(ctx context.Context, target Target, id int64) (bool, error)
	GetJobInfo(ctx context.Context, owner, repo string, ciJobID int64) (*JobInfo, error)
}
