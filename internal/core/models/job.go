package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusVanished   JobStatus = "vanished"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusThrottled  JobStatus = "throttled"
)

// Job is one CI job that needs a runner. Queued and Throttled are the
// same demand: Throttled means queued but withheld by the target quota,
// and moving between the two must preserve QueuedAt.
type Job struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	CIJobID        int64      `json:"ci_job_id" gorm:"index"`
	Repository     string     `json:"repository" gorm:"type:varchar(255)"`
	Owner          string     `json:"owner" gorm:"type:varchar(255);index"`
	Status         JobStatus  `json:"status" gorm:"type:varchar(50)"`
	Size           string     `json:"size" gorm:"type:varchar(50)"`
	Arch           string     `json:"arch" gorm:"type:varchar(20)"`
	Profile        string     `json:"profile" gorm:"type:varchar(100)"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RunnerID       *uint      `json:"runner_id,omitempty"`
	MachineSeconds int64      `json:"machine_seconds"`
	JobURL         string     `json:"job_url" gorm:"type:varchar(512)"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func NewJob() *Job {
	return &Job{
		ID:       uuid.New(),
		Status:   JobStatusQueued,
		QueuedAt: time.Now(),
	}
}

// Pending reports whether the job still represents unmet demand.
func (j *Job) Pending() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusThrottled
}
