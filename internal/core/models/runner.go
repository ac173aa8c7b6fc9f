package models

import (
	"time"

	"github.com/google/uuid"
)

type RunnerStatus string

const (
	RunnerStatusCreationQueued  RunnerStatus = "creation_queued"
	RunnerStatusCreated         RunnerStatus = "created"
	RunnerStatusProvisioned     RunnerStatus = "provisioned"
	RunnerStatusProcessing      RunnerStatus = "processing"
	RunnerStatusDeletionQueued  RunnerStatus = "deletion_queued"
	RunnerStatusDeleted         RunnerStatus = "deleted"
	RunnerStatusFailure         RunnerStatus = "failure"
	RunnerStatusVanishedOnCloud RunnerStatus = "vanished_on_cloud"
	RunnerStatusCleanup         RunnerStatus = "cleanup"
	RunnerStatusCancelled       RunnerStatus = "cancelled"
)

// statusRank orders statuses for the quota check: a runner counts
// against the quota while its last state sorts before DeletionQueued.
var statusRank = map[RunnerStatus]int{
	RunnerStatusCreationQueued:  0,
	RunnerStatusCreated:         1,
	RunnerStatusProvisioned:     2,
	RunnerStatusProcessing:      3,
	RunnerStatusDeletionQueued:  4,
	RunnerStatusDeleted:         5,
	RunnerStatusFailure:         6,
	RunnerStatusVanishedOnCloud: 7,
	RunnerStatusCleanup:         8,
	RunnerStatusCancelled:       9,
}

// LifecycleEvent is an immutable fact about a runner. Runner state is
// never stored as a mutable column; it is always derived from the event
// with the greatest timestamp.
type LifecycleEvent struct {
	ID          uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	RunnerID    uint         `json:"runner_id" gorm:"index:idx_runner_events,priority:1"`
	Timestamp   time.Time    `json:"timestamp" gorm:"index:idx_runner_events,priority:2"`
	Status      RunnerStatus `json:"status" gorm:"type:varchar(50)"`
	Description string       `json:"description" gorm:"type:text"`
}

type Runner struct {
	ID               uint             `json:"id" gorm:"primaryKey;autoIncrement"`
	Hostname         string           `json:"hostname" gorm:"type:varchar(255);index"`
	Cloud            string           `json:"cloud" gorm:"type:varchar(50)"`
	Size             string           `json:"size" gorm:"type:varchar(50)"`
	Arch             string           `json:"arch" gorm:"type:varchar(20)"`
	Profile          string           `json:"profile" gorm:"type:varchar(100)"`
	CustomImage      bool             `json:"custom_image"`
	Owner            string           `json:"owner" gorm:"type:varchar(255);index"`
	Repository       string           `json:"repository" gorm:"type:varchar(255)"`
	JobID            *uuid.UUID       `json:"job_id,omitempty" gorm:"type:uuid"`
	Job              *Job             `json:"job,omitempty" gorm:"foreignKey:JobID"`
	Lifecycle        []LifecycleEvent `json:"lifecycle,omitempty" gorm:"foreignKey:RunnerID"`
	Online           bool             `json:"online"`
	IPAddress        string           `json:"ip_address" gorm:"type:varchar(45)"`
	CloudServerID    string           `json:"cloud_server_id" gorm:"type:varchar(255)"`
	ProvisionID      string           `json:"provision_id" gorm:"type:varchar(255)"`
	ProvisionPayload string           `json:"provision_payload" gorm:"type:text"`
	CreatedAt        time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time        `json:"updated_at" gorm:"autoUpdateTime"`
}

// LastState folds the lifecycle sequence down to the status of the
// event with the maximum timestamp. An empty sequence reports
// CreationQueued, the state every runner is born in.
func (r *Runner) LastState() RunnerStatus {
	ev := r.latestEvent()
	if ev == nil {
		return RunnerStatusCreationQueued
	}
	return ev.Status
}

// LastStateTime is the timestamp of the event LastState derives from.
func (r *Runner) LastStateTime() time.Time {
	ev := r.latestEvent()
	if ev == nil {
		return r.CreatedAt
	}
	return ev.Timestamp
}

// CreationQueuedTime is the timestamp of the first CreationQueued event.
func (r *Runner) CreationQueuedTime() time.Time {
	for i := range r.Lifecycle {
		if r.Lifecycle[i].Status == RunnerStatusCreationQueued {
			return r.Lifecycle[i].Timestamp
		}
	}
	return r.CreatedAt
}

// IsActive reports whether the runner still counts against its target's
// quota.
func (r *Runner) IsActive() bool {
	return statusRank[r.LastState()] < statusRank[RunnerStatusDeletionQueued]
}

// EventCount returns how many lifecycle events carry the given status.
func (r *Runner) EventCount(status RunnerStatus) int {
	n := 0
	for i := range r.Lifecycle {
		if r.Lifecycle[i].Status == status {
			n++
		}
	}
	return n
}

func (r *Runner) latestEvent() *LifecycleEvent {
	var latest *LifecycleEvent
	for i := range r.Lifecycle {
		if latest == nil || r.Lifecycle[i].Timestamp.After(latest.Timestamp) {
			latest = &r.Lifecycle[i]
		}
	}
	return latest
}
