package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTask is a durable work item asking the control loop to provision
// one runner. The row's auto-increment ID doubles as the FIFO sequence
// number; a dequeued task is deleted from the table, and a failed task
// is re-enqueued as a fresh row with an incremented retry count.
type CreateTask struct {
	ID               uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	RunnerID         uint       `json:"runner_id"`
	Owner            string     `json:"owner" gorm:"type:varchar(255)"`
	Repository       string     `json:"repository" gorm:"type:varchar(255)"`
	TargetType       string     `json:"target_type" gorm:"type:varchar(20)"`
	Size             string     `json:"size" gorm:"type:varchar(50)"`
	Arch             string     `json:"arch" gorm:"type:varchar(20)"`
	Profile          string     `json:"profile" gorm:"type:varchar(100)"`
	CustomImage      bool       `json:"custom_image"`
	StuckReplacement bool       `json:"stuck_replacement"`
	StuckJobID       *uuid.UUID `json:"stuck_job_id,omitempty" gorm:"type:uuid;index"`
	Retries          int        `json:"retries"`
	QueuedAt         time.Time  `json:"queued_at"`
}

// DeleteTask asks the control loop to destroy one substrate server.
// RunnerID may be zero for servers the ledger has no record of; the
// executor then dispatches purely on Cloud and CloudServerID.
type DeleteTask struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunnerID      uint      `json:"runner_id"`
	Cloud         string    `json:"cloud" gorm:"type:varchar(50)"`
	CloudServerID string    `json:"cloud_server_id" gorm:"type:varchar(255)"`
	Retries       int       `json:"retries"`
	QueuedAt      time.Time `json:"queued_at"`
}

// InFlightCreation correlates a substrate's asynchronous boot callback
// back to the create task that produced the machine. Written when the
// create call succeeds, removed when the substrate confirms boot or
// reports failure.
type InFlightCreation struct {
	Hostname         string    `json:"hostname" gorm:"primaryKey;type:varchar(255)"`
	RunnerID         uint      `json:"runner_id"`
	Owner            string    `json:"owner" gorm:"type:varchar(255)"`
	Repository       string    `json:"repository" gorm:"type:varchar(255)"`
	TargetType       string    `json:"target_type" gorm:"type:varchar(20)"`
	Size             string    `json:"size" gorm:"type:varchar(50)"`
	Arch             string    `json:"arch" gorm:"type:varchar(20)"`
	Profile          string    `json:"profile" gorm:"type:varchar(100)"`
	CustomImage      bool      `json:"custom_image"`
	StuckReplacement bool      `json:"stuck_replacement"`
	Retries          int       `json:"retries"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// CancelSignature identifies one kind of demand for cancellation
// bookkeeping.
type CancelSignature struct {
	Owner      string
	Repository string
	Size       string
	Profile    string
	Arch       string
}

func (s CancelSignature) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", s.Owner, s.Repository, s.Size, s.Profile, s.Arch)
}

// CancellationCounter holds the pending-skip count for one demand
// signature: how many already-enqueued create tasks should no-op because
// their originating job was cancelled.
type CancellationCounter struct {
	ID         uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	Owner      string `json:"owner" gorm:"type:varchar(255);uniqueIndex:idx_cancel_signature,priority:1"`
	Repository string `json:"repository" gorm:"type:varchar(255);uniqueIndex:idx_cancel_signature,priority:2"`
	Size       string `json:"size" gorm:"type:varchar(50);uniqueIndex:idx_cancel_signature,priority:3"`
	Profile    string `json:"profile" gorm:"type:varchar(100);uniqueIndex:idx_cancel_signature,priority:4"`
	Arch       string `json:"arch" gorm:"type:varchar(20);uniqueIndex:idx_cancel_signature,priority:5"`
	Count      int    `json:"count"`
}

// Signature extracts the demand signature from a create task.
func (t *CreateTask) Signature() CancelSignature {
	return CancelSignature{
		Owner:      t.Owner,
		Repository: t.Repository,
		Size:       t.Size,
		Profile:    t.Profile,
		Arch:       t.Arch,
	}
}
