package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetlabs/fleet-server/internal/core/models"
)

// CreateTaskQueueRepository is a durable FIFO queue over the
// create-task table. The auto-increment id is the queue sequence
// number; dequeue selects the lowest id and deletes the row in the same
// transaction, so a row's lifetime is enqueue-to-dequeue and redelivery
// is the caller's job.
type CreateTaskQueueRepository struct {
	db *gorm.DB
}

func NewCreateTaskQueueRepository(db *gorm.DB) *CreateTaskQueueRepository {
	return &CreateTaskQueueRepository{db: db}
}

// lockOldest serializes concurrent dequeuers on postgres. SQLite has no
// row locks; its single-writer transactions already give the same
// guarantee.
func lockOldest(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return tx
}

func (q *CreateTaskQueueRepository) Enqueue(ctx context.Context, task *models.CreateTask) error {
	task.ID = 0
	return q.db.WithContext(ctx).Create(task).Error
}

func (q *CreateTaskQueueRepository) TryDequeue(ctx context.Context) (*models.CreateTask, bool, error) {
	var task models.CreateTask
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOldest(tx).
			Order("id ASC").
			First(&task).Error; err != nil {
			return err
		}
		return tx.Delete(&models.CreateTask{}, task.ID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

func (q *CreateTaskQueueRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.CreateTask{}).Count(&count).Error
	return count, err
}

func (q *CreateTaskQueueRepository) CountStuckReplacements(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.CreateTask{}).
		Where("stuck_replacement = ?", true).
		Count(&count).Error
	return count, err
}

func (q *CreateTaskQueueRepository) HasReplacementFor(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.CreateTask{}).
		Where("stuck_job_id = ?", jobID).
		Count(&count).Error
	return count > 0, err
}

func (q *CreateTaskQueueRepository) AnyForRunner(ctx context.Context, runnerID uint) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.CreateTask{}).
		Where("runner_id = ?", runnerID).
		Count(&count).Error
	return count > 0, err
}

func (q *CreateTaskQueueRepository) AnyForSignature(ctx context.Context, sig models.CancelSignature) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.CreateTask{}).
		Where("owner = ? AND repository = ? AND size = ? AND profile = ? AND arch = ?",
			sig.Owner, sig.Repository, sig.Size, sig.Profile, sig.Arch).
		Count(&count).Error
	return count > 0, err
}

type DeleteTaskQueueRepository struct {
	db *gorm.DB
}

func NewDeleteTaskQueueRepository(db *gorm.DB) *DeleteTaskQueueRepository {
	return &DeleteTaskQueueRepository{db: db}
}

func (q *DeleteTaskQueueRepository) Enqueue(ctx context.Context, task *models.DeleteTask) error {
	task.ID = 0
	return q.db.WithContext(ctx).Create(task).Error
}

func (q *DeleteTaskQueueRepository) TryDequeue(ctx context.Context) (*models.DeleteTask, bool, error) {
	var task models.DeleteTask
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOldest(tx).
			Order("id ASC").
			First(&task).Error; err != nil {
			return err
		}
		return tx.Delete(&models.DeleteTask{}, task.ID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &task, true, nil
}

func (q *DeleteTaskQueueRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.DeleteTask{}).Count(&count).Error
	return count, err
}
