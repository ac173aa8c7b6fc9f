package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetlabs/fleet-server/internal/core/models"
)

var ErrJobNotFound = errors.New("job not found")

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) GetByCIJobID(ctx context.Context, ciJobID int64) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).
		Where("ci_job_id = ?", ciJobID).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	updateFields := map[string]interface{}{
		"status":          job.Status,
		"started_at":      job.StartedAt,
		"completed_at":    job.CompletedAt,
		"runner_id":       job.RunnerID,
		"machine_seconds": job.MachineSeconds,
		"job_url":         job.JobURL,
	}

	result := r.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", job.ID).Updates(updateFields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) ListPending(ctx context.Context, queuedBefore time.Time) ([]*models.Job, error) {
	var jobs []*models.Job
	err := r.db.WithContext(ctx).
		Where("status IN ? AND queued_at < ? AND runner_id IS NULL",
			[]models.JobStatus{models.JobStatusQueued, models.JobStatusThrottled},
			queuedBefore).
		Order("queued_at ASC").
		Find(&jobs).Error
	return jobs, err
}

func (r *JobRepository) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
