package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fleetlabs/fleet-server/internal/core/models"
)

var ErrRunnerNotFound = errors.New("runner not found")

type RunnerRepository struct {
	db *gorm.DB
}

func NewRunnerRepository(db *gorm.DB) *RunnerRepository {
	return &RunnerRepository{db: db}
}

func (r *RunnerRepository) Create(ctx context.Context, runner *models.Runner) error {
	return r.db.WithContext(ctx).Create(runner).Error
}

func (r *RunnerRepository) Get(ctx context.Context, id uint) (*models.Runner, error) {
	var runner models.Runner
	err := r.db.WithContext(ctx).
		Preload("Lifecycle").
		Preload("Job").
		First(&runner, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &runner, nil
}

func (r *RunnerRepository) GetByHostname(ctx context.Context, hostname string) (*models.Runner, error) {
	var runner models.Runner
	err := r.db.WithContext(ctx).
		Preload("Lifecycle").
		Preload("Job").
		Where("hostname = ?", hostname).
		Order("id DESC").
		First(&runner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &runner, nil
}

func (r *RunnerRepository) Update(ctx context.Context, runner *models.Runner) error {
	updateFields := map[string]interface{}{
		"hostname":          runner.Hostname,
		"cloud":             runner.Cloud,
		"online":            runner.Online,
		"ip_address":        runner.IPAddress,
		"cloud_server_id":   runner.CloudServerID,
		"provision_id":      runner.ProvisionID,
		"provision_payload": runner.ProvisionPayload,
		"job_id":            runner.JobID,
	}

	result := r.db.WithContext(ctx).Model(&models.Runner{}).Where("id = ?", runner.ID).Updates(updateFields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunnerNotFound
	}
	return nil
}

func (r *RunnerRepository) ListByOwner(ctx context.Context, owner string) ([]*models.Runner, error) {
	var runners []*models.Runner
	err := r.db.WithContext(ctx).
		Preload("Lifecycle").
		Preload("Job").
		Where("owner = ?", owner).
		Find(&runners).Error
	return runners, err
}

func (r *RunnerRepository) ListOnline(ctx context.Context) ([]*models.Runner, error) {
	var runners []*models.Runner
	err := r.db.WithContext(ctx).
		Preload("Lifecycle").
		Preload("Job").
		Where("online = ?", true).
		Find(&runners).Error
	return runners, err
}

func (r *RunnerRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Runner{}).Count(&count).Error
	return count, err
}

func (r *RunnerRepository) AppendEvent(ctx context.Context, runnerID uint, status models.RunnerStatus, description string) error {
	event := models.LifecycleEvent{
		RunnerID:    runnerID,
		Timestamp:   time.Now(),
		Status:      status,
		Description: description,
	}
	return r.db.WithContext(ctx).Create(&event).Error
}

func (r *RunnerRepository) SetOnline(ctx context.Context, runnerID uint, online bool) error {
	result := r.db.WithContext(ctx).Model(&models.Runner{}).
		Where("id = ?", runnerID).
		Update("online", online)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunnerNotFound
	}
	return nil
}

// PurgeOlderThan removes runners, lifecycle events and jobs not touched
// since the horizon. The Runner<->Job foreign keys are nulled in a
// first step so neither side blocks the other's delete.
func (r *RunnerRepository) PurgeOlderThan(ctx context.Context, horizon time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Runner{}).
			Where("updated_at < ?", horizon).
			Update("job_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Job{}).
			Where("updated_at < ?", horizon).
			Update("runner_id", nil).Error; err != nil {
			return err
		}

		var staleIDs []uint
		if err := tx.Model(&models.Runner{}).
			Where("updated_at < ?", horizon).
			Pluck("id", &staleIDs).Error; err != nil {
			return err
		}
		if len(staleIDs) > 0 {
			if err := tx.Where("runner_id IN ?", staleIDs).
				Delete(&models.LifecycleEvent{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", staleIDs).
				Delete(&models.Runner{}).Error; err != nil {
				return err
			}
		}

		return tx.Where("updated_at < ? AND status IN ?", horizon, []models.JobStatus{
			models.JobStatusCompleted,
			models.JobStatusVanished,
			models.JobStatusCancelled,
		}).Delete(&models.Job{}).Error
	})
}
