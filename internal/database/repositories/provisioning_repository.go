package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetlabs/fleet-server/internal/core/models"
)

// InFlightRepository tracks machines between "substrate accepted the
// create" and "machine confirmed boot", keyed by hostname.
type InFlightRepository struct {
	db *gorm.DB
}

func NewInFlightRepository(db *gorm.DB) *InFlightRepository {
	return &InFlightRepository{db: db}
}

// TryAdd inserts the record, reporting false when the hostname is
// already tracked. The primary key on hostname makes the insert the
// idempotency check.
func (r *InFlightRepository) TryAdd(ctx context.Context, rec *models.InFlightCreation) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Remove deletes the record and returns what was stored, or nil when
// the hostname was not tracked.
func (r *InFlightRepository) Remove(ctx context.Context, hostname string) (*models.InFlightCreation, error) {
	var rec models.InFlightCreation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rec, "hostname = ?", hostname).Error; err != nil {
			return err
		}
		return tx.Delete(&models.InFlightCreation{}, "hostname = ?", hostname).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CounterRepository holds the per-signature cancellation counters. Each
// update is a single transactional read-modify-write.
type CounterRepository struct {
	db *gorm.DB
}

func NewCounterRepository(db *gorm.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

func (r *CounterRepository) Increment(ctx context.Context, sig models.CancelSignature) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter models.CancellationCounter
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner = ? AND repository = ? AND size = ? AND profile = ? AND arch = ?",
				sig.Owner, sig.Repository, sig.Size, sig.Profile, sig.Arch).
			First(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.CancellationCounter{
				Owner:      sig.Owner,
				Repository: sig.Repository,
				Size:       sig.Size,
				Profile:    sig.Profile,
				Arch:       sig.Arch,
				Count:      1,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&counter).Update("count", counter.Count+1).Error
	})
}

// ConsumeIfPositive decrements a positive counter and reports true; a
// missing or zero counter is left at (or initialized to) zero and
// reports false.
func (r *CounterRepository) ConsumeIfPositive(ctx context.Context, sig models.CancelSignature) (bool, error) {
	consumed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var counter models.CancellationCounter
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner = ? AND repository = ? AND size = ? AND profile = ? AND arch = ?",
				sig.Owner, sig.Repository, sig.Size, sig.Profile, sig.Arch).
			First(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.CancellationCounter{
				Owner:      sig.Owner,
				Repository: sig.Repository,
				Size:       sig.Size,
				Profile:    sig.Profile,
				Arch:       sig.Arch,
				Count:      0,
			}).Error
		}
		if err != nil {
			return err
		}
		if counter.Count <= 0 {
			return nil
		}
		consumed = true
		return tx.Model(&counter).Update("count", counter.Count-1).Error
	})
	return consumed, err
}
