package db

import (
	"gorm.io/gorm"

	"github.com/fleetlabs/fleet-server/internal/database/repositories"
)

type RepositoryFactory struct {
	db *gorm.DB
}

func NewRepositoryFactory(db *gorm.DB) *RepositoryFactory {
	return &RepositoryFactory{
		db: db,
	}
}

func (f *RepositoryFactory) RunnerRepository() *repositories.RunnerRepository {
	return repositories.NewRunnerRepository(f.db)
}

func (f *RepositoryFactory) JobRepository() *repositories.JobRepository {
	return repositories.NewJobRepository(f.db)
}

func (f *RepositoryFactory) CreateTaskQueue() *repositories.CreateTaskQueueRepository {
	return repositories.NewCreateTaskQueueRepository(f.db)
}

func (f *RepositoryFactory) DeleteTaskQueue() *repositories.DeleteTaskQueueRepository {
	return repositories.NewDeleteTaskQueueRepository(f.db)
}

func (f *RepositoryFactory) InFlightRepository() *repositories.InFlightRepository {
	return repositories.NewInFlightRepository(f.db)
}

func (f *RepositoryFactory) CounterRepository() *repositories.CounterRepository {
	return repositories.NewCounterRepository(f.db)
}
