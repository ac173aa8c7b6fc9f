package services

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetlabs/fleet-server/internal/core/models"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

var (
	runnersTotalGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_runners_total",
		Help: "Runners currently tracked in the ledger.",
	})
	runnersOnlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_runners_online",
		Help: "Runners currently marked online.",
	})
	jobsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_jobs",
		Help: "Tracked CI jobs by status.",
	}, []string{"status"})
	queueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_queue_depth",
		Help: "Pending tasks per durable queue.",
	}, []string{"queue"})
)

// GaugeService periodically recomputes the observability gauges from
// the ledger and queue stores.
type GaugeService struct {
	runners   ports.RunnerRepository
	jobs      ports.JobRepository
	createQ   ports.CreateTaskQueue
	deleteQ   ports.DeleteTaskQueue
	scheduler *gocron.Scheduler
	mutex     sync.Mutex
	interval  time.Duration
	isRunning bool
}

func NewGaugeService(
	runners ports.RunnerRepository,
	jobs ports.JobRepository,
	createQ ports.CreateTaskQueue,
	deleteQ ports.DeleteTaskQueue,
) *GaugeService {
	return &GaugeService{
		runners:  runners,
		jobs:     jobs,
		createQ:  createQ,
		deleteQ:  deleteQ,
		interval: 10 * time.Second,
	}
}

func (s *GaugeService) SetInterval(interval time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.interval = interval
}

func (s *GaugeService) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return nil
	}

	log := logger.WithComponent("gauge_service")
	log.Info().Dur("interval", s.interval).Msg("Starting gauge refresh service")

	s.scheduler = gocron.NewScheduler(time.UTC)

	if _, err := s.scheduler.Every(s.interval).Do(func() {
		if err := s.Refresh(context.Background()); err != nil {
			log.Error().Err(err).Msg("Gauge refresh failed")
		}
	}); err != nil {
		log.Error().Err(err).Msg("Failed to schedule gauge refresh")
		return err
	}

	s.scheduler.StartAsync()
	s.isRunning = true
	return nil
}

func (s *GaugeService) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isRunning {
		return
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.isRunning = false

	log := logger.WithComponent("gauge_service")
	log.Info().Msg("Gauge refresh service stopped")
}

// Refresh recomputes every gauge once.
func (s *GaugeService) Refresh(ctx context.Context) error {
	total, err := s.runners.Count(ctx)
	if err != nil {
		return err
	}
	runnersTotalGauge.Set(float64(total))

	online, err := s.runners.ListOnline(ctx)
	if err != nil {
		return err
	}
	runnersOnlineGauge.Set(float64(len(online)))

	for _, status := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusInProgress,
		models.JobStatusThrottled,
	} {
		count, err := s.jobs.CountByStatus(ctx, status)
		if err != nil {
			return err
		}
		jobsGauge.WithLabelValues(string(status)).Set(float64(count))
	}

	createDepth, err := s.createQ.Count(ctx)
	if err != nil {
		return err
	}
	queueDepthGauge.WithLabelValues("create").Set(float64(createDepth))

	deleteDepth, err := s.deleteQ.Count(ctx)
	if err != nil {
		return err
	}
	queueDepthGauge.WithLabelValues("delete").Set(float64(deleteDepth))
	return nil
}
