package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetlabs/fleet-server/internal/api"
	"github.com/fleetlabs/fleet-server/internal/api/handlers"
	"github.com/fleetlabs/fleet-server/internal/ciplatform/github"
	"github.com/fleetlabs/fleet-server/internal/cloud"
	"github.com/fleetlabs/fleet-server/internal/cloud/docker"
	"github.com/fleetlabs/fleet-server/internal/cloud/gce"
	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
	"github.com/fleetlabs/fleet-server/internal/core/services"
	"github.com/fleetlabs/fleet-server/internal/storage/db"
	"github.com/fleetlabs/fleet-server/internal/utils"
	"github.com/fleetlabs/fleet-server/pkg/logger"
)

type Server struct {
	Config       *config.Config
	HttpServer   *http.Server
	DBManager    *db.DBManager
	PoolManager  *services.PoolManager
	GaugeService *services.GaugeService
	poolCancel   context.CancelFunc
}

func (s *Server) Shutdown(ctx context.Context) {
	log := logger.Get()

	serverShutdownCtx, serverShutdownCancel := context.WithTimeout(ctx, 15*time.Second)
	defer serverShutdownCancel()

	// Stop the loop first so no new substrate work starts while HTTP
	// connections drain.
	s.PoolManager.Stop()
	if s.poolCancel != nil {
		s.poolCancel()
	}
	log.Info().Msg("Stopped pool manager")

	s.GaugeService.Stop()
	log.Info().Msg("Stopped gauge refresh service")

	log.Info().Int("shutdown_timeout_seconds", 15).Msg("Initiating server shutdown sequence")
	shutdownStart := time.Now()

	if err := s.HttpServer.Shutdown(serverShutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
		if err == context.DeadlineExceeded {
			log.Warn().Msg("Server shutdown deadline exceeded, forcing immediate shutdown")
		}
	} else {
		log.Info().Dur("duration_ms", time.Since(shutdownStart)).Msg("Server HTTP connections gracefully closed")
	}

	dbCloseStart := time.Now()
	if err := s.DBManager.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database connection")
	} else {
		log.Info().Dur("duration_ms", time.Since(dbCloseStart)).Msg("Database connection closed successfully")
	}

	log.Info().Msg("Shutdown complete")
}

type ServerBuilder struct {
	config      *config.Config
	cfgManager  *config.ConfigManager
	dbManager   *db.DBManager
	repoFactory *db.RepositoryFactory

	runnerRepo ports.RunnerRepository
	jobRepo    ports.JobRepository
	createQ    ports.CreateTaskQueue
	deleteQ    ports.DeleteTaskQueue
	inflight   ports.InFlightRepository
	counters   ports.CounterRepository

	clouds *cloud.Registry
	ci     ports.CIPlatform

	demandService *services.DemandService
	gaugeService  *services.GaugeService
	poolManager   *services.PoolManager
	poolCtx       context.Context
	poolCancel    context.CancelFunc

	httpServer *http.Server
	err        error
}

func NewServerBuilder(cfgManager *config.ConfigManager) *ServerBuilder {
	sb := &ServerBuilder{cfgManager: cfgManager}
	sb.config, sb.err = cfgManager.GetConfig()
	return sb
}

func (sb *ServerBuilder) InitDatabase() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	URL := sb.config.Database.GetConnectionURL()

	sb.dbManager = db.GetDBManager()
	if err := sb.dbManager.Connect(ctx, URL); err != nil {
		sb.err = fmt.Errorf("failed to connect to database: %w", err)
		return sb
	}

	log.Info().Msg("Successfully connected to database")
	return sb
}

func (sb *ServerBuilder) InitRepositories() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	sb.repoFactory = db.NewRepositoryFactory(sb.dbManager.GetDB())

	sb.runnerRepo = sb.repoFactory.RunnerRepository()
	sb.jobRepo = sb.repoFactory.JobRepository()
	sb.createQ = sb.repoFactory.CreateTaskQueue()
	sb.deleteQ = sb.repoFactory.DeleteTaskQueue()
	sb.inflight = sb.repoFactory.InFlightRepository()
	sb.counters = sb.repoFactory.CounterRepository()

	return sb
}

func (sb *ServerBuilder) InitClouds() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	log := logger.Get()
	sb.clouds = cloud.NewRegistry()

	if sb.config.Clouds.Docker != nil {
		controller, err := docker.New(sb.config.Clouds.Docker)
		if err != nil {
			sb.err = fmt.Errorf("failed to initialize docker substrate: %w", err)
			return sb
		}
		sb.clouds.Register(controller)
		log.Info().Msg("Docker substrate registered")
	}

	if sb.config.Clouds.GCE != nil {
		controller, err := gce.New(context.Background(), sb.config.Clouds.GCE)
		if err != nil {
			sb.err = fmt.Errorf("failed to initialize gce substrate: %w", err)
			return sb
		}
		sb.clouds.Register(controller)
		log.Info().Msg("GCE substrate registered")
	}

	if len(sb.clouds.All()) == 0 {
		sb.err = fmt.Errorf("no compute substrates configured")
	}
	return sb
}

func (sb *ServerBuilder) InitCIPlatform() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	client, err := github.NewClient(context.Background(), sb.config.GitHub)
	if err != nil {
		sb.err = fmt.Errorf("failed to initialize github client: %w", err)
		return sb
	}
	sb.ci = client
	return sb
}

func (sb *ServerBuilder) InitServices() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	sb.demandService = services.NewDemandService(
		sb.cfgManager, sb.runnerRepo, sb.jobRepo,
		sb.createQ, sb.deleteQ, sb.inflight, sb.counters,
	)

	bans := services.NewBanList()
	stuckRunners := services.NewStuckRunnerService(sb.runnerRepo, sb.createQ, sb.deleteQ, sb.inflight)
	reconciler := services.NewReconciler(sb.runnerRepo, sb.deleteQ, sb.clouds, sb.ci)
	replenisher := services.NewReplenisher(sb.runnerRepo, sb.createQ)
	stuckJobs := services.NewStuckJobService(sb.runnerRepo, sb.jobRepo, sb.createQ, sb.ci)
	creates := services.NewCreateExecutor(sb.runnerRepo, sb.createQ, sb.inflight, sb.counters, sb.clouds, sb.ci, bans)
	deletes := services.NewDeleteExecutor(sb.runnerRepo, sb.deleteQ, sb.clouds)

	sb.poolManager = services.NewPoolManager(
		sb.cfgManager, sb.runnerRepo, sb.createQ, sb.deleteQ,
		stuckRunners, reconciler, replenisher, stuckJobs,
		creates, deletes, bans,
	)
	return sb
}

func (sb *ServerBuilder) InitGaugeService() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	sb.gaugeService = services.NewGaugeService(sb.runnerRepo, sb.jobRepo, sb.createQ, sb.deleteQ)
	if err := sb.gaugeService.Start(); err != nil {
		sb.err = fmt.Errorf("failed to start gauge refresh service: %w", err)
	}
	return sb
}

func (sb *ServerBuilder) InitPoolManager() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	sb.poolCtx, sb.poolCancel = context.WithCancel(context.Background())
	if err := sb.poolManager.Start(sb.poolCtx); err != nil {
		sb.err = fmt.Errorf("failed to start pool manager: %w", err)
	}
	return sb
}

func (sb *ServerBuilder) InitRouter() *ServerBuilder {
	if sb.err != nil {
		return sb
	}

	webhookHandler := handlers.NewWebhookHandler(sb.demandService)
	statusHandler := handlers.NewStatusHandler(sb.runnerRepo, sb.jobRepo, sb.createQ, sb.deleteQ)

	router := api.NewRouter(webhookHandler, statusHandler, sb.config.Server.Endpoint)

	if err := utils.VerifyPortAvailable(sb.config.Server.Host, sb.config.Server.Port); err != nil {
		sb.err = fmt.Errorf("server port is not available: %w", err)
		return sb
	}

	sb.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", sb.config.Server.Host, sb.config.Server.Port),
		Handler: router,
	}

	return sb
}

func (sb *ServerBuilder) Build() (*Server, error) {
	if sb.err != nil {
		if sb.poolCancel != nil {
			sb.poolCancel()
		}
		return nil, sb.err
	}

	return &Server{
		Config:       sb.config,
		HttpServer:   sb.httpServer,
		DBManager:    sb.dbManager,
		PoolManager:  sb.poolManager,
		GaugeService: sb.gaugeService,
		poolCancel:   sb.poolCancel,
	}, nil
}
