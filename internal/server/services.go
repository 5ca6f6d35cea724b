package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/service"
	"github.com/ifuryst/herald/internal/service/media"
	"github.com/ifuryst/herald/internal/service/publisher"
	"github.com/ifuryst/herald/internal/service/publisher/x"
	"github.com/ifuryst/herald/internal/service/scheduler"
	"github.com/ifuryst/herald/pkg/clock"
)

// Services is the wired publication stack shared by the HTTP server and the CLI.
type Services struct {
	Engine       *scheduler.Engine
	Publishers   *publisher.Manager
	Tokens       *service.TokenStore
	Contents     *service.GormContentStore
	Monitoring   *service.MonitoringService
	Metrics      *service.MetricsRefresher
	Publications *service.PublicationService
	Sweeper      *service.CatchUpSweeper
	Jobs         *service.Jobs
	Auth         *service.AuthService
}

func BuildServices(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (*Services, error) {
	policy, err := cfg.Publication.Policy()
	if err != nil {
		return nil, fmt.Errorf("invalid publication config: %w", err)
	}

	poll, jobTimeout, err := cfg.Scheduler.Durations()
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	location, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone: %w", err)
	}

	fetcher, err := media.NewFromConfig(cfg.Media)
	if err != nil {
		return nil, err
	}

	manager := publisher.NewPublishManager(logger)
	if cfg.Platforms.X.Enabled {
		xCfg, err := x.ConfigFromSettings(cfg.Platforms.X)
		if err != nil {
			return nil, fmt.Errorf("invalid x platform config: %w", err)
		}
		if err := manager.RegisterPublisher(x.NewPublisher(xCfg, fetcher, logger)); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("No delivery platform enabled")
	}

	clk := clock.System()
	engine := scheduler.New(scheduler.Options{
		Disabled:     cfg.Scheduler.Disabled,
		Workers:      cfg.Scheduler.Workers,
		PollInterval: poll,
		JobTimeout:   jobTimeout,
		Location:     location,
	}, scheduler.NewGormJobStore(db), clk, logger)

	s := &Services{
		Engine:     engine,
		Publishers: manager,
		Tokens:     service.NewTokenStore(db, clk),
		Contents:   service.NewContentStore(db),
		Monitoring: service.NewMonitoringService(db, clk, logger),
		Auth:       service.NewAuthService(logger, cfg.Auth.TOTPSecret),
	}
	s.Metrics = service.NewMetricsRefresher(db, engine, manager, s.Tokens, s.Monitoring, policy, clk, logger)
	s.Publications = service.NewPublicationService(service.PublicationDeps{
		DB:          db,
		Jobs:        engine,
		Publishers:  manager,
		Credentials: s.Tokens,
		Contents:    s.Contents,
		Metrics:     s.Metrics,
		Monitoring:  s.Monitoring,
		Clock:       clk,
		Logger:      logger,
	}, policy)
	s.Sweeper = service.NewCatchUpSweeper(db, engine, s.Publications, clk, logger)
	s.Jobs = service.NewJobs(engine, s.Publications, s.Sweeper, s.Metrics, s.Monitoring, policy, logger)

	return s, nil
}
