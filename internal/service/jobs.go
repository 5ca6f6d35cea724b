package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/service/scheduler"
)

// Jobs binds the publication flow to the scheduler engine.
type Jobs struct {
	engine       *scheduler.Engine
	publications *PublicationService
	sweeper      *CatchUpSweeper
	metrics      *MetricsRefresher
	monitoring   *MonitoringService
	policy       config.PublicationPolicy
	logger       *zap.Logger
}

func NewJobs(engine *scheduler.Engine, publications *PublicationService, sweeper *CatchUpSweeper,
	metrics *MetricsRefresher, monitoring *MonitoringService, policy config.PublicationPolicy, logger *zap.Logger) *Jobs {
	j := &Jobs{
		engine:       engine,
		publications: publications,
		sweeper:      sweeper,
		metrics:      metrics,
		monitoring:   monitoring,
		policy:       policy,
		logger:       logger,
	}

	engine.Register(HandlerSend, publications.HandleSendJob)
	engine.Register(HandlerMetrics, metrics.HandleRefreshJob)
	engine.Register(HandlerCatchUp, sweeper.HandleSweepJob)
	engine.Register(HandlerMetricsSweep, metrics.HandleSweepJob)
	engine.Register(HandlerCleanup, j.handleCleanup)
	return j
}

// Start reloads persisted jobs, registers the recurring ones and runs an
// initial catch-up pass.
func (j *Jobs) Start(ctx context.Context) error {
	if err := j.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if err := j.engine.ScheduleInterval(ctx, j.policy.CatchUpInterval, scheduler.CatchUpJobKey, HandlerCatchUp, nil); err != nil {
		return fmt.Errorf("failed to schedule catch-up sweep: %w", err)
	}

	if j.policy.MetricsRefreshInterval > 0 {
		if err := j.engine.ScheduleInterval(ctx, j.policy.MetricsRefreshInterval, scheduler.MetricsSweepJobKey, HandlerMetricsSweep, nil); err != nil {
			return fmt.Errorf("failed to schedule metrics sweep: %w", err)
		}
	} else if err := j.engine.Cancel(ctx, scheduler.MetricsSweepJobKey); err != nil {
		return err
	}

	if j.policy.CleanupSchedule != "" {
		if err := j.engine.ScheduleCron(ctx, j.policy.CleanupSchedule, scheduler.CleanupJobKey, HandlerCleanup, nil); err != nil {
			return fmt.Errorf("failed to schedule cleanup: %w", err)
		}
	} else if err := j.engine.Cancel(ctx, scheduler.CleanupJobKey); err != nil {
		return err
	}

	// Run first sweep immediately
	go func() {
		j.logger.Info("Running initial catch-up sweep")
		if _, err := j.sweeper.Sweep(ctx); err != nil {
			j.logger.Error("Initial catch-up sweep failed", zap.Error(err))
		}
	}()

	return nil
}

func (j *Jobs) Stop(ctx context.Context) error {
	return j.engine.Stop(ctx)
}

func (j *Jobs) handleCleanup(ctx context.Context, _ scheduler.Args) error {
	return j.monitoring.CleanupOldData(ctx, j.policy.RetentionDays)
}
