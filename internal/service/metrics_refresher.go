package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/scheduler"
	"github.com/ifuryst/herald/pkg/clock"
)

// MetricsRefresher keeps the engagement counters of published records fresh.
type MetricsRefresher struct {
	db          *gorm.DB
	jobs        JobScheduler
	publishers  PublisherRegistry
	credentials CredentialStore
	monitoring  *MonitoringService
	policy      config.PublicationPolicy
	clock       clock.Clock
	logger      *zap.Logger
}

func NewMetricsRefresher(db *gorm.DB, jobs JobScheduler, publishers PublisherRegistry, credentials CredentialStore,
	monitoring *MonitoringService, policy config.PublicationPolicy, clk clock.Clock, logger *zap.Logger) *MetricsRefresher {
	if clk == nil {
		clk = clock.System()
	}
	return &MetricsRefresher{
		db:          db,
		jobs:        jobs,
		publishers:  publishers,
		credentials: credentials,
		monitoring:  monitoring,
		policy:      policy,
		clock:       clk,
		logger:      logger.Named("metrics"),
	}
}

// ScheduleFollowUps registers one refresh per configured offset after publishedAt.
func (r *MetricsRefresher) ScheduleFollowUps(ctx context.Context, publicationID string, publishedAt time.Time) error {
	var errs []error
	for _, offset := range r.policy.MetricsOffsets {
		key := scheduler.MetricsJobKey(publicationID, offset)
		err := r.jobs.ScheduleOnce(ctx, publishedAt.Add(offset), key, HandlerMetrics, scheduler.Args{argPublicationID: publicationID})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (r *MetricsRefresher) CancelFollowUps(ctx context.Context, publicationID string) {
	for _, offset := range r.policy.MetricsOffsets {
		key := scheduler.MetricsJobKey(publicationID, offset)
		if err := r.jobs.Cancel(ctx, key); err != nil {
			r.logger.Warn("Failed to cancel metrics job", zap.String("key", key), zap.Error(err))
		}
	}
}

// Refresh fetches and stores the current counters of one published record.
func (r *MetricsRefresher) Refresh(ctx context.Context, id string) (*models.Publication, error) {
	var pub models.Publication
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&pub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load publication: %w", err)
	}
	if pub.Status != models.StatusPublished || pub.ExternalID == nil {
		return nil, ErrNotPublished
	}

	adapter, err := r.publishers.GetPublisher(pub.Platform)
	if err != nil {
		return nil, err
	}
	cred, err := r.credentials.GetValidCredential(ctx, pub.OwnerID, pub.Platform)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrCredential
	}

	metrics, err := adapter.FetchMetrics(ctx, *cred, *pub.ExternalID, pub.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metrics: %w", err)
	}

	now := r.clock.Now()
	result := r.db.WithContext(ctx).Model(&models.Publication{}).
		Where("id = ? AND status = ?", id, models.StatusPublished).
		Updates(map[string]interface{}{
			"views":              metrics.Views,
			"likes":              metrics.Likes,
			"shares":             metrics.Shares,
			"metrics_updated_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to store metrics: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotPublished
	}

	pub.Metrics = *metrics
	pub.MetricsUpdatedAt = &now

	r.logger.Debug("Metrics refreshed",
		zap.String("publication_id", id),
		zap.Int64("views", metrics.Views),
		zap.Int64("likes", metrics.Likes),
		zap.Int64("shares", metrics.Shares))
	if r.monitoring != nil {
		tags := map[string]interface{}{"platform": pub.Platform, "publication_id": id}
		_ = r.monitoring.RecordMetric(ctx, "publication.views", "gauge", float64(metrics.Views), tags)
	}
	return &pub, nil
}

// HandleRefreshJob is the callback of metrics_{id}_{offset} jobs. A failed
// refresh is logged and skipped.
func (r *MetricsRefresher) HandleRefreshJob(ctx context.Context, args scheduler.Args) error {
	id := args[argPublicationID]
	if _, err := r.Refresh(ctx, id); err != nil {
		r.logger.Warn("Metrics refresh skipped", zap.String("publication_id", id), zap.Error(err))
	}
	return nil
}

// SweepRecent refreshes every record published inside the metrics window.
func (r *MetricsRefresher) SweepRecent(ctx context.Context) (int, error) {
	since := r.clock.Now().Add(-r.policy.MetricsWindow)

	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Publication{}).
		Where("status = ? AND external_id IS NOT NULL AND published_at >= ?", models.StatusPublished, since).
		Order("published_at desc").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list recent publications: %w", err)
	}

	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.Refresh(ctx, id); err != nil {
			r.logger.Warn("Metrics refresh skipped", zap.String("publication_id", id), zap.Error(err))
			continue
		}
		refreshed++
	}

	r.logger.Info("Metrics sweep completed", zap.Int("candidates", len(ids)), zap.Int("refreshed", refreshed))
	return refreshed, nil
}

func (r *MetricsRefresher) HandleSweepJob(ctx context.Context, _ scheduler.Args) error {
	_, err := r.SweepRecent(ctx)
	return err
}
