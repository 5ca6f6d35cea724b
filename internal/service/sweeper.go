package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/scheduler"
	"github.com/ifuryst/herald/pkg/clock"
)

// CatchUpSweeper re-sends scheduled publications whose time passed without
// a job firing, e.g. after downtime or a cleared job table.
type CatchUpSweeper struct {
	db           *gorm.DB
	jobs         JobScheduler
	publications *PublicationService
	clock        clock.Clock
	logger       *zap.Logger
}

func NewCatchUpSweeper(db *gorm.DB, jobs JobScheduler, publications *PublicationService, clk clock.Clock, logger *zap.Logger) *CatchUpSweeper {
	if clk == nil {
		clk = clock.System()
	}
	return &CatchUpSweeper{
		db:           db,
		jobs:         jobs,
		publications: publications,
		clock:        clk,
		logger:       logger.Named("catchup"),
	}
}

// Sweep sends every overdue scheduled publication that has no pending job
// and returns how many it sent.
func (s *CatchUpSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()

	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Publication{}).
		Where("status = ? AND scheduled_at < ?", models.StatusScheduled, now).
		Order("scheduled_at asc").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue publications: %w", err)
	}

	swept := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}

		key := scheduler.PublicationJobKey(id)
		if s.jobs.Pending(key) {
			continue
		}

		// Drop a stored row the engine never loaded so it cannot fire after this send.
		if err := s.jobs.Cancel(ctx, key); err != nil {
			s.logger.Warn("Failed to clear stale job", zap.String("key", key), zap.Error(err))
		}

		s.logger.Info("Catching up missed publication", zap.String("publication_id", id))
		if err := s.publications.Send(ctx, id, TriggerCatchUp); err != nil {
			s.logger.Error("Catch-up send failed", zap.String("publication_id", id), zap.Error(err))
			continue
		}
		swept++
	}

	if swept > 0 || len(ids) > 0 {
		s.logger.Info("Catch-up sweep completed", zap.Int("overdue", len(ids)), zap.Int("sent", swept))
	}
	return swept, nil
}

func (s *CatchUpSweeper) HandleSweepJob(ctx context.Context, _ scheduler.Args) error {
	_, err := s.Sweep(ctx)
	return err
}
