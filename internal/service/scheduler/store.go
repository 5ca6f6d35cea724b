package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/herald/internal/models"
)

// JobStore persists scheduler entries keyed by job key.
type JobStore interface {
	Save(ctx context.Context, job Job) error
	Delete(ctx context.Context, key string) error
	Load(ctx context.Context) ([]Job, error)
}

type GormJobStore struct {
	db *gorm.DB
}

func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db}
}

func (s *GormJobStore) Save(ctx context.Context, job Job) error {
	args := "{}"
	if len(job.Args) > 0 {
		b, err := json.Marshal(job.Args)
		if err != nil {
			return fmt.Errorf("failed to encode job args: %w", err)
		}
		args = string(b)
	}

	row := models.ScheduledJob{
		JobKey:  job.Key,
		Handler: job.Handler,
		Kind:    job.Kind,
		Spec:    job.Spec,
		RunAt:   job.RunAt.UTC(),
		Args:    args,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"handler", "kind", "spec", "run_at", "args", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormJobStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("job_key = ?", key).Delete(&models.ScheduledJob{}).Error
}

func (s *GormJobStore) Load(ctx context.Context) ([]Job, error) {
	var rows []models.ScheduledJob
	if err := s.db.WithContext(ctx).Order("run_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		job := Job{
			Key:     row.JobKey,
			Handler: row.Handler,
			Kind:    row.Kind,
			Spec:    row.Spec,
			RunAt:   row.RunAt.UTC(),
		}
		if row.Args != "" {
			if err := json.Unmarshal([]byte(row.Args), &job.Args); err != nil {
				return nil, fmt.Errorf("failed to decode args of job %s: %w", row.JobKey, err)
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
