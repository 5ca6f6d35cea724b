package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/pkg/clock"
)

const (
	LevelError = "ERROR"
	LevelWarn  = "WARN"
	LevelInfo  = "INFO"
)

type MonitoringService struct {
	db     *gorm.DB
	clock  clock.Clock
	logger *zap.Logger
}

func NewMonitoringService(db *gorm.DB, clk clock.Clock, logger *zap.Logger) *MonitoringService {
	if clk == nil {
		clk = clock.System()
	}
	return &MonitoringService{
		db:     db,
		clock:  clk,
		logger: logger,
	}
}

// RecordError 记录错误日志
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
		Context: "{}",
	}

	// 应用选项
	for _, option := range options {
		option(errorLog)
	}

	if err := m.db.WithContext(ctx).Create(errorLog).Error; err != nil {
		m.logger.Warn("Failed to record error log", zap.String("title", title), zap.Error(err))
		return err
	}
	return nil
}

// ErrorLogOption 错误日志选项
type ErrorLogOption func(*models.ErrorLog)

// WithPlatform 设置平台名称
func WithPlatform(platformName string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PlatformName = platformName
	}
}

// WithPublication 设置发布记录ID
func WithPublication(publicationID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PublicationID = &publicationID
	}
}

// WithStackTrace 设置堆栈信息
func WithStackTrace(stackTrace string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.StackTrace = stackTrace
	}
}

// WithContext 设置上下文信息
func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// RecordMetric 记录指标数据
func (m *MonitoringService) RecordMetric(ctx context.Context, name, metricType string, value float64, tags map[string]interface{}) error {
	tagsJSON := "{}"
	if tags != nil {
		if tagsBytes, err := json.Marshal(tags); err == nil {
			tagsJSON = string(tagsBytes)
		}
	}

	metric := &models.MetricsSample{
		MetricName: name,
		MetricType: metricType,
		Value:      value,
		Tags:       tagsJSON,
		Timestamp:  m.clock.Now(),
	}

	if err := m.db.WithContext(ctx).Create(metric).Error; err != nil {
		m.logger.Warn("Failed to record metric", zap.String("metric", name), zap.Error(err))
		return err
	}
	return nil
}

// GetRecentErrors 获取最近的错误日志
func (m *MonitoringService) GetRecentErrors(ctx context.Context, limit int, unresolvedOnly bool) ([]models.ErrorLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := m.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if unresolvedOnly {
		query = query.Where("resolved = ?", false)
	}

	var errors []models.ErrorLog
	err := query.Find(&errors).Error
	return errors, err
}

// ResolveError 标记错误已解决
func (m *MonitoringService) ResolveError(ctx context.Context, id uint) error {
	now := m.clock.Now()
	result := m.db.WithContext(ctx).Model(&models.ErrorLog{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"resolved": true, "resolved_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPublicationStats 获取发布统计数据, ownerID 为空时统计全部
func (m *MonitoringService) GetPublicationStats(ctx context.Context, ownerID string) (*models.PublicationStats, error) {
	now := m.clock.Now()
	scoped := func() *gorm.DB {
		q := m.db.WithContext(ctx).Model(&models.Publication{})
		if ownerID != "" {
			q = q.Where("owner_id = ?", ownerID)
		}
		return q
	}

	stats := &models.PublicationStats{ByStatus: make(map[models.Status]int64)}

	if err := scoped().Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count publications: %w", err)
	}

	var rows []struct {
		Status models.Status
		Count  int64
	}
	if err := scoped().Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count publications by status: %w", err)
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.Count
	}

	if err := scoped().Where("created_at >= ?", now.AddDate(0, 0, -7)).Count(&stats.CreatedThisWeek).Error; err != nil {
		return nil, fmt.Errorf("failed to count recent publications: %w", err)
	}
	if err := scoped().Where("status = ? AND scheduled_at > ?", models.StatusScheduled, now).Count(&stats.Upcoming).Error; err != nil {
		return nil, fmt.Errorf("failed to count upcoming publications: %w", err)
	}
	if err := scoped().Order("created_at desc").Limit(5).Find(&stats.Latest).Error; err != nil {
		return nil, fmt.Errorf("failed to load latest publications: %w", err)
	}

	return stats, nil
}

// CleanupOldData 清理旧数据
func (m *MonitoringService) CleanupOldData(ctx context.Context, daysToKeep int) error {
	cutoffDate := m.clock.Now().AddDate(0, 0, -daysToKeep)
	db := m.db.WithContext(ctx)

	// 清理旧的指标数据
	samples := db.Where("timestamp < ?", cutoffDate).Delete(&models.MetricsSample{})
	if samples.Error != nil {
		return fmt.Errorf("failed to cleanup metrics samples: %w", samples.Error)
	}

	// 清理已解决的旧错误日志
	errors := db.Where("created_at < ? AND resolved = ?", cutoffDate, true).Delete(&models.ErrorLog{})
	if errors.Error != nil {
		return fmt.Errorf("failed to cleanup resolved errors: %w", errors.Error)
	}

	m.logger.Info("Monitoring data cleaned up",
		zap.Int("days_to_keep", daysToKeep),
		zap.Int64("metrics_samples", samples.RowsAffected),
		zap.Int64("error_logs", errors.RowsAffected))
	return nil
}
