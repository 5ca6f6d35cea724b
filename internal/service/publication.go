package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/publisher"
	"github.com/ifuryst/herald/internal/service/scheduler"
	"github.com/ifuryst/herald/pkg/clock"
	"github.com/ifuryst/herald/pkg/util"
)

const (
	HandlerSend         = "publication.send"
	HandlerMetrics      = "publication.metrics"
	HandlerCatchUp      = "publication.catchup"
	HandlerMetricsSweep = "publication.metrics_sweep"
	HandlerCleanup      = "monitoring.cleanup"

	argPublicationID = "publication_id"

	credentialErrorMessage = "credential expired or missing"
)

// Send triggers recorded in send_parameters.executed_by.
const (
	TriggerImmediate = "immediate"
	TriggerScheduler = "scheduler"
	TriggerCatchUp   = "catch-up"
)

// JobScheduler is the part of the scheduler engine the publication flow needs.
type JobScheduler interface {
	ScheduleOnce(ctx context.Context, runAt time.Time, key, handler string, args scheduler.Args) error
	Cancel(ctx context.Context, key string) error
	Pending(key string) bool
}

type PublisherRegistry interface {
	GetPublisher(platformName string) (publisher.Publisher, error)
}

type CreateRequest struct {
	OwnerID     string     `json:"owner_id"`
	ContentRef  string     `json:"content_ref"`
	Title       string     `json:"title"`
	Platform    string     `json:"platform"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Message     string     `json:"message"`
	MediaURL    string     `json:"media_url"`
}

// PublicationService owns every state change of a publication.
type PublicationService struct {
	db          *gorm.DB
	jobs        JobScheduler
	publishers  PublisherRegistry
	credentials CredentialStore
	contents    ContentStore
	metrics     *MetricsRefresher
	monitoring  *MonitoringService
	policy      config.PublicationPolicy
	clock       clock.Clock
	logger      *zap.Logger

	mu      sync.Mutex
	sending map[string]struct{}
}

type PublicationDeps struct {
	DB          *gorm.DB
	Jobs        JobScheduler
	Publishers  PublisherRegistry
	Credentials CredentialStore
	Contents    ContentStore
	Metrics     *MetricsRefresher
	Monitoring  *MonitoringService
	Clock       clock.Clock
	Logger      *zap.Logger
}

func NewPublicationService(deps PublicationDeps, policy config.PublicationPolicy) *PublicationService {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	return &PublicationService{
		db:          deps.DB,
		jobs:        deps.Jobs,
		publishers:  deps.Publishers,
		credentials: deps.Credentials,
		contents:    deps.Contents,
		metrics:     deps.Metrics,
		monitoring:  deps.Monitoring,
		policy:      policy,
		clock:       clk,
		logger:      deps.Logger.Named("publication"),
		sending:     make(map[string]struct{}),
	}
}

// Create stores a new publication. A future ScheduledAt registers a send job;
// otherwise the publication is sent before Create returns.
func (s *PublicationService) Create(ctx context.Context, req CreateRequest) (*models.Publication, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ContentRef) == "" && strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: content_ref or message is required", ErrInvalidRequest)
	}
	if req.Platform == "" {
		req.Platform = "x"
	}
	if _, err := s.publishers.GetPublisher(req.Platform); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := s.clock.Now()
	pub := &models.Publication{
		OwnerID:    req.OwnerID,
		ContentRef: req.ContentRef,
		Title:      req.Title,
		Platform:   req.Platform,
		Status:     models.StatusDraft,
		SendParameters: models.SendParameters{
			Message:  req.Message,
			MediaURL: req.MediaURL,
		},
	}

	deferred := req.ScheduledAt != nil && req.ScheduledAt.After(now)
	if deferred {
		at := req.ScheduledAt.UTC()
		pub.Status = models.StatusScheduled
		pub.ScheduledAt = &at
	}

	if err := s.db.WithContext(ctx).Create(pub).Error; err != nil {
		return nil, fmt.Errorf("failed to create publication: %w", err)
	}

	if deferred {
		if err := s.scheduleSend(ctx, pub.ID, *pub.ScheduledAt); err != nil {
			// The catch-up sweep still delivers it once the time has passed.
			s.logger.Error("Failed to register send job",
				zap.String("publication_id", pub.ID),
				zap.Error(err))
		}
		s.logger.Info("Publication scheduled",
			zap.String("publication_id", pub.ID),
			zap.Time("scheduled_at", *pub.ScheduledAt))
		return pub, nil
	}

	if err := s.Send(ctx, pub.ID, TriggerImmediate); err != nil {
		return nil, err
	}
	return s.Get(ctx, pub.ID)
}

// Cancel stops a scheduled publication. Any other status yields ErrNotScheduled.
func (s *PublicationService) Cancel(ctx context.Context, id string) (*models.Publication, error) {
	pub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pub.Status != models.StatusScheduled {
		return nil, fmt.Errorf("%w: status is %s", ErrNotScheduled, pub.Status)
	}

	ok, err := s.transition(ctx, id, models.StatusScheduled, models.StatusCancelled, map[string]interface{}{
		"error_message": "",
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status changed concurrently", ErrNotScheduled)
	}

	if err := s.jobs.Cancel(ctx, scheduler.PublicationJobKey(id)); err != nil {
		// A job that still fires finds the record cancelled and does nothing.
		s.logger.Warn("Failed to remove send job", zap.String("publication_id", id), zap.Error(err))
	}

	s.logger.Info("Publication cancelled", zap.String("publication_id", id))
	return s.Get(ctx, id)
}

// Delete marks the publication deleted and removes it from the active view.
// A published post is deleted on the platform on a best-effort basis.
func (s *PublicationService) Delete(ctx context.Context, id string) error {
	pub, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if pub.Status == models.StatusPublished && pub.ExternalID != nil {
		s.deleteRemote(ctx, pub)
	}

	if err := s.jobs.Cancel(ctx, scheduler.PublicationJobKey(id)); err != nil {
		s.logger.Warn("Failed to remove send job", zap.String("publication_id", id), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.CancelFollowUps(ctx, id)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Publication{}).
			Where("id = ? AND status <> ?", id, models.StatusDeleted).
			Update("status", models.StatusDeleted).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Publication{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete publication: %w", err)
	}

	s.logger.Info("Publication deleted", zap.String("publication_id", id))
	return nil
}

func (s *PublicationService) deleteRemote(ctx context.Context, pub *models.Publication) {
	fail := func(err error) {
		s.logger.Warn("Best-effort remote delete failed",
			zap.String("publication_id", pub.ID),
			zap.String("external_id", *pub.ExternalID),
			zap.Error(err))
		s.recordError(ctx, LevelWarn, pub, "Remote delete failed", err.Error())
	}

	adapter, err := s.publishers.GetPublisher(pub.Platform)
	if err != nil {
		fail(err)
		return
	}
	cred, err := s.credentials.GetValidCredential(ctx, pub.OwnerID, pub.Platform)
	if err != nil {
		fail(err)
		return
	}
	if cred == nil {
		fail(ErrCredential)
		return
	}
	if err := adapter.Delete(ctx, *cred, *pub.ExternalID); err != nil {
		fail(err)
	}
}

func (s *PublicationService) Get(ctx context.Context, id string) (*models.Publication, error) {
	var pub models.Publication
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&pub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load publication: %w", err)
	}
	return &pub, nil
}

// List returns the publications of ownerID, newest first. all ignores the
// owner; statuses, when given, narrows the result.
func (s *PublicationService) List(ctx context.Context, ownerID string, all bool, statuses ...models.Status) ([]models.Publication, error) {
	query := s.db.WithContext(ctx).Order("created_at desc")
	if !all {
		query = query.Where("owner_id = ?", ownerID)
	}
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	var pubs []models.Publication
	if err := query.Find(&pubs).Error; err != nil {
		return nil, fmt.Errorf("failed to list publications: %w", err)
	}
	return pubs, nil
}

// RefreshMetrics fetches the counters of a published record right away.
func (s *PublicationService) RefreshMetrics(ctx context.Context, id string) (*models.Publication, error) {
	return s.metrics.Refresh(ctx, id)
}

// HandleSendJob is the scheduler callback of publication_{id} jobs.
func (s *PublicationService) HandleSendJob(ctx context.Context, args scheduler.Args) error {
	id := args[argPublicationID]
	if id == "" {
		return errors.New("send job without publication id")
	}
	return s.Send(ctx, id, TriggerScheduler)
}

// Send runs one delivery attempt. Records that are neither draft nor
// scheduled are left alone. Delivery and lookup failures end up on the
// record; only failures to write the record are returned.
func (s *PublicationService) Send(ctx context.Context, id, trigger string) error {
	if !s.acquire(id) {
		s.logger.Debug("Send already in flight", zap.String("publication_id", id))
		return nil
	}
	defer s.release(id)

	pub, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("Send skipped, publication not found", zap.String("publication_id", id))
		return nil
	}
	if err != nil {
		return err
	}

	from := pub.Status
	if from != models.StatusDraft && from != models.StatusScheduled {
		s.logger.Info("Send skipped",
			zap.String("publication_id", id),
			zap.String("status", string(from)),
			zap.String("trigger", trigger))
		return nil
	}

	adapter, err := s.publishers.GetPublisher(pub.Platform)
	if err != nil {
		return s.fail(ctx, pub, from, err.Error(), nil)
	}

	cred, err := s.credentials.GetValidCredential(ctx, pub.OwnerID, pub.Platform)
	if err != nil {
		return s.deferOnLookupError(ctx, pub, from, trigger, fmt.Errorf("credential lookup failed: %w", err))
	}
	if cred == nil || !cred.Valid(s.clock.Now()) {
		return s.fail(ctx, pub, from, credentialErrorMessage, nil)
	}

	post, err := s.resolvePost(ctx, pub)
	if errors.Is(err, ErrContent) {
		return s.fail(ctx, pub, from, err.Error(), nil)
	}
	if err != nil {
		return s.deferOnLookupError(ctx, pub, from, trigger, err)
	}

	now := s.clock.Now()
	params := pub.SendParameters
	params.Attempts++
	params.Text = post.Text
	params.Media = post.MediaURL
	params.LastAttemptAt = &now
	params.ExecutedBy = trigger
	params.APIResponse = ""
	params.MediaWarning = ""

	// The attempt is counted before the call so a crash mid-call still uses up a try.
	ok, err := s.transition(ctx, id, from, from, map[string]interface{}{"send_parameters": params})
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("Send skipped, status changed", zap.String("publication_id", id))
		return nil
	}

	s.logger.Info("Sending publication",
		zap.String("publication_id", id),
		zap.String("trigger", trigger),
		zap.Int("attempt", params.Attempts),
		zap.String("text", util.Preview(post.Text, 50)))

	result, sendErr := adapter.Publish(ctx, *cred, post)

	// The outcome is stored even when the job context ran out during the call.
	ctx = context.WithoutCancel(ctx)

	switch {
	case sendErr == nil:
		return s.succeed(ctx, pub, from, params, result)
	case publisher.IsTransient(sendErr):
		return s.retryOrFail(ctx, pub, from, params, sendErr)
	default:
		return s.fail(ctx, pub, from, sendErr.Error(), &params)
	}
}

func (s *PublicationService) resolvePost(ctx context.Context, pub *models.Publication) (publisher.Post, error) {
	post := publisher.Post{PublicationID: pub.ID}
	params := pub.SendParameters

	var content *models.Content
	if pub.ContentRef != "" {
		var err error
		content, err = s.contents.ResolveContent(ctx, pub.ContentRef)
		if err != nil && !(errors.Is(err, ErrContent) && params.Message != "") {
			return post, err
		}
	}

	if content != nil {
		post.Text = util.FirstNonEmpty(params.Message, content.Text, content.Title)
		post.MediaURL = util.FirstNonEmpty(params.MediaURL, content.MediaURL)
	} else {
		post.Text = params.Message
		post.MediaURL = params.MediaURL
	}

	if strings.TrimSpace(post.Text) == "" {
		return post, fmt.Errorf("%w: no text content available", ErrContent)
	}
	return post, nil
}

func (s *PublicationService) succeed(ctx context.Context, pub *models.Publication, from models.Status, params models.SendParameters, result *publisher.PublishResult) error {
	now := s.clock.Now()
	params.Text = result.Text
	params.APIResponse = result.RawResponse
	params.MediaWarning = result.MediaWarning

	ok, err := s.transition(ctx, pub.ID, from, models.StatusPublished, map[string]interface{}{
		"external_id":     result.ExternalID,
		"external_url":    result.URL,
		"published_at":    now,
		"error_message":   "",
		"send_parameters": params,
	})
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("Publication changed while sending, external post left in place",
			zap.String("publication_id", pub.ID),
			zap.String("external_id", result.ExternalID))
		s.recordError(ctx, LevelWarn, pub, "Post published after status change",
			fmt.Sprintf("external post %s was created after the publication left %s", result.ExternalID, from))
		return nil
	}

	s.logger.Info("Publication published",
		zap.String("publication_id", pub.ID),
		zap.String("external_id", result.ExternalID),
		zap.Int("attempts", params.Attempts))
	if params.MediaWarning != "" {
		s.recordError(ctx, LevelWarn, pub, "Published without media", params.MediaWarning)
	}
	s.recordOutcome(ctx, pub, "published", params.Attempts)

	if s.metrics != nil {
		if err := s.metrics.ScheduleFollowUps(ctx, pub.ID, now); err != nil {
			s.logger.Warn("Failed to schedule metrics refresh", zap.String("publication_id", pub.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *PublicationService) retryOrFail(ctx context.Context, pub *models.Publication, from models.Status, params models.SendParameters, sendErr error) error {
	if params.Attempts > s.policy.MaxRetries {
		message := fmt.Sprintf("failed after %d attempts: %v", params.Attempts, sendErr)
		return s.fail(ctx, pub, from, message, &params)
	}

	retryAt := s.clock.Now().Add(s.policy.RetryDelay)
	ok, err := s.transition(ctx, pub.ID, from, models.StatusScheduled, map[string]interface{}{
		"scheduled_at":    retryAt,
		"error_message":   sendErr.Error(),
		"send_parameters": params,
	})
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("Retry skipped, status changed", zap.String("publication_id", pub.ID))
		return nil
	}

	if err := s.scheduleSend(ctx, pub.ID, retryAt); err != nil {
		s.logger.Error("Failed to register retry job", zap.String("publication_id", pub.ID), zap.Error(err))
	}

	s.logger.Warn("Transient delivery failure, retry scheduled",
		zap.String("publication_id", pub.ID),
		zap.Int("attempt", params.Attempts),
		zap.Int("max_retries", s.policy.MaxRetries),
		zap.Time("retry_at", retryAt),
		zap.Error(sendErr))
	s.recordOutcome(ctx, pub, "retried", params.Attempts)
	return nil
}

// deferOnLookupError handles a store failure met before the platform call.
// It counts as an attempt and follows the transient retry path, so the record
// never stays in draft without a job.
func (s *PublicationService) deferOnLookupError(ctx context.Context, pub *models.Publication, from models.Status, trigger string, lookupErr error) error {
	s.logger.Warn("Lookup failed before sending",
		zap.String("publication_id", pub.ID),
		zap.Error(lookupErr))

	now := s.clock.Now()
	params := pub.SendParameters
	params.Attempts++
	params.LastAttemptAt = &now
	params.ExecutedBy = trigger
	return s.retryOrFail(ctx, pub, from, params, lookupErr)
}

func (s *PublicationService) fail(ctx context.Context, pub *models.Publication, from models.Status, message string, params *models.SendParameters) error {
	updates := map[string]interface{}{"error_message": message}
	if params != nil {
		updates["send_parameters"] = *params
	}

	ok, err := s.transition(ctx, pub.ID, from, models.StatusFailed, updates)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("Failure not recorded, status changed", zap.String("publication_id", pub.ID))
		return nil
	}

	s.logger.Error("Publication failed",
		zap.String("publication_id", pub.ID),
		zap.String("error", message))
	s.recordError(ctx, LevelError, pub, "Publication failed", message)

	attempts := pub.SendParameters.Attempts
	if params != nil {
		attempts = params.Attempts
	}
	s.recordOutcome(ctx, pub, "failed", attempts)
	return nil
}

// transition applies updates only while the record is still in status from.
// It reports false when another writer got there first.
func (s *PublicationService) transition(ctx context.Context, id string, from, to models.Status, updates map[string]interface{}) (bool, error) {
	if from != to && !from.CanTransition(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	updates["status"] = to

	result := s.db.WithContext(ctx).Model(&models.Publication{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update publication %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *PublicationService) scheduleSend(ctx context.Context, id string, at time.Time) error {
	return s.jobs.ScheduleOnce(ctx, at, scheduler.PublicationJobKey(id), HandlerSend, scheduler.Args{argPublicationID: id})
}

func (s *PublicationService) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.sending[id]; busy {
		return false
	}
	s.sending[id] = struct{}{}
	return true
}

func (s *PublicationService) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sending, id)
}

func (s *PublicationService) recordError(ctx context.Context, level string, pub *models.Publication, title, message string) {
	if s.monitoring == nil {
		return
	}
	_ = s.monitoring.RecordError(ctx, level, "publication", title, message,
		WithPlatform(pub.Platform),
		WithPublication(pub.ID),
		WithContext(map[string]interface{}{"owner_id": pub.OwnerID}))
}

func (s *PublicationService) recordOutcome(ctx context.Context, pub *models.Publication, outcome string, attempts int) {
	if s.monitoring == nil {
		return
	}
	_ = s.monitoring.RecordMetric(ctx, "publication.delivery", "counter", 1, map[string]interface{}{
		"platform": pub.Platform,
		"outcome":  outcome,
		"attempts": attempts,
	})
}
