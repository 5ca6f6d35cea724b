package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/publisher"
	"github.com/ifuryst/herald/internal/service/scheduler"
	"github.com/ifuryst/herald/pkg/clock"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type publishCall struct {
	post publisher.Post
	at   time.Time
}

// fakeAdapter is a scriptable platform publisher.
type fakeAdapter struct {
	clock *clock.Fake

	mu          sync.Mutex
	calls       []publishCall
	deleted     []string
	publishFn   func(call int, post publisher.Post) (*publisher.PublishResult, error)
	deleteErr   error
	metricsFn   func(prior models.Metrics) (*models.Metrics, error)
	metricCalls int
}

func (f *fakeAdapter) GetPlatformName() string { return "x" }

func (f *fakeAdapter) Publish(_ context.Context, _ publisher.Credential, post publisher.Post) (*publisher.PublishResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, publishCall{post: post, at: f.clock.Now()})
	n := len(f.calls)
	fn := f.publishFn
	f.mu.Unlock()

	if fn != nil {
		return fn(n, post)
	}
	return &publisher.PublishResult{
		ExternalID:  "123",
		URL:         "https://platform/i/status/123",
		Text:        post.Text,
		RawResponse: `{"data":{"id":"123"}}`,
	}, nil
}

func (f *fakeAdapter) Delete(_ context.Context, _ publisher.Credential, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, externalID)
	return f.deleteErr
}

func (f *fakeAdapter) FetchMetrics(_ context.Context, _ publisher.Credential, _ string, prior models.Metrics) (*models.Metrics, error) {
	f.mu.Lock()
	f.metricCalls++
	fn := f.metricsFn
	f.mu.Unlock()

	if fn != nil {
		return fn(prior)
	}
	return &models.Metrics{Views: prior.Views + 10, Likes: prior.Likes + 1, Shares: prior.Shares}, nil
}

func (f *fakeAdapter) publishCalls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.calls...)
}

func testPolicy() config.PublicationPolicy {
	return config.PublicationPolicy{
		MaxRetries:      3,
		RetryDelay:      5 * time.Minute,
		MetricsOffsets:  []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour},
		CatchUpInterval: 5 * time.Minute,
		MetricsWindow:   7 * 24 * time.Hour,
		CleanupSchedule: "0 2 * * *",
		RetentionDays:   90,
	}
}

type harness struct {
	db         *gorm.DB
	clock      *clock.Fake
	engine     *scheduler.Engine
	adapter    *fakeAdapter
	tokens     *TokenStore
	contents   *GormContentStore
	monitoring *MonitoringService
	metrics    *MetricsRefresher
	pubs       *PublicationService
	sweeper    *CatchUpSweeper
	jobs       *Jobs
}

func newHarness(t *testing.T, adapter publisher.Publisher, mutate ...func(*config.PublicationPolicy)) *harness {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()

	policy := testPolicy()
	for _, m := range mutate {
		m(&policy)
	}

	db := newTestDB(t)
	clk := clock.NewFake(testStart)
	engine := scheduler.New(scheduler.Options{Disabled: true}, scheduler.NewGormJobStore(db), clk, log)

	h := &harness{db: db, clock: clk, engine: engine}
	if adapter == nil {
		h.adapter = &fakeAdapter{clock: clk}
		adapter = h.adapter
	}

	manager := publisher.NewPublishManager(log)
	require.NoError(t, manager.RegisterPublisher(adapter))

	h.tokens = NewTokenStore(db, clk)
	h.contents = NewContentStore(db)
	h.monitoring = NewMonitoringService(db, clk, log)
	h.metrics = NewMetricsRefresher(db, engine, manager, h.tokens, h.monitoring, policy, clk, log)
	h.pubs = NewPublicationService(PublicationDeps{
		DB:          db,
		Jobs:        engine,
		Publishers:  manager,
		Credentials: h.tokens,
		Contents:    h.contents,
		Metrics:     h.metrics,
		Monitoring:  h.monitoring,
		Clock:       clk,
		Logger:      log,
	}, policy)
	h.sweeper = NewCatchUpSweeper(db, engine, h.pubs, clk, log)
	h.jobs = NewJobs(engine, h.pubs, h.sweeper, h.metrics, h.monitoring, policy, log)

	require.NoError(t, engine.Start(ctx))

	expires := testStart.Add(30 * 24 * time.Hour)
	require.NoError(t, h.tokens.SaveToken(ctx, &models.PlatformToken{
		OwnerID:     "u1",
		Provider:    "x",
		AccessToken: "token-u1",
		ExpiresAt:   &expires,
	}))
	return h
}

func (h *harness) content(t *testing.T, text, title, media string) string {
	t.Helper()
	c := &models.Content{OwnerID: "u1", Text: text, Title: title, MediaURL: media}
	require.NoError(t, h.contents.CreateContent(context.Background(), c))
	return c.ID
}

func (h *harness) reload(t *testing.T, id string) *models.Publication {
	t.Helper()
	var pub models.Publication
	require.NoError(t, h.db.Unscoped().Where("id = ?", id).First(&pub).Error)
	return &pub
}

func (h *harness) jobKeys() []string {
	var keys []string
	for _, job := range h.engine.Jobs() {
		keys = append(keys, job.Key)
	}
	return keys
}

func at(t time.Time) *time.Time {
	return &t
}
