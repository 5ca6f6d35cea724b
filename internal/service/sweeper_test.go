package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/scheduler"
)

func TestSweepSendsOverdueWithoutJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pub, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "Hello", ScheduledAt: at(testStart.Add(time.Minute))})
	require.NoError(t, err)

	// Lose the job, as after a cleared job table.
	require.NoError(t, h.engine.Cancel(ctx, scheduler.PublicationJobKey(pub.ID)))

	h.clock.Advance(10 * time.Minute)
	sent, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	got := h.reload(t, pub.ID)
	assert.Equal(t, models.StatusPublished, got.Status)
	assert.Equal(t, TriggerCatchUp, got.SendParameters.ExecutedBy)

	sent, err = h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, h.adapter.publishCalls(), 1)
}

func TestSweepSkipsPendingJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pub, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "Hello", ScheduledAt: at(testStart.Add(time.Minute))})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	sent, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, h.adapter.publishCalls())

	assert.Equal(t, 1, h.engine.RunDue(ctx))
	assert.Equal(t, models.StatusPublished, h.reload(t, pub.ID).Status)
	assert.Len(t, h.adapter.publishCalls(), 1)
}

func TestSweepIgnoresFutureAndRetrying(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.adapter.publishFn = rateLimited

	_, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "later", ScheduledAt: at(testStart.Add(time.Hour))})
	require.NoError(t, err)
	retrying, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "now"})
	require.NoError(t, err)
	require.Equal(t, models.StatusScheduled, retrying.Status)

	h.clock.Advance(time.Minute)
	sent, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, h.adapter.publishCalls(), 1)
}

func TestSweepWithColdEngineSendsStoredJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pub, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "Hello", ScheduledAt: at(testStart.Add(time.Minute))})
	require.NoError(t, err)
	key := scheduler.PublicationJobKey(pub.ID)

	// An engine that never loaded the stored rows, as in the one-shot sweep command.
	cold := scheduler.New(scheduler.Options{Disabled: true}, scheduler.NewGormJobStore(h.db), h.clock, zap.NewNop())
	sweeper := NewCatchUpSweeper(h.db, cold, h.pubs, h.clock, zap.NewNop())
	assert.False(t, cold.Pending(key))

	h.clock.Advance(time.Hour)
	sent, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, models.StatusPublished, h.reload(t, pub.ID).Status)

	var stale int64
	require.NoError(t, h.db.Model(&models.ScheduledJob{}).Where("job_key = ?", key).Count(&stale).Error)
	assert.Zero(t, stale)
}
