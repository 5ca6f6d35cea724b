package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/scheduler"
)

func TestFollowUpRefreshesFireAtOffsets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pub, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "Hello"})
	require.NoError(t, err)

	h.clock.Advance(5*time.Minute - time.Second)
	assert.Equal(t, 0, h.engine.RunDue(ctx))

	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.engine.RunDue(ctx))

	got := h.reload(t, pub.ID)
	assert.Equal(t, int64(10), got.Metrics.Views)
	assert.Equal(t, int64(1), got.Metrics.Likes)
	require.NotNil(t, got.MetricsUpdatedAt)
	assert.True(t, got.MetricsUpdatedAt.Equal(h.clock.Now()))

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 2, h.engine.RunDue(ctx))
	assert.Equal(t, int64(30), h.reload(t, pub.ID).Metrics.Views)
	assert.Empty(t, h.jobKeys())
}

func TestRefreshFailureKeepsCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pub, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "Hello"})
	require.NoError(t, err)
	_, err = h.metrics.Refresh(ctx, pub.ID)
	require.NoError(t, err)

	h.adapter.metricsFn = func(models.Metrics) (*models.Metrics, error) {
		return nil, errors.New("lookup failed")
	}
	_, err = h.metrics.Refresh(ctx, pub.ID)
	assert.Error(t, err)

	// The scheduled callback swallows the failure.
	assert.NoError(t, h.metrics.HandleRefreshJob(ctx, scheduler.Args{argPublicationID: pub.ID}))
	assert.Equal(t, int64(10), h.reload(t, pub.ID).Metrics.Views)
}

func TestRefreshRequiresPublished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pub, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "Hello", ScheduledAt: at(testStart.Add(time.Hour))})
	require.NoError(t, err)

	_, err = h.pubs.RefreshMetrics(ctx, pub.ID)
	assert.ErrorIs(t, err, ErrNotPublished)

	_, err = h.pubs.RefreshMetrics(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, h.adapter.metricCalls)
}

func TestRefreshRequiresCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	pub, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "Hello"})
	require.NoError(t, err)

	// Past the token expiry seeded by the harness.
	h.clock.Advance(31 * 24 * time.Hour)
	_, err = h.metrics.Refresh(ctx, pub.ID)
	assert.ErrorIs(t, err, ErrCredential)
}

func TestSweepRecentHonorsWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	old, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "old"})
	require.NoError(t, err)

	h.clock.Advance(6 * 24 * time.Hour)
	recent, err := h.pubs.Create(ctx, CreateRequest{OwnerID: "u1", Message: "recent"})
	require.NoError(t, err)

	h.clock.Advance(2 * 24 * time.Hour)
	refreshed, err := h.metrics.SweepRecent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)

	assert.Equal(t, int64(10), h.reload(t, recent.ID).Metrics.Views)
	assert.Zero(t, h.reload(t, old.ID).Metrics.Views)
}
