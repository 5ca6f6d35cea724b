package publisher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/models"
)

type namedPublisher struct{ name string }

func (p namedPublisher) GetPlatformName() string { return p.name }

func (p namedPublisher) Publish(context.Context, Credential, Post) (*PublishResult, error) {
	return &PublishResult{}, nil
}

func (p namedPublisher) Delete(context.Context, Credential, string) error { return nil }

func (p namedPublisher) FetchMetrics(_ context.Context, _ Credential, _ string, prior models.Metrics) (*models.Metrics, error) {
	return &prior, nil
}

func TestManagerRegistry(t *testing.T) {
	m := NewPublishManager(zap.NewNop())

	require.NoError(t, m.RegisterPublisher(namedPublisher{"x"}))
	require.NoError(t, m.RegisterPublisher(namedPublisher{"mastodon"}))
	assert.Error(t, m.RegisterPublisher(namedPublisher{"x"}))

	p, err := m.GetPublisher("x")
	require.NoError(t, err)
	assert.Equal(t, "x", p.GetPlatformName())

	_, err = m.GetPublisher("linkedin")
	assert.Error(t, err)

	assert.Equal(t, []string{"mastodon", "x"}, m.Platforms())
}
