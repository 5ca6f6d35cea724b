package publisher

import (
	"context"
	"time"

	"github.com/ifuryst/herald/internal/models"
)

// Credential is the access token used to act on behalf of a user.
type Credential struct {
	AccessToken string     `json:"-"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// Valid reports whether the credential can be used at now.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// Post represents the content to be published
type Post struct {
	PublicationID string `json:"publication_id"`
	Text          string `json:"text"`
	MediaURL      string `json:"media_url,omitempty"`
}

// PublishResult represents the result of a publish operation
type PublishResult struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
	// Text is what was actually sent after platform limits were applied.
	Text         string    `json:"text"`
	MediaID      string    `json:"media_id,omitempty"`
	MediaWarning string    `json:"media_warning,omitempty"`
	RawResponse  string    `json:"raw_response,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
}

// Publisher is the unified interface for all platform operations
type Publisher interface {
	GetPlatformName() string

	Publish(ctx context.Context, cred Credential, post Post) (*PublishResult, error)
	Delete(ctx context.Context, cred Credential, externalID string) error

	// FetchMetrics returns the current counters. Counters the platform did
	// not report keep their value from prior.
	FetchMetrics(ctx context.Context, cred Credential, externalID string, prior models.Metrics) (*models.Metrics, error)
}
