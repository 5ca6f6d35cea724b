package x

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/media"
	"github.com/ifuryst/herald/internal/service/publisher"
	"github.com/ifuryst/herald/pkg/util"
)

const (
	PlatformName = "x"

	maxResponseBytes = 1 << 20
)

type Config struct {
	APIBaseURL     string
	UploadURL      string
	PostHost       string
	MaxTextLength  int
	RatePerSec     float64
	PublishTimeout time.Duration
	UploadTimeout  time.Duration
	DeleteTimeout  time.Duration
	MetricsTimeout time.Duration
}

// ConfigFromSettings parses the yaml platform settings.
func ConfigFromSettings(cfg config.XConfig) (Config, error) {
	out := Config{
		APIBaseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		UploadURL:     cfg.UploadURL,
		PostHost:      cfg.PostHost,
		MaxTextLength: cfg.MaxTextLength,
		RatePerSec:    cfg.RatePerSec,
	}

	var err error
	if out.PublishTimeout, err = config.ParseDuration(cfg.PublishTimeout, 30*time.Second); err != nil {
		return out, fmt.Errorf("invalid publish_timeout: %w", err)
	}
	if out.UploadTimeout, err = config.ParseDuration(cfg.UploadTimeout, 90*time.Second); err != nil {
		return out, fmt.Errorf("invalid upload_timeout: %w", err)
	}
	if out.DeleteTimeout, err = config.ParseDuration(cfg.DeleteTimeout, 20*time.Second); err != nil {
		return out, fmt.Errorf("invalid delete_timeout: %w", err)
	}
	if out.MetricsTimeout, err = config.ParseDuration(cfg.MetricsTimeout, 20*time.Second); err != nil {
		return out, fmt.Errorf("invalid metrics_timeout: %w", err)
	}
	return out, nil
}

// Publisher delivers posts through the X v2 API.
type Publisher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	media   media.Fetcher
	logger  *zap.Logger
}

type Option func(*Publisher)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

func NewPublisher(cfg Config, fetcher media.Fetcher, logger *zap.Logger, opts ...Option) *Publisher {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 280
	}
	if cfg.PostHost == "" {
		cfg.PostHost = "x.com"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 90 * time.Second
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = 20 * time.Second
	}
	if cfg.MetricsTimeout <= 0 {
		cfg.MetricsTimeout = 20 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		if cfg.RatePerSec > 1 {
			burst = int(cfg.RatePerSec)
		}
	}

	p := &Publisher{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		media:   fetcher,
		logger:  logger.With(zap.String("platform", PlatformName)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) GetPlatformName() string {
	return PlatformName
}

type createPostRequest struct {
	Text  string     `json:"text"`
	Media *postMedia `json:"media,omitempty"`
}

type postMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type createPostResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

func (p *Publisher) Publish(ctx context.Context, cred publisher.Credential, post publisher.Post) (*publisher.PublishResult, error) {
	text := util.TruncateRunes(post.Text, p.cfg.MaxTextLength)
	if strings.TrimSpace(text) == "" {
		return nil, publisher.Permanent(0, "post text is empty", nil)
	}

	result := &publisher.PublishResult{Text: text}

	body := createPostRequest{Text: text}
	if post.MediaURL != "" {
		mediaID, err := p.uploadMedia(ctx, cred, post.MediaURL)
		if err != nil {
			// Media problems never block the text.
			result.MediaWarning = fmt.Sprintf("media upload failed, published without media: %v", err)
			p.logger.Warn("Media upload failed, publishing text only",
				zap.String("publication_id", post.PublicationID),
				zap.String("media_url", post.MediaURL),
				zap.Error(err))
		} else {
			result.MediaID = mediaID
			body.Media = &postMedia{MediaIDs: []string{mediaID}}
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, publisher.Permanent(0, "failed to encode post", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	status, raw, err := p.do(ctx, cred, http.MethodPost, p.cfg.APIBaseURL+"/2/tweets", bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, classify(status, raw)
	}

	var resp createPostResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, publisher.Permanent(status, "undecodable publish response", err)
	}
	if resp.Data.ID == "" {
		return nil, publisher.Permanent(status, "publish response has no post id", nil)
	}

	result.ExternalID = resp.Data.ID
	result.URL = fmt.Sprintf("https://%s/i/status/%s", p.cfg.PostHost, resp.Data.ID)
	result.RawResponse = string(raw)
	result.PublishedAt = time.Now().UTC()

	p.logger.Info("Post published",
		zap.String("publication_id", post.PublicationID),
		zap.String("external_id", result.ExternalID),
		zap.String("text", util.Preview(text, 50)))
	return result, nil
}

func (p *Publisher) Delete(ctx context.Context, cred publisher.Credential, externalID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DeleteTimeout)
	defer cancel()

	status, raw, err := p.do(ctx, cred, http.MethodDelete, p.cfg.APIBaseURL+"/2/tweets/"+externalID, nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return classify(status, raw)
	}

	p.logger.Info("Post deleted", zap.String("external_id", externalID))
	return nil
}

type impressionMetrics struct {
	ImpressionCount *int64 `json:"impression_count"`
}

type publicMetrics struct {
	ImpressionCount *int64 `json:"impression_count"`
	LikeCount       *int64 `json:"like_count"`
	RetweetCount    *int64 `json:"retweet_count"`
	QuoteCount      *int64 `json:"quote_count"`
}

type metricsResponse struct {
	Data struct {
		ID               string             `json:"id"`
		PublicMetrics    *publicMetrics     `json:"public_metrics"`
		OrganicMetrics   *impressionMetrics `json:"organic_metrics"`
		NonPublicMetrics *impressionMetrics `json:"non_public_metrics"`
		PromotedMetrics  *impressionMetrics `json:"promoted_metrics"`
	} `json:"data"`
}

const metricsFields = "public_metrics,organic_metrics,non_public_metrics,promoted_metrics"

func (p *Publisher) FetchMetrics(ctx context.Context, cred publisher.Credential, externalID string, prior models.Metrics) (*models.Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.MetricsTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/2/tweets/%s?tweet.fields=%s", p.cfg.APIBaseURL, externalID, metricsFields)
	status, raw, err := p.do(ctx, cred, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classify(status, raw)
	}

	var resp metricsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, publisher.Permanent(status, "undecodable metrics response", err)
	}

	metrics := prior
	data := resp.Data

	// Private impression counts are more accurate than the public one when granted.
	views := firstImpressionCount(data.OrganicMetrics, data.NonPublicMetrics, data.PromotedMetrics)
	if views == nil && data.PublicMetrics != nil {
		views = data.PublicMetrics.ImpressionCount
	}
	if views != nil {
		metrics.Views = *views
	}

	if pm := data.PublicMetrics; pm != nil {
		if pm.LikeCount != nil {
			metrics.Likes = *pm.LikeCount
		}
		// Shares is the sum of both counts; a partial response keeps the prior total.
		if pm.RetweetCount != nil && pm.QuoteCount != nil {
			metrics.Shares = *pm.RetweetCount + *pm.QuoteCount
		}
	}

	return &metrics, nil
}

func firstImpressionCount(sources ...*impressionMetrics) *int64 {
	for _, source := range sources {
		if source != nil && source.ImpressionCount != nil {
			return source.ImpressionCount
		}
	}
	return nil
}

// do sends one throttled request and returns the status and body.
// Transport failures are reported as transient delivery errors.
func (p *Publisher) do(ctx context.Context, cred publisher.Credential, method, url string, body io.Reader, contentType string) (int, []byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, nil, publisher.Transient(0, "rate limiter wait aborted", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, publisher.Permanent(0, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, publisher.Transient(0, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, publisher.Transient(resp.StatusCode, "failed to read response", err)
	}
	return resp.StatusCode, raw, nil
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func classify(status int, raw []byte) *publisher.DeliveryError {
	message := errorMessage(status, raw)

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return publisher.Transient(status, message, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err := publisher.Permanent(status, message, nil)
		err.CredentialRejected = true
		return err
	default:
		return publisher.Permanent(status, message, nil)
	}
}

func errorMessage(status int, raw []byte) string {
	var body apiError
	if err := json.Unmarshal(raw, &body); err == nil {
		if msg := util.FirstNonEmpty(body.Detail, body.Title); msg != "" {
			return msg
		}
		if len(body.Errors) > 0 && body.Errors[0].Message != "" {
			return body.Errors[0].Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return util.Preview(text, 200)
	}
	return http.StatusText(status)
}
