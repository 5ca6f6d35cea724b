package x

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/service/media"
	"github.com/ifuryst/herald/internal/service/publisher"
)

type fakeAPI struct {
	mu          sync.Mutex
	posts       []map[string]interface{}
	uploads     int
	authHeaders []string

	postStatus   int
	postBody     string
	uploadStatus int
	deleteStatus int
	metricsBody  string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.posts = append(f.posts, body)

		w.WriteHeader(f.postStatus)
		_, _ = io.WriteString(w, f.postBody)
	})
	mux.HandleFunc("/2/tweets/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(f.deleteStatus)
			return
		}
		assert.Contains(t, r.URL.Query().Get("tweet.fields"), "public_metrics")
		_, _ = io.WriteString(w, f.metricsBody)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.uploads++
		f.mu.Unlock()

		file, _, err := r.FormFile("media")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		assert.Equal(t, "image-bytes", string(data))

		w.WriteHeader(f.uploadStatus)
		if f.uploadStatus == http.StatusOK {
			_, _ = io.WriteString(w, `{"media_id_string":"m-1"}`)
		}
	})
	return mux
}

type staticFetcher struct {
	err error
}

func (s staticFetcher) Fetch(context.Context, string) (*media.Object, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &media.Object{Data: []byte("image-bytes"), ContentType: "image/png", Name: "cat.png"}, nil
}

func newTestPublisher(t *testing.T, api *fakeAPI, fetcher media.Fetcher) *Publisher {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	return NewPublisher(Config{
		APIBaseURL:     srv.URL,
		UploadURL:      srv.URL + "/upload",
		PostHost:       "platform",
		MaxTextLength:  280,
		PublishTimeout: 5 * time.Second,
		UploadTimeout:  5 * time.Second,
		DeleteTimeout:  5 * time.Second,
		MetricsTimeout: 5 * time.Second,
	}, fetcher, zap.NewNop(), WithHTTPClient(srv.Client()))
}

var cred = publisher.Credential{AccessToken: "token-1"}

func TestPublishTextOnly(t *testing.T) {
	api := &fakeAPI{postStatus: http.StatusCreated, postBody: `{"data":{"id":"123","text":"Hello"}}`}
	p := newTestPublisher(t, api, nil)

	result, err := p.Publish(context.Background(), cred, publisher.Post{Text: "Hello"})
	require.NoError(t, err)

	assert.Equal(t, "123", result.ExternalID)
	assert.Equal(t, "https://platform/i/status/123", result.URL)
	assert.Empty(t, result.MediaWarning)
	require.Len(t, api.posts, 1)
	assert.Equal(t, "Hello", api.posts[0]["text"])
	assert.NotContains(t, api.posts[0], "media")
	assert.Equal(t, "Bearer token-1", api.authHeaders[0])
}

func TestPublishTruncatesText(t *testing.T) {
	api := &fakeAPI{postStatus: http.StatusOK, postBody: `{"data":{"id":"1"}}`}
	p := newTestPublisher(t, api, nil)

	long := strings.Repeat("é", 300)
	result, err := p.Publish(context.Background(), cred, publisher.Post{Text: long})
	require.NoError(t, err)

	sent := api.posts[0]["text"].(string)
	assert.Equal(t, 280, len([]rune(sent)))
	assert.Equal(t, sent, result.Text)
}

func TestPublishEmptyTextIsPermanent(t *testing.T) {
	p := newTestPublisher(t, &fakeAPI{}, nil)

	_, err := p.Publish(context.Background(), cred, publisher.Post{Text: "   "})
	require.Error(t, err)
	assert.False(t, publisher.IsTransient(err))
}

func TestPublishWithMedia(t *testing.T) {
	api := &fakeAPI{postStatus: http.StatusCreated, postBody: `{"data":{"id":"9"}}`, uploadStatus: http.StatusOK}
	p := newTestPublisher(t, api, staticFetcher{})

	result, err := p.Publish(context.Background(), cred, publisher.Post{Text: "pic", MediaURL: "https://img/cat.png"})
	require.NoError(t, err)

	assert.Equal(t, "m-1", result.MediaID)
	assert.Equal(t, 1, api.uploads)
	mediaField := api.posts[0]["media"].(map[string]interface{})
	assert.Equal(t, []interface{}{"m-1"}, mediaField["media_ids"])
}

func TestPublishDegradesWhenMediaFails(t *testing.T) {
	t.Run("fetch error", func(t *testing.T) {
		api := &fakeAPI{postStatus: http.StatusCreated, postBody: `{"data":{"id":"9"}}`}
		p := newTestPublisher(t, api, staticFetcher{err: errors.New("dns failure")})

		result, err := p.Publish(context.Background(), cred, publisher.Post{Text: "pic", MediaURL: "https://img/cat.png"})
		require.NoError(t, err)
		assert.Contains(t, result.MediaWarning, "dns failure")
		assert.NotContains(t, api.posts[0], "media")
	})

	t.Run("upload rejected", func(t *testing.T) {
		api := &fakeAPI{postStatus: http.StatusCreated, postBody: `{"data":{"id":"9"}}`, uploadStatus: http.StatusBadRequest}
		p := newTestPublisher(t, api, staticFetcher{})

		result, err := p.Publish(context.Background(), cred, publisher.Post{Text: "pic", MediaURL: "https://img/cat.png"})
		require.NoError(t, err)
		assert.NotEmpty(t, result.MediaWarning)
		assert.Equal(t, "9", result.ExternalID)
	})
}

func TestPublishErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		transient  bool
		credential bool
		message    string
	}{
		{"server error", http.StatusServiceUnavailable, `{"title":"Service Unavailable"}`, true, false, "Service Unavailable"},
		{"rate limited", http.StatusTooManyRequests, `{"detail":"Too Many Requests"}`, true, false, "Too Many Requests"},
		{"bad request", http.StatusBadRequest, `{"detail":"duplicate content"}`, false, false, "duplicate content"},
		{"unauthorized", http.StatusUnauthorized, `{"detail":"Unauthorized"}`, false, true, "Unauthorized"},
		{"forbidden", http.StatusForbidden, `{"errors":[{"message":"not permitted"}]}`, false, true, "not permitted"},
		{"missing id", http.StatusCreated, `{"data":{}}`, false, false, "no post id"},
		{"garbage", http.StatusOK, `not json`, false, false, "undecodable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{postStatus: tt.status, postBody: tt.body}
			p := newTestPublisher(t, api, nil)

			_, err := p.Publish(context.Background(), cred, publisher.Post{Text: "hi"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, publisher.IsTransient(err))
			assert.Equal(t, tt.credential, publisher.IsCredentialRejected(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestPublishNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	p := NewPublisher(Config{APIBaseURL: srv.URL, PublishTimeout: time.Second}, nil, zap.NewNop())
	_, err := p.Publish(context.Background(), cred, publisher.Post{Text: "hi"})
	require.Error(t, err)
	assert.True(t, publisher.IsTransient(err))
}

func TestDelete(t *testing.T) {
	api := &fakeAPI{deleteStatus: http.StatusOK}
	p := newTestPublisher(t, api, nil)
	require.NoError(t, p.Delete(context.Background(), cred, "123"))

	api.deleteStatus = http.StatusNotFound
	assert.Error(t, p.Delete(context.Background(), cred, "123"))
}

func TestFetchMetrics(t *testing.T) {
	prior := models.Metrics{Views: 1, Likes: 2, Shares: 3}

	tests := []struct {
		name string
		body string
		want models.Metrics
	}{
		{
			name: "organic impressions preferred",
			body: `{"data":{"id":"1","public_metrics":{"impression_count":10,"like_count":4,"retweet_count":2,"quote_count":1},"organic_metrics":{"impression_count":40},"non_public_metrics":{"impression_count":30}}}`,
			want: models.Metrics{Views: 40, Likes: 4, Shares: 3},
		},
		{
			name: "non public before promoted",
			body: `{"data":{"id":"1","public_metrics":{"like_count":5},"non_public_metrics":{"impression_count":30},"promoted_metrics":{"impression_count":20}}}`,
			want: models.Metrics{Views: 30, Likes: 5, Shares: 3},
		},
		{
			name: "public fallback",
			body: `{"data":{"id":"1","public_metrics":{"impression_count":12,"like_count":0,"retweet_count":7,"quote_count":0}}}`,
			want: models.Metrics{Views: 12, Likes: 0, Shares: 7},
		},
		{
			name: "retweets without quotes keep prior shares",
			body: `{"data":{"id":"1","public_metrics":{"like_count":6,"retweet_count":1}}}`,
			want: models.Metrics{Views: 1, Likes: 6, Shares: 3},
		},
		{
			name: "quotes without retweets keep prior shares",
			body: `{"data":{"id":"1","public_metrics":{"quote_count":9}}}`,
			want: prior,
		},
		{
			name: "absent fields keep prior",
			body: `{"data":{"id":"1"}}`,
			want: prior,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPublisher(t, &fakeAPI{metricsBody: tt.body}, nil)

			got, err := p.FetchMetrics(context.Background(), cred, "1", prior)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings(config.XConfig{APIBaseURL: "https://api.x.com/", PublishTimeout: "10s"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.x.com", cfg.APIBaseURL)
	assert.Equal(t, 10*time.Second, cfg.PublishTimeout)
	assert.Equal(t, 90*time.Second, cfg.UploadTimeout)

	_, err = ConfigFromSettings(config.XConfig{DeleteTimeout: "soon"})
	assert.Error(t, err)
}
