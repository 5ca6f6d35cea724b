package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ifuryst/herald/internal/config"
)

var (
	ErrTooLarge    = errors.New("media exceeds size limit")
	ErrUnsupported = errors.New("unsupported media reference")
)

// Object is a fetched media file ready for upload.
type Object struct {
	Data        []byte
	ContentType string
	Name        string
}

// Fetcher resolves a media reference to its bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*Object, error)
}

type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid media url: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download media: status %d", resp.StatusCode)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return &Object{
		Data:        data,
		ContentType: contentType,
		Name:        objectName(req.URL.Path),
	}, nil
}

type MinIOFetcher struct {
	client   *minio.Client
	maxBytes int64
}

func NewMinIOFetcher(cfg config.S3Config, maxBytes int64) (*MinIOFetcher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOFetcher{client: client, maxBytes: maxBytes}, nil
}

func (f *MinIOFetcher) Fetch(ctx context.Context, ref string) (*Object, error) {
	bucket, key, err := ParseS3Ref(ref)
	if err != nil {
		return nil, err
	}

	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open object %s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat object %s/%s: %w", bucket, key, err)
	}
	if f.maxBytes > 0 && info.Size > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size)
	}

	data, err := readLimited(obj, f.maxBytes)
	if err != nil {
		return nil, err
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return &Object{
		Data:        data,
		ContentType: contentType,
		Name:        objectName(key),
	}, nil
}

// ParseS3Ref splits s3://bucket/key into its parts.
func ParseS3Ref(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupported, ref)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q needs a bucket and a key", ErrUnsupported, ref)
	}
	return bucket, key, nil
}

// Router dispatches a reference to the fetcher for its scheme.
type Router struct {
	web     Fetcher
	storage Fetcher
}

// NewRouter builds a Router. storage may be nil when no object store is configured.
func NewRouter(web, storage Fetcher) *Router {
	return &Router{web: web, storage: storage}
}

// NewFromConfig wires the HTTP fetcher and, when an endpoint is set, the MinIO fetcher.
func NewFromConfig(cfg config.MediaConfig) (*Router, error) {
	timeout, err := config.ParseDuration(cfg.FetchTimeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid media fetch_timeout: %w", err)
	}

	web := NewHTTPFetcher(&http.Client{Timeout: timeout}, cfg.MaxBytes)

	var storage Fetcher
	if cfg.S3.Endpoint != "" {
		s3, err := NewMinIOFetcher(cfg.S3, cfg.MaxBytes)
		if err != nil {
			return nil, err
		}
		storage = s3
	}

	return NewRouter(web, storage), nil
}

func (r *Router) Fetch(ctx context.Context, ref string) (*Object, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.web.Fetch(ctx, ref)
	case strings.HasPrefix(ref, "s3://"):
		if r.storage == nil {
			return nil, fmt.Errorf("%w: object storage is not configured", ErrUnsupported)
		}
		return r.storage.Fetch(ctx, ref)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ref)
	}
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func objectName(p string) string {
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return "media"
	}
	return name
}
