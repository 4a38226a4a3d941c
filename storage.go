package chatsync

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBucket stores profile photos.
const DefaultBucket = "users"

// ObjectStorage is the blob store used for profile photos.
type ObjectStorage interface {
	// Upload stores data at bucketPath, replacing any existing object, and
	// returns its public URL.
	Upload(ctx context.Context, bucketPath string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, bucketPath string) error
	// List returns the object paths under the folder prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ============================================================================
// StorageClient
// ============================================================================

// StorageClient talks to a storage REST API (object, list and public routes
// under /storage/v1).
type StorageClient struct {
	baseURL      string
	bucket       string
	apiKey       string
	cacheControl string
	httpClient   *http.Client
}

// StorageOption configures a StorageClient.
type StorageOption func(*StorageClient)

// WithStorageAPIKey sets the key sent as apikey and bearer token.
func WithStorageAPIKey(key string) StorageOption {
	return func(c *StorageClient) { c.apiKey = key }
}

// WithStorageHTTPClient sets the HTTP client.
func WithStorageHTTPClient(hc *http.Client) StorageOption {
	return func(c *StorageClient) { c.httpClient = hc }
}

// WithCacheControl sets the max-age of uploaded objects.
func WithCacheControl(d time.Duration) StorageOption {
	return func(c *StorageClient) { c.cacheControl = fmt.Sprintf("max-age=%d", int(d.Seconds())) }
}

// NewStorageClient creates a client for bucket at baseURL.
func NewStorageClient(baseURL, bucket string, opts ...StorageOption) *StorageClient {
	c := &StorageClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		bucket:       bucket,
		cacheControl: "max-age=3600",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bucket returns the bucket name.
func (c *StorageClient) Bucket() string {
	return c.bucket
}

// PublicURL returns the public address of the object at bucketPath.
func (c *StorageClient) PublicURL(bucketPath string) string {
	return c.baseURL + "/storage/v1/object/public/" + url.PathEscape(c.bucket) + "/" + escapeObjectPath(bucketPath)
}

func (c *StorageClient) Upload(ctx context.Context, bucketPath string, data []byte, contentType string) (string, error) {
	u := c.baseURL + "/storage/v1/object/" + url.PathEscape(c.bucket) + "/" + escapeObjectPath(bucketPath)
	h := c.headers()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", c.cacheControl)
	h.Set("x-upsert", "true")

	body, status, err := doRequest(ctx, c.httpClient, http.MethodPost, u, data, h)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", bucketPath, err)
	}
	if status >= 300 {
		return "", fmt.Errorf("upload %s: %w", bucketPath, responseError(status, body))
	}
	return c.PublicURL(bucketPath), nil
}

func (c *StorageClient) Delete(ctx context.Context, bucketPath string) error {
	return c.Remove(ctx, []string{bucketPath})
}

// Remove deletes several objects in one request.
func (c *StorageClient) Remove(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	u := c.baseURL + "/storage/v1/object/" + url.PathEscape(c.bucket)
	body, status, err := doRequest(ctx, c.httpClient, http.MethodDelete, u, map[string][]string{"prefixes": paths}, c.headers())
	if err != nil {
		return fmt.Errorf("remove objects: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("remove objects: %w", responseError(status, body))
	}
	return nil
}

type storageObject struct {
	Name string `json:"name"`
}

func (c *StorageClient) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.Trim(prefix, "/")
	u := c.baseURL + "/storage/v1/object/list/" + url.PathEscape(c.bucket)
	req := map[string]any{"prefix": prefix, "limit": 100, "offset": 0}
	body, status, err := doRequest(ctx, c.httpClient, http.MethodPost, u, req, c.headers())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("list %s: %w", prefix, responseError(status, body))
	}
	objs, err := decodeJSON[[]storageObject](body)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(*objs))
	for _, o := range *objs {
		if prefix == "" {
			out = append(out, o.Name)
			continue
		}
		out = append(out, prefix+"/"+o.Name)
	}
	return out, nil
}

func (c *StorageClient) headers() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
		h.Set("apikey", c.apiKey)
	}
	return h
}

func escapeObjectPath(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// ImageContentType returns the content type for an image with extension ext.
func ImageContentType(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension("." + ext); strings.HasPrefix(t, "image/") {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "image/" + ext
}

// PhotoExt returns the lowercase extension of fileName without the dot.
func PhotoExt(fileName string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
}
