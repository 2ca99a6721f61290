package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// ImageFetcher retrieves stored report images. A fetch failure is a
// first-class outcome that flags the report, not a crash.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

const defaultMaxImageBytes = 10 << 20 // 10 MiB

// HTTPFetcher downloads images over HTTP with a bounded timeout and size cap.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher creates an HTTP image fetcher.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: defaultMaxImageBytes,
	}
}

// Fetch downloads the image at url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("image download read failed: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image exceeds %d byte limit", f.maxBytes)
	}

	return data, nil
}

// ObjectFetcher reads images from S3-compatible object storage, addressed as
// s3://bucket/key URLs.
type ObjectFetcher struct {
	client *minio.Client
}

// NewObjectFetcher creates a MinIO-backed image fetcher.
func NewObjectFetcher(client *minio.Client) *ObjectFetcher {
	return &ObjectFetcher{client: client}
}

// Fetch reads an s3://bucket/key object.
func (f *ObjectFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	bucket, key, err := splitObjectURL(url)
	if err != nil {
		return nil, err
	}

	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("object fetch failed: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("object read failed: %w", err)
	}
	return data, nil
}

func splitObjectURL(url string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(url, "s3://")
	if trimmed == url {
		return "", "", fmt.Errorf("not an object url: %s", url)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed object url: %s", url)
	}
	return parts[0], parts[1], nil
}

// Fetcher dispatches between HTTP and object storage based on the URL scheme.
type Fetcher struct {
	http   ImageFetcher
	object ImageFetcher
}

// NewFetcher composes an HTTP fetcher with an optional object-storage
// fetcher. Object URLs fail fast when no object backend is configured.
func NewFetcher(httpFetcher ImageFetcher, objectFetcher ImageFetcher) *Fetcher {
	return &Fetcher{http: httpFetcher, object: objectFetcher}
}

// Fetch retrieves the image behind url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "s3://") {
		if f.object == nil {
			return nil, fmt.Errorf("object storage not configured for %s", url)
		}
		return f.object.Fetch(ctx, url)
	}
	return f.http.Fetch(ctx, url)
}
