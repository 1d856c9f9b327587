package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/gridclaw/internal/dispatch"
)

const maxImageBytes = 64 << 20

// Fetcher downloads rendered images.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

// HTTPFetcher fetches images over HTTP, retrying server errors and transport
// failures with the dispatcher's retry policy.
type HTTPFetcher struct {
	Client *http.Client
	Policy *dispatch.RetryPolicy
	Clock  dispatch.Clock
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{Timeout: 60 * time.Second},
		Policy: dispatch.DefaultRetryPolicy(),
		Clock:  dispatch.SystemClock,
	}
}

type fetched struct {
	data []byte
	mime string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	res, err := dispatch.Retry(ctx, f.Policy, f.Clock, func(ctx context.Context) (fetched, error) {
		return f.once(ctx, url)
	})
	if err != nil {
		return nil, "", err
	}
	return res.data, res.mime, nil
}

func (f *HTTPFetcher) once(ctx context.Context, url string) (fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetched{}, dispatch.Permanent(fmt.Errorf("build image request: %w", err))
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fetched{}, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fetched{}, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fetched{}, dispatch.Permanent(fmt.Errorf("fetch image: status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return fetched{}, fmt.Errorf("read image: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return fetched{data: data, mime: mime}, nil
}
