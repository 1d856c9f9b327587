package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultMaxJitter = 250 * time.Millisecond

// Config configures a Dispatcher.
type Config struct {
	BaseURL    string
	Token      string
	UserAgent  string
	Policy     *RetryPolicy
	HTTPClient *http.Client
	Clock      Clock
	// MaxJitter bounds the random delay added after a bucket reset wait.
	MaxJitter time.Duration
}

// Request is one outbound REST call.
type Request struct {
	Method string
	Path   string
	Body   any
	// Bucket overrides the rate-limit key; it defaults to "METHOD path".
	Bucket string
}

func (r *Request) key() string {
	if r.Bucket != "" {
		return r.Bucket
	}
	return r.Method + " " + r.Path
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Dispatcher sends REST calls under per-endpoint rate limits, retrying
// rate-limit rejections, server errors and transport failures.
type Dispatcher struct {
	baseURL   string
	token     string
	userAgent string
	policy    *RetryPolicy
	client    *http.Client
	clock     Clock
	maxJitter time.Duration
	buckets   *BucketTable
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		policy:    cfg.Policy,
		client:    cfg.HTTPClient,
		clock:     cfg.Clock,
		maxJitter: cfg.MaxJitter,
		buckets:   NewBucketTable(),
	}
	if d.policy == nil {
		d.policy = DefaultRetryPolicy()
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.clock == nil {
		d.clock = SystemClock
	}
	if d.maxJitter == 0 {
		d.maxJitter = defaultMaxJitter
	}
	return d
}

// Buckets exposes the bucket table.
func (d *Dispatcher) Buckets() *BucketTable {
	return d.buckets
}

// Send issues req. It either returns a 2xx response or a terminal error after
// retries are exhausted.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	return Retry(ctx, d.policy, d.clock, func(ctx context.Context) (*Response, error) {
		return d.attempt(ctx, req, body)
	})
}

// attempt performs one logical try. Rate-limit rejections are waited out
// inside the attempt so they never count against the retry budget.
func (d *Dispatcher) attempt(ctx context.Context, req *Request, body []byte) (*Response, error) {
	key := req.key()
	for limited := 0; ; limited++ {
		if err := d.waitBucket(ctx, key); err != nil {
			return nil, Permanent(err)
		}

		resp, err := d.do(ctx, req, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Permanent(ctx.Err())
			}
			slog.Warn("dispatch transport error", "endpoint", key, "error", err)
			return nil, &TransportError{Endpoint: key, Err: err}
		}
		d.buckets.Update(key, resp.Header, d.clock.Now())

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			rl := parseRateLimit(key, resp)
			if limited >= d.policy.MaxAttempts {
				return nil, Permanent(rl)
			}
			slog.Info("rate limited, waiting", "endpoint", key, "retry_after", rl.RetryAfter, "global", rl.Global)
			if err := d.clock.Sleep(ctx, rl.RetryAfter); err != nil {
				return nil, Permanent(err)
			}
			continue
		}

		serr := &StatusError{Method: req.Method, Path: req.Path, StatusCode: resp.StatusCode, Body: string(resp.Body)}
		if serr.Temporary() {
			slog.Warn("dispatch server error", "endpoint", key, "status", resp.StatusCode)
			return nil, serr
		}
		return nil, Permanent(serr)
	}
}

func (d *Dispatcher) waitBucket(ctx context.Context, key string) error {
	wait := d.buckets.Delay(key, d.clock.Now())
	if wait <= 0 {
		return nil
	}
	wait += time.Duration(rand.Int64N(int64(d.maxJitter) + 1))
	slog.Debug("bucket exhausted, waiting for reset", "endpoint", key, "wait", wait)
	return d.clock.Sleep(ctx, wait)
}

func (d *Dispatcher) do(ctx context.Context, req *Request, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, d.baseURL+req.Path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if d.token != "" {
		httpReq.Header.Set("Authorization", d.token)
	}
	if d.userAgent != "" {
		httpReq.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func parseRateLimit(key string, resp *Response) *RateLimitError {
	rl := &RateLimitError{Endpoint: key, RetryAfter: time.Second}
	var body rateLimitBody
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.RetryAfter > 0 {
		rl.RetryAfter = time.Duration(body.RetryAfter * float64(time.Second))
		rl.Global = body.Global
		return rl
	}
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.ParseFloat(after, 64); err == nil {
			rl.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	rl.Global = strings.EqualFold(resp.Header.Get("X-RateLimit-Global"), "true")
	return rl
}

// IsUnauthorized reports whether err is an authentication rejection.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
