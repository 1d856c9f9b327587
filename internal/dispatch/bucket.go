package dispatch

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Bucket is the last known rate-limit state of one endpoint.
type Bucket struct {
	Key       string
	Remaining int
	ResetAt   time.Time
}

// BucketTable tracks rate-limit buckets keyed by endpoint.
type BucketTable struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

func NewBucketTable() *BucketTable {
	return &BucketTable{buckets: make(map[string]*Bucket)}
}

// Get returns a copy of the bucket for key.
func (t *BucketTable) Get(key string) (Bucket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

// Set replaces the bucket state for key.
func (t *BucketTable) Set(key string, remaining int, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[key] = &Bucket{Key: key, Remaining: remaining, ResetAt: resetAt}
}

// Delay returns how long a caller must wait before hitting key again.
func (t *BucketTable) Delay(key string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok || b.Remaining > 0 || !now.Before(b.ResetAt) {
		return 0
	}
	return b.ResetAt.Sub(now)
}

// Update refreshes the bucket for key from response headers. Responses that
// carry no rate-limit headers leave the bucket untouched.
func (t *BucketTable) Update(key string, h http.Header, now time.Time) {
	remaining, hasRemaining := parseInt(h.Get("X-RateLimit-Remaining"))
	resetAt, hasReset := parseReset(h, now)
	if !hasRemaining && !hasReset {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok {
		b = &Bucket{Key: key, Remaining: 1}
		t.buckets[key] = b
	}
	if hasRemaining {
		b.Remaining = remaining
	}
	if hasReset {
		b.ResetAt = resetAt
	}
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseReset prefers the relative Reset-After header over the absolute epoch.
func parseReset(h http.Header, now time.Time) (time.Time, bool) {
	if after := h.Get("X-RateLimit-Reset-After"); after != "" {
		if secs, err := strconv.ParseFloat(after, 64); err == nil {
			return now.Add(time.Duration(secs * float64(time.Second))), true
		}
	}
	if reset := h.Get("X-RateLimit-Reset"); reset != "" {
		if secs, err := strconv.ParseFloat(reset, 64); err == nil {
			whole := int64(secs)
			frac := int64((secs - float64(whole)) * 1e9)
			return time.Unix(whole, frac), true
		}
	}
	return time.Time{}, false
}
