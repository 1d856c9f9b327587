package correlate

import (
	"errors"
	"sync"
)

var ErrAlreadyResolved = errors.New("future already resolved")

// Future is a single-assignment result slot.
type Future struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	result   *Result
	err      error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve sets the result once. Later calls return ErrAlreadyResolved and
// leave the first result in place.
func (f *Future) Resolve(res *Result, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return ErrAlreadyResolved
	}
	f.resolved = true
	f.result = res
	f.err = err
	close(f.done)
	return nil
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the resolved value. It must only be called after Done is
// closed.
func (f *Future) Result() (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}
