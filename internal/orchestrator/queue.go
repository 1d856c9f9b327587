package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/gridclaw/internal/types"
)

const (
	laneBuffer  = 100
	defaultLane = "default"
)

var ErrQueueStopped = errors.New("queue stopped")

// Runner runs a whole post.
type Runner interface {
	RunPost(ctx context.Context, post *types.Post) ([]*Job, error)
}

// Submission is a queued post.
type Submission struct {
	Post       *types.Post
	EnqueuedAt time.Time
	// OnDone is called with the post's jobs once it has run.
	OnDone func(jobs []*Job, err error)
}

// Queue runs submitted posts one at a time. Each channel gets its own FIFO
// lane; a weight-1 semaphore lets only one lane drive the command client at
// once, since correlation cannot tell overlapping jobs apart.
type Queue struct {
	lanes     map[string]chan *Submission
	semaphore *semaphore.Weighted
	runner    Runner
	active    atomic.Int64
	pending   atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewQueue(runner Runner) *Queue {
	return &Queue{
		lanes:     make(map[string]chan *Submission),
		semaphore: semaphore.NewWeighted(1),
		runner:    runner,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// posts to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds post to its channel's lane, creating the lane on first use.
func (q *Queue) Enqueue(post *types.Post, onDone func([]*Job, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.ctx == nil {
		return ErrQueueStopped
	}
	if post.ID == "" {
		post.ID = types.NewPostID()
	}

	key := post.ChannelID
	if key == "" {
		key = defaultLane
	}
	lane, ok := q.lanes[key]
	if !ok {
		lane = make(chan *Submission, laneBuffer)
		q.lanes[key] = lane
		q.wg.Add(1)
		go q.processLane(key, lane)
	}

	sub := &Submission{Post: post, EnqueuedAt: time.Now(), OnDone: onDone}
	q.pending.Add(1)
	select {
	case lane <- sub:
		slog.Info("post queued", "post_id", string(post.ID), "lane", key, "variations", len(post.Variations))
		return nil
	default:
		q.pending.Add(-1)
		return fmt.Errorf("queue full for lane %s", key)
	}
}

func (q *Queue) processLane(key string, lane chan *Submission) {
	defer q.wg.Done()
	for {
		select {
		case sub, ok := <-lane:
			if !ok {
				return
			}
			q.active.Add(1)
			q.pending.Add(-1)
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.active.Add(-1)
				if sub.OnDone != nil {
					sub.OnDone(nil, err)
				}
				return
			}
			jobs, err := q.runner.RunPost(q.ctx, sub.Post)
			if err != nil {
				slog.Error("post failed", "post_id", string(sub.Post.ID), "lane", key, "error", err)
			}
			q.semaphore.Release(1)
			if sub.OnDone != nil {
				sub.OnDone(jobs, err)
			}
			q.active.Add(-1)
		case <-q.ctx.Done():
			return
		}
	}
}

// Pending is the number of posts waiting in lanes.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Active is the number of posts dequeued and not yet finished.
func (q *Queue) Active() int {
	return int(q.active.Load())
}

// WaitIdle blocks until no posts are waiting or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 && q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
