package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gridclaw/internal/types"
)

type runnerFunc func(ctx context.Context, post *types.Post) ([]*Job, error)

func (f runnerFunc) RunPost(ctx context.Context, post *types.Post) ([]*Job, error) {
	return f(ctx, post)
}

func TestQueueRunsOnePostAtATime(t *testing.T) {
	var running, maxSeen int32
	q := NewQueue(runnerFunc(func(context.Context, *types.Post) ([]*Job, error) {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	}))
	q.Start(context.Background())
	defer q.Stop()

	for i := range 6 {
		post := &types.Post{Prompt: "p", ChannelID: fmt.Sprintf("chan-%d", i%3)}
		require.NoError(t, q.Enqueue(post, nil))
	}

	require.True(t, q.WaitIdle(2*time.Second))
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, 0, q.Active())
}

func TestQueueLaneOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []string
	q := NewQueue(runnerFunc(func(_ context.Context, post *types.Post) ([]*Job, error) {
		mu.Lock()
		order = append(order, post.Prompt)
		mu.Unlock()
		return nil, nil
	}))
	q.Start(context.Background())
	defer q.Stop()

	for i := range 5 {
		require.NoError(t, q.Enqueue(&types.Post{Prompt: fmt.Sprint(i)}, nil))
	}
	require.True(t, q.WaitIdle(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, order)
}

func TestQueueOnDone(t *testing.T) {
	want := []*Job{{ID: "job-1"}}
	q := NewQueue(runnerFunc(func(context.Context, *types.Post) ([]*Job, error) {
		return want, fmt.Errorf("abandoned")
	}))
	q.Start(context.Background())
	defer q.Stop()

	post := &types.Post{Prompt: "p"}
	done := make(chan struct{})
	require.NoError(t, q.Enqueue(post, func(jobs []*Job, err error) {
		assert.Equal(t, want, jobs)
		assert.EqualError(t, err, "abandoned")
		close(done)
	}))
	assert.NotEmpty(t, post.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnDone")
	}
}

func TestQueueStopped(t *testing.T) {
	q := NewQueue(runnerFunc(func(context.Context, *types.Post) ([]*Job, error) { return nil, nil }))
	assert.ErrorIs(t, q.Enqueue(&types.Post{}, nil), ErrQueueStopped)

	q.Start(context.Background())
	q.Stop()
	assert.ErrorIs(t, q.Enqueue(&types.Post{}, nil), ErrQueueStopped)
	q.Stop()
}
