package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRetrier struct {
	calls atomic.Int32
	limit atomic.Int32
	fail  bool
}

func (r *countingRetrier) RetryDeliveries(_ context.Context, limit int) (int, error) {
	r.calls.Add(1)
	r.limit.Store(int32(limit))
	if r.fail {
		return 0, errors.New("database locked")
	}
	return 1, nil
}

func TestWorker_RetriesUntilStopped(t *testing.T) {
	r := &countingRetrier{}
	w := New(r, 10*time.Millisecond, 25)
	w.Start()
	w.Start()

	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 25, r.limit.Load())

	w.Stop()
	w.Stop()
	after := r.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, r.calls.Load(), "no passes after Stop")
}

func TestWorker_KeepsRunningAfterErrors(t *testing.T) {
	r := &countingRetrier{fail: true}
	w := New(r, 5*time.Millisecond, 0)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 50, r.limit.Load(), "default batch")
}

func TestWorker_StopWithoutStart(t *testing.T) {
	w := New(&countingRetrier{}, time.Second, 1)
	w.Stop()
	w.Start()
	// Start after Stop is a no-op
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.False(t, w.started)
}
