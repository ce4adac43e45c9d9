package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(workers, queue int) *PoolConfig {
	return &PoolConfig{
		Name:            "test",
		NumWorkers:      workers,
		QueueSize:       queue,
		TaskTimeout:     time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig(4, 16))
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	var count atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.SubmitFunc(func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			return nil
		}))
	}
	wg.Wait()

	assert.Equal(t, int64(10), count.Load())
	require.Eventually(t, func() bool { return p.Stats().TasksCompleted == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(10), p.Stats().TasksSubmitted)
}

func TestPoolCountsFailuresAndPanics(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig(1, 4))
	p.Start()
	defer p.Stop()

	require.NoError(t, p.SubmitFunc(func(ctx context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.SubmitFunc(func(ctx context.Context) error { panic("bad task") }))

	require.Eventually(t, func() bool { return p.Stats().TasksFailed == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().PanicRecovered)
	assert.True(t, p.IsRunning())
}

func TestPoolTaskDeadline(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.TaskTimeout = 20 * time.Millisecond
	p := NewPool(zap.NewNop(), cfg)
	p.Start()
	defer p.Stop()

	errCh := make(chan error, 1)
	require.NoError(t, p.SubmitFunc(func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("task deadline not applied")
	}
}

func TestPoolRejectsWhenNotRunning(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig(1, 1))

	err := p.SubmitFunc(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.Equal(t, int64(1), p.Stats().TasksRejected)
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig(1, 1))
	p.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.NoError(t, p.SubmitFunc(func(ctx context.Context) error { return nil }))
	err := p.SubmitFunc(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, p.Stop())
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := NewPool(zap.NewNop(), testConfig(1, 8))
	p.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.SubmitFunc(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	var cancelled atomic.Int64
	for i := 0; i < 3; i++ {
		require.NoError(t, p.SubmitFunc(func(ctx context.Context) error {
			if ctx.Err() != nil {
				cancelled.Add(1)
			}
			return nil
		}))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, p.Stop())

	assert.Equal(t, int64(3), cancelled.Load())
	assert.False(t, p.IsRunning())
	assert.ErrorIs(t, p.SubmitFunc(func(ctx context.Context) error { return nil }), ErrPoolStopped)
}
