package tasks_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/model"
	"github.com/driveline-ai/driveline/runtime/tasks"
)

func transientErr() error {
	return model.NewProviderError("openai", "embed", http.StatusServiceUnavailable,
		model.ProviderErrorKindUnavailable, "", "service unavailable", "", true, nil)
}

func waitForStatus(t *testing.T, m *tasks.Manager, id uuid.UUID, want tasks.Status) tasks.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := m.Get(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := m.Get(id)
	t.Fatalf("task never reached %s, last status %s (attempts %d, last error %q)",
		want, task.Status, task.Attempts, task.LastError)
	return tasks.Task{}
}

func TestEnqueueRunsHandler(t *testing.T) {
	m := tasks.NewManager(tasks.WithRetryDelay(time.Millisecond))
	defer m.Stop()

	var got atomic.Value
	m.Register(tasks.KindEmbeddingBuild, func(_ context.Context, task tasks.Task) error {
		got.Store(task.Payload)
		return nil
	})
	m.Start()

	payload := tasks.EmbeddingBuildPayload{DealershipID: uuid.New(), VehicleID: uuid.New()}
	id, err := m.Enqueue(context.Background(), tasks.KindEmbeddingBuild, payload)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, tasks.StatusCompleted)
	require.Equal(t, 1, task.Attempts)
	require.Empty(t, task.LastError)
	require.Equal(t, payload, got.Load())
}

func TestTransientErrorsRetryUpToThreeAttempts(t *testing.T) {
	m := tasks.NewManager(tasks.WithRetryDelay(time.Millisecond))
	defer m.Stop()

	var calls atomic.Int32
	m.Register(tasks.KindEmbeddingBuild, func(context.Context, tasks.Task) error {
		if calls.Add(1) < 3 {
			return transientErr()
		}
		return nil
	})
	m.Start()

	id, err := m.Enqueue(context.Background(), tasks.KindEmbeddingBuild, nil)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, tasks.StatusCompleted)
	require.Equal(t, 3, task.Attempts)
	require.Equal(t, int32(3), calls.Load())
}

func TestTransientErrorsExhaustToFailed(t *testing.T) {
	m := tasks.NewManager(tasks.WithRetryDelay(time.Millisecond))
	defer m.Stop()

	m.Register(tasks.KindEmbeddingBuild, func(context.Context, tasks.Task) error {
		return transientErr()
	})
	m.Start()

	id, err := m.Enqueue(context.Background(), tasks.KindEmbeddingBuild, nil)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, tasks.StatusFailed)
	require.Equal(t, 3, task.Attempts)
	require.Contains(t, task.LastError, "service unavailable")
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	m := tasks.NewManager(tasks.WithRetryDelay(time.Millisecond))
	defer m.Stop()

	var calls atomic.Int32
	m.Register(tasks.KindEmbeddingDelete, func(context.Context, tasks.Task) error {
		calls.Add(1)
		return errors.New("bad payload shape")
	})
	m.Start()

	id, err := m.Enqueue(context.Background(), tasks.KindEmbeddingDelete, nil)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, tasks.StatusFailed)
	require.Equal(t, 1, task.Attempts)
	require.Equal(t, int32(1), calls.Load())
}

func TestUnknownKindFailsWithoutRetry(t *testing.T) {
	m := tasks.NewManager()
	defer m.Stop()
	m.Start()

	id, err := m.Enqueue(context.Background(), tasks.Kind("mystery"), nil)
	require.NoError(t, err)

	task := waitForStatus(t, m, id, tasks.StatusFailed)
	require.Zero(t, task.Attempts)
	require.Contains(t, task.LastError, "no handler")
}

func TestEnqueueValidation(t *testing.T) {
	m := tasks.NewManager()
	defer m.Stop()

	_, err := m.Enqueue(context.Background(), "", nil)
	require.Error(t, err)
}

func TestEnqueueAfterStop(t *testing.T) {
	m := tasks.NewManager()
	m.Start()
	m.Stop()

	_, err := m.Enqueue(context.Background(), tasks.KindDelayedSend, nil)
	require.ErrorIs(t, err, tasks.ErrClosed)
}

func TestQueueFull(t *testing.T) {
	// No workers started, so nothing drains the queue.
	m := tasks.NewManager(tasks.WithQueueCapacity(2))
	defer m.Stop()

	_, err := m.Enqueue(context.Background(), tasks.KindDelayedSend, nil)
	require.NoError(t, err)
	_, err = m.Enqueue(context.Background(), tasks.KindDelayedSend, nil)
	require.NoError(t, err)
	_, err = m.Enqueue(context.Background(), tasks.KindDelayedSend, nil)
	require.ErrorIs(t, err, tasks.ErrQueueFull)
	require.Len(t, m.List(), 2, "rejected tasks do not linger in the registry")
}

func TestGCRemovesOldTerminalTasks(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := tasks.NewManager(tasks.WithClock(clock), tasks.WithRetryDelay(time.Millisecond))
	defer m.Stop()

	m.Register(tasks.KindEmbeddingBuild, func(context.Context, tasks.Task) error { return nil })
	m.Start()

	doneID, err := m.Enqueue(context.Background(), tasks.KindEmbeddingBuild, nil)
	require.NoError(t, err)
	waitForStatus(t, m, doneID, tasks.StatusCompleted)

	// Young terminal tasks survive.
	require.Zero(t, m.GC(now.Add(time.Hour)))

	// A day later they are collected.
	require.Equal(t, 1, m.GC(now.Add(25*time.Hour)))
	_, err = m.Get(doneID)
	require.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestGCKeepsQueuedTasks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m := tasks.NewManager(tasks.WithClock(func() time.Time { return now }))
	defer m.Stop()

	// Not started: the task stays queued forever.
	id, err := m.Enqueue(context.Background(), tasks.KindDelayedSend, nil)
	require.NoError(t, err)

	require.Zero(t, m.GC(now.Add(48*time.Hour)))
	task, err := m.Get(id)
	require.NoError(t, err)
	require.Equal(t, tasks.StatusQueued, task.Status)
}

func TestListNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var (
		mu  sync.Mutex
		now = base
	)
	m := tasks.NewManager(tasks.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}))
	defer m.Stop()

	first, err := m.Enqueue(context.Background(), tasks.KindDelayedSend, nil)
	require.NoError(t, err)
	mu.Lock()
	now = base.Add(time.Minute)
	mu.Unlock()
	second, err := m.Enqueue(context.Background(), tasks.KindDelayedSend, nil)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, second, list[0].ID)
	require.Equal(t, first, list[1].ID)
}

func TestConcurrentEnqueue(t *testing.T) {
	m := tasks.NewManager(tasks.WithWorkers(4), tasks.WithQueueCapacity(128))
	defer m.Stop()

	var ran atomic.Int32
	m.Register(tasks.KindEmbeddingBuild, func(context.Context, tasks.Task) error {
		ran.Add(1)
		return nil
	})
	m.Start()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.Enqueue(context.Background(), tasks.KindEmbeddingBuild, i)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		waitForStatus(t, m, id, tasks.StatusCompleted)
	}
	require.Equal(t, int32(32), ran.Load())
}
