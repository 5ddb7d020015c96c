// Package tasks runs background work with bounded retry. The manager keeps
// a process-wide registry of enqueued tasks, executes them on a small fixed
// worker pool, and garbage-collects finished entries after a day.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/retry"
	"github.com/driveline-ai/driveline/runtime/telemetry"
)

type (
	// Kind names a registered task type.
	Kind string

	// Status is a task's lifecycle state.
	Status string

	// Task is one unit of background work.
	Task struct {
		// ID is the unique task identifier.
		ID uuid.UUID `json:"id"`
		// Kind selects the registered handler.
		Kind Kind `json:"kind"`
		// Payload is the kind-specific argument struct.
		Payload any `json:"payload"`
		// Status is the current lifecycle state.
		Status Status `json:"status"`
		// Attempts counts handler invocations so far.
		Attempts int `json:"attempts"`
		// LastError is the message from the most recent failed attempt.
		LastError string `json:"last_error,omitempty"`
		// EnqueuedAt is when the task entered the registry.
		EnqueuedAt time.Time `json:"enqueued_at"`
		// UpdatedAt is the time of the last state change.
		UpdatedAt time.Time `json:"updated_at"`
	}

	// HandlerFunc executes one task attempt. Returning an error the retry
	// classifier considers transient schedules another attempt.
	HandlerFunc func(ctx context.Context, task Task) error

	// Queue is the producer-side contract. The in-process Manager
	// implements it; features/tasks/temporal provides a durable one.
	Queue interface {
		// Enqueue registers work and returns its task ID.
		Enqueue(ctx context.Context, kind Kind, payload any) (uuid.UUID, error)
	}

	// Manager is the in-process task registry and worker pool.
	Manager struct {
		mu       sync.Mutex
		tasks    map[uuid.UUID]*Task
		handlers map[Kind]HandlerFunc
		queue    chan uuid.UUID
		closed   bool

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		workers    int
		retryDelay time.Duration
		maxAttempt int
		gcAge      time.Duration
		gcInterval time.Duration
		clock      func() time.Time

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// Task kinds the gateway enqueues.
const (
	// KindEmbeddingBuild rebuilds one vehicle's embedding vector.
	KindEmbeddingBuild Kind = "embedding_build"
	// KindEmbeddingDelete drops one vehicle's embedding vector.
	KindEmbeddingDelete Kind = "embedding_delete"
	// KindDelayedSend delivers a reply whose timer was handed off at
	// shutdown.
	KindDelayedSend Kind = "delayed_send"
)

// Task lifecycle states.
const (
	// StatusQueued means the task waits for a worker.
	StatusQueued Status = "queued"
	// StatusRunning means a handler attempt is in flight.
	StatusRunning Status = "running"
	// StatusRetrying means an attempt failed and another is scheduled.
	StatusRetrying Status = "retrying"
	// StatusCompleted means a handler attempt succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means attempts are exhausted or the error was not
	// retryable.
	StatusFailed Status = "failed"
)

const (
	// DefaultWorkers bounds concurrent task execution, protecting the
	// embedding provider from bursts.
	DefaultWorkers = 4
	// DefaultRetryDelay is the fixed pause between attempts.
	DefaultRetryDelay = 5 * time.Second
	// DefaultMaxAttempts caps handler invocations per task.
	DefaultMaxAttempts = 3
	// DefaultGCAge is how long finished tasks stay visible.
	DefaultGCAge = 24 * time.Hour

	defaultQueueCapacity = 256
	defaultGCInterval    = time.Hour
)

type (
	// EmbeddingBuildPayload is the argument for KindEmbeddingBuild.
	EmbeddingBuildPayload struct {
		DealershipID uuid.UUID `json:"dealership_id"`
		VehicleID    uuid.UUID `json:"vehicle_id"`
	}

	// EmbeddingDeletePayload is the argument for KindEmbeddingDelete.
	EmbeddingDeletePayload struct {
		DealershipID uuid.UUID `json:"dealership_id"`
		VehicleID    uuid.UUID `json:"vehicle_id"`
	}

	// DelayedSendPayload is the argument for KindDelayedSend.
	DelayedSendPayload struct {
		DealershipID uuid.UUID `json:"dealership_id"`
		Provider     string    `json:"provider"`
		To           string    `json:"to"`
		Text         string    `json:"text"`
		FireAt       time.Time `json:"fire_at"`
	}
)

var (
	// ErrNotFound is returned when a task ID is unknown.
	ErrNotFound = errors.New("tasks: not found")
	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("tasks: queue full")
	// ErrClosed is returned when enqueueing after Stop.
	ErrClosed = errors.New("tasks: manager closed")
)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithRetryDelay sets the fixed pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.retryDelay = d
		}
	}
}

// WithMaxAttempts caps handler invocations per task.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempt = n
		}
	}
}

// WithGCAge sets how long finished tasks stay visible.
func WithGCAge(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.gcAge = d
		}
	}
}

// WithQueueCapacity bounds how many tasks can wait for a worker.
func WithQueueCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queue = make(chan uuid.UUID, n)
		}
	}
}

// WithClock replaces the time source. Tests use a fake clock to exercise
// garbage collection.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the manager metrics sink.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager returns a Manager. Call Register for each kind, then Start.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tasks:      make(map[uuid.UUID]*Task),
		handlers:   make(map[Kind]HandlerFunc),
		queue:      make(chan uuid.UUID, defaultQueueCapacity),
		workers:    DefaultWorkers,
		retryDelay: DefaultRetryDelay,
		maxAttempt: DefaultMaxAttempts,
		gcAge:      DefaultGCAge,
		gcInterval: defaultGCInterval,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewNoopMetrics()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Register binds a handler to a kind, replacing any previous binding.
// Tasks of unregistered kinds fail without retry.
func (m *Manager) Register(kind Kind, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// Start launches the worker pool and the garbage collection loop.
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.gcLoop()
	m.logger.Info(m.ctx, "task manager started", "workers", m.workers)
}

// Stop interrupts running attempts and waits for workers to exit. Tasks
// still queued or mid-retry keep their last recorded status.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info(context.Background(), "task manager stopped")
}

// Enqueue implements Queue.
func (m *Manager) Enqueue(_ context.Context, kind Kind, payload any) (uuid.UUID, error) {
	if kind == "" {
		return uuid.Nil, errors.New("tasks: kind is required")
	}

	now := m.clock().UTC()
	t := &Task{
		ID:         uuid.New(),
		Kind:       kind,
		Payload:    payload,
		Status:     StatusQueued,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uuid.Nil, ErrClosed
	}
	m.tasks[t.ID] = t
	m.mu.Unlock()

	select {
	case m.queue <- t.ID:
	default:
		m.mu.Lock()
		delete(m.tasks, t.ID)
		m.mu.Unlock()
		return uuid.Nil, ErrQueueFull
	}
	return t.ID, nil
}

// Get returns a snapshot of the task or ErrNotFound.
func (m *Manager) Get(id uuid.UUID) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

// List returns snapshots of all registered tasks, newest first.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// GC removes completed and failed tasks whose last update is older than the
// configured age. It returns how many were removed.
func (m *Manager) GC(now time.Time) int {
	cutoff := now.Add(-m.gcAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		if t.Status != StatusCompleted && t.Status != StatusFailed {
			continue
		}
		if t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case id := <-m.queue:
			m.run(id)
		}
	}
}

func (m *Manager) gcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.GC(m.clock()); n > 0 {
				m.logger.Debug(m.ctx, "task gc", "removed", n)
			}
		}
	}
}

// run drives one task through its attempts.
func (m *Manager) run(id uuid.UUID) {
	snapshot, handler, ok := m.begin(id)
	if !ok {
		return
	}
	if handler == nil {
		m.finish(id, StatusFailed, 0, fmt.Sprintf("tasks: no handler for kind %q", snapshot.Kind))
		m.metrics.IncCounter(telemetry.MetricTasksRun, 1, "kind", string(snapshot.Kind), "outcome", "failed")
		return
	}

	for {
		err := handler(m.ctx, snapshot)
		snapshot.Attempts++
		if err == nil {
			m.finish(id, StatusCompleted, snapshot.Attempts, "")
			m.metrics.IncCounter(telemetry.MetricTasksRun, 1, "kind", string(snapshot.Kind), "outcome", "completed")
			return
		}

		if !retry.IsRetryable(err) || snapshot.Attempts >= m.maxAttempt {
			m.finish(id, StatusFailed, snapshot.Attempts, err.Error())
			m.metrics.IncCounter(telemetry.MetricTasksRun, 1, "kind", string(snapshot.Kind), "outcome", "failed")
			m.logger.Warn(m.ctx, "task failed",
				"task_id", id.String(), "kind", string(snapshot.Kind),
				"attempts", snapshot.Attempts, "err", err.Error())
			return
		}

		m.markRetrying(id, snapshot.Attempts, err.Error())
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.retryDelay):
		}
		snapshot, handler, ok = m.begin(id)
		if !ok {
			return
		}
	}
}

// begin flips the task to running and returns a snapshot plus its handler.
func (m *Manager) begin(id uuid.UUID) (Task, HandlerFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, nil, false
	}
	t.Status = StatusRunning
	t.UpdatedAt = m.clock().UTC()
	return *t, m.handlers[t.Kind], true
}

func (m *Manager) markRetrying(id uuid.UUID, attempts int, lastErr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	t.Status = StatusRetrying
	t.Attempts = attempts
	t.LastError = lastErr
	t.UpdatedAt = m.clock().UTC()
}

func (m *Manager) finish(id uuid.UUID, status Status, attempts int, lastErr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return
	}
	t.Status = status
	t.Attempts = attempts
	t.LastError = lastErr
	t.UpdatedAt = m.clock().UTC()
}
