package replytiming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/telemetry"
)

type (
	// SendFunc delivers a reply. The context is canceled when the
	// scheduler stops.
	SendFunc func(ctx context.Context)

	// Outbound describes a scheduled reply in transport terms, so a
	// drain handoff can persist the send instead of firing the closure.
	Outbound struct {
		// DealershipID is the tenant the reply belongs to.
		DealershipID uuid.UUID
		// Provider names the messaging adapter.
		Provider string
		// To is the customer's phone number.
		To string
		// Text is the reply body.
		Text string
	}

	// HandoffFunc receives sends the scheduler could not hold until
	// their fire time, typically to persist them as background tasks.
	// remaining is the time left on the timer, zero or negative when
	// the timer was already due. msg is zero when the send was
	// scheduled without one; such sends can only fire inline.
	HandoffFunc func(remaining time.Duration, msg Outbound, send SendFunc)

	// Scheduler owns the timers behind delayed sends. Each Schedule call
	// runs its own timer goroutine; Stop and Drain reclaim them.
	Scheduler struct {
		mu      sync.Mutex
		ctx     context.Context
		cancel  context.CancelFunc
		wg      sync.WaitGroup
		pending map[uint64]*Handle
		nextID  uint64
		closed  bool

		handoff HandoffFunc
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// SchedulerOption configures a Scheduler.
	SchedulerOption func(*Scheduler)

	// Handle tracks one scheduled send.
	Handle struct {
		mu      sync.Mutex
		state   int
		flushed bool
		cancel  chan struct{}
		flush   chan struct{}
		fireAt  time.Time
		msg     Outbound
		send    SendFunc
	}
)

const (
	statePending = iota
	stateFired
	stateCanceled
)

// WithHandoff routes undrained sends to fn instead of firing them inline.
func WithHandoff(fn HandoffFunc) SchedulerOption {
	return func(s *Scheduler) { s.handoff = fn }
}

// WithLogger sets the scheduler logger.
func WithLogger(l telemetry.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the scheduler metrics sink.
func WithMetrics(m telemetry.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler returns a running Scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{pending: make(map[uint64]*Handle)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Schedule arranges for send to run after delay and returns a handle that
// can suppress it. After Stop or Drain the send runs immediately instead.
func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration, send SendFunc) *Handle {
	return s.ScheduleMessage(ctx, delay, Outbound{}, send)
}

// ScheduleMessage is Schedule with the outbound message attached, so a
// drain handoff can persist what would have been sent.
func (s *Scheduler) ScheduleMessage(ctx context.Context, delay time.Duration, msg Outbound, send SendFunc) *Handle {
	h := &Handle{
		cancel: make(chan struct{}),
		flush:  make(chan struct{}),
		fireAt: time.Now().Add(delay),
		msg:    msg,
		send:   send,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.state = stateFired
		s.logger.Warn(ctx, "scheduler closed, sending without delay", "delay", delay.String())
		send(ctx)
		return h
	}
	id := s.nextID
	s.nextID++
	s.pending[id] = h
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug(ctx, "send scheduled", "delay", delay.String())
	go s.wait(id, h, delay)
	return h
}

// Pending reports how many timers have not yet fired or been canceled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending timer without firing and waits for the timer
// goroutines to exit. Scheduled sends that already started keep running
// with a canceled context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info(context.Background(), "scheduler stopped")
}

// Drain stops accepting new timers and settles the pending ones: each send
// is handed to the configured HandoffFunc, or fired immediately when no
// handoff is set. Drain returns once all timer goroutines exit or ctx is
// done, whichever comes first.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	handles := make([]*Handle, 0, len(s.pending))
	for _, h := range s.pending {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.requestFlush()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info(ctx, "scheduler drained", "flushed", len(handles))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) wait(id uint64, h *Handle, delay time.Duration) {
	defer s.wg.Done()
	defer s.remove(id)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		if h.tryFire() {
			s.metrics.IncCounter(telemetry.MetricScheduledSends, 1, "outcome", "fired")
			h.send(s.ctx)
		}
	case <-h.cancel:
		s.metrics.IncCounter(telemetry.MetricScheduledSends, 1, "outcome", "canceled")
	case <-h.flush:
		if !h.tryFire() {
			return
		}
		if s.handoff != nil {
			s.metrics.IncCounter(telemetry.MetricScheduledSends, 1, "outcome", "handed_off")
			s.handoff(time.Until(h.fireAt), h.msg, h.send)
			return
		}
		s.metrics.IncCounter(telemetry.MetricScheduledSends, 1, "outcome", "flushed")
		h.send(s.ctx)
	case <-s.ctx.Done():
		h.markCanceled()
		s.metrics.IncCounter(telemetry.MetricScheduledSends, 1, "outcome", "canceled")
	}
}

func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Cancel suppresses the send if it has not fired yet. It reports whether
// the send was suppressed.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != statePending {
		return false
	}
	h.state = stateCanceled
	close(h.cancel)
	return true
}

// FireAt returns when the timer is due.
func (h *Handle) FireAt() time.Time { return h.fireAt }

// tryFire claims the pending-to-fired transition. Only the claimant may
// invoke the send.
func (h *Handle) tryFire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != statePending {
		return false
	}
	h.state = stateFired
	return true
}

func (h *Handle) markCanceled() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == statePending {
		h.state = stateCanceled
	}
}

func (h *Handle) requestFlush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != statePending || h.flushed {
		return
	}
	h.flushed = true
	close(h.flush)
}
