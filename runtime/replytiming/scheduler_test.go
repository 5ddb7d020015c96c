package replytiming_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/runtime/replytiming"
)

func TestScheduleFires(t *testing.T) {
	s := replytiming.NewScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	s.Schedule(context.Background(), 5*time.Millisecond, func(context.Context) {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not fire")
	}
}

func TestCancelSuppressesSend(t *testing.T) {
	s := replytiming.NewScheduler()
	defer s.Stop()

	var fired atomic.Bool
	h := s.Schedule(context.Background(), 250*time.Millisecond, func(context.Context) {
		fired.Store(true)
	})
	require.True(t, h.Cancel())
	require.False(t, h.Cancel())

	time.Sleep(400 * time.Millisecond)
	require.False(t, fired.Load())
	require.Zero(t, s.Pending())
}

func TestCancelAfterFireReportsFalse(t *testing.T) {
	s := replytiming.NewScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	h := s.Schedule(context.Background(), time.Millisecond, func(context.Context) {
		close(fired)
	})
	<-fired
	require.False(t, h.Cancel())
}

func TestStopCancelsPendingTimers(t *testing.T) {
	s := replytiming.NewScheduler()

	var fired atomic.Int32
	for i := 0; i < 5; i++ {
		s.Schedule(context.Background(), time.Hour, func(context.Context) {
			fired.Add(1)
		})
	}
	require.Equal(t, 5, s.Pending())

	s.Stop()
	require.Zero(t, fired.Load())
	require.Zero(t, s.Pending())
}

func TestDrainFiresPendingSends(t *testing.T) {
	s := replytiming.NewScheduler()

	var fired atomic.Int32
	for i := 0; i < 3; i++ {
		s.Schedule(context.Background(), time.Hour, func(context.Context) {
			fired.Add(1)
		})
	}

	require.NoError(t, s.Drain(context.Background()))
	require.Equal(t, int32(3), fired.Load())
	require.Zero(t, s.Pending())
}

func TestDrainHandsOffWhenConfigured(t *testing.T) {
	var mu sync.Mutex
	var remainders []time.Duration
	s := replytiming.NewScheduler(replytiming.WithHandoff(func(remaining time.Duration, _ replytiming.Outbound, send replytiming.SendFunc) {
		mu.Lock()
		remainders = append(remainders, remaining)
		mu.Unlock()
	}))

	var fired atomic.Int32
	s.Schedule(context.Background(), time.Hour, func(context.Context) {
		fired.Add(1)
	})

	require.NoError(t, s.Drain(context.Background()))
	require.Zero(t, fired.Load(), "handed-off sends must not fire inline")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, remainders, 1)
	require.Greater(t, remainders[0], 59*time.Minute)
}

func TestDrainHandsOffOutboundMessage(t *testing.T) {
	var mu sync.Mutex
	var handed []replytiming.Outbound
	var dues []time.Time
	s := replytiming.NewScheduler(replytiming.WithHandoff(func(remaining time.Duration, msg replytiming.Outbound, send replytiming.SendFunc) {
		mu.Lock()
		handed = append(handed, msg)
		dues = append(dues, time.Now().Add(remaining))
		mu.Unlock()
	}))

	dealershipID := uuid.New()
	var fired atomic.Bool
	s.ScheduleMessage(context.Background(), time.Hour, replytiming.Outbound{
		DealershipID: dealershipID,
		Provider:     "twilio",
		To:           "+15557770001",
		Text:         "Still thinking it over?",
	}, func(context.Context) {
		fired.Store(true)
	})

	require.NoError(t, s.Drain(context.Background()))
	require.False(t, fired.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handed, 1)
	require.Equal(t, dealershipID, handed[0].DealershipID)
	require.Equal(t, "twilio", handed[0].Provider)
	require.Equal(t, "+15557770001", handed[0].To)
	require.Equal(t, "Still thinking it over?", handed[0].Text)
	require.WithinDuration(t, time.Now().Add(time.Hour), dues[0], time.Minute)
}

func TestScheduleAfterStopSendsImmediately(t *testing.T) {
	s := replytiming.NewScheduler()
	s.Stop()

	var fired atomic.Bool
	s.Schedule(context.Background(), time.Hour, func(context.Context) {
		fired.Store(true)
	})
	require.True(t, fired.Load())
}

func TestCanceledHandleDoesNotFireOnDrain(t *testing.T) {
	s := replytiming.NewScheduler()

	var fired atomic.Bool
	h := s.Schedule(context.Background(), time.Hour, func(context.Context) {
		fired.Store(true)
	})
	require.True(t, h.Cancel())

	require.NoError(t, s.Drain(context.Background()))
	require.False(t, fired.Load())
}
