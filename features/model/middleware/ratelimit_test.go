package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/driveline-ai/driveline/runtime/model"
)

type fakeClient struct {
	completeErr error

	completeCalls int
}

func (f *fakeClient) Complete(_ context.Context, _ model.Request) (*model.Response, error) {
	f.completeCalls++
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &model.Response{Content: "ok"}, nil
}

func rateLimitedErr() error {
	return model.NewProviderError("anthropic", "complete", 429,
		model.ProviderErrorKindRateLimited, "rate_limit_error", "throttled", "", true, nil)
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.currentTPM

	client := &fakeClient{completeErr: rateLimitedErr()}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hello"}},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), req)
	var pe *model.ProviderError
	if err == nil || !errors.As(err, &pe) || pe.Kind() != model.ProviderErrorKindRateLimited {
		t.Fatalf("expected rate limited provider error, got %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_NoBackoffOnOtherErrors(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)

	initialTPM := limiter.currentTPM

	client := &fakeClient{
		completeErr: model.NewProviderError("anthropic", "complete", 500,
			model.ProviderErrorKindUnavailable, "", "overloaded", "", true, nil),
	}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hello"}},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), req)
	if err == nil {
		t.Fatal("expected provider error")
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM != initialTPM {
		t.Fatalf("expected TPM unchanged on non-throttle error, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "hello"}},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	if limiter.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)",
			limiter.currentTPM, initialTPM)
	}
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	limiter.currentTPM = 60
	// An impossible limiter so any non-zero token request fails immediately.
	// This exercises the error path without relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	req := model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: strings.Repeat("a", 600)},
		},
		MaxTokens: 10,
	}

	_, err := wrapped.Complete(context.Background(), req)
	if err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls",
			client.completeCalls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	smallReq := model.Request{
		System:   "You are a dealership assistant.",
		Messages: []model.Message{{Role: model.RoleUser, Content: "short"}},
	}
	bigReq := model.Request{
		System: "You are a dealership assistant.",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "do you still have that blue 2022 Honda CR-V listed"},
			{Role: model.RoleAssistant, Content: "yes, the EX-L trim with 28k miles is still available"},
			{Role: model.RoleUser, Content: "great, can I come by Saturday morning for a test drive"},
		},
	}

	small := estimateTokens(smallReq)
	big := estimateTokens(bigReq)

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d",
			small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d",
			small, big)
	}
}
