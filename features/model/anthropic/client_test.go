package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/driveline-ai/driveline/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{
		DefaultModel: "claude-haiku-4-5",
		MaxTokens:    256,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{
				Type: "text",
				Text: `{"message":"We can do 2pm."}`,
			},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage: sdk.Usage{
			InputTokens:  120,
			OutputTokens: 40,
		},
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		System: "You are a dealership sales assistant.",
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "Can I come by at 2pm?"},
		},
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"message":"We can do 2pm."}` {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.StopReason != string(sdk.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 120 || resp.Usage.OutputTokens != 40 || resp.Usage.TotalTokens != 160 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	params := stub.lastParams
	if params.Model != sdk.Model("claude-haiku-4-5") {
		t.Fatalf("unexpected model %q", params.Model)
	}
	if params.MaxTokens != 256 {
		t.Fatalf("unexpected max tokens %d", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "You are a dealership sales assistant." {
		t.Fatalf("unexpected system blocks: %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(params.Messages))
	}
	if string(params.Messages[0].Role) != "user" {
		t.Fatalf("unexpected role %q", params.Messages[0].Role)
	}
}

func TestComplete_JoinsTextBlocks(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "first"},
				{Type: "tool_use"},
				{Type: "text", Text: "second"},
			},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-haiku-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "first\nsecond" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

func TestComplete_SkipsEmptyMessagesAndOverridesModel(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	cl, err := New(stub, Options{DefaultModel: "claude-haiku-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 512,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "hello"},
			{Role: model.RoleAssistant, Content: ""},
			{Role: model.RoleUser, Content: "anyone there?"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if stub.lastParams.Model != sdk.Model("claude-sonnet-4-5") {
		t.Fatalf("unexpected model %q", stub.lastParams.Model)
	}
	if stub.lastParams.MaxTokens != 512 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(stub.lastParams.Messages))
	}
}

func TestComplete_RequiresConversation(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-haiku-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{System: "system only"})
	if err == nil || !strings.Contains(err.Error(), "message") {
		t.Fatalf("expected missing message error, got %v", err)
	}
}

func TestComplete_RequiresMaxTokens(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-haiku-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err == nil || !strings.Contains(err.Error(), "max_tokens") {
		t.Fatalf("expected max_tokens error, got %v", err)
	}
}

func TestComplete_RejectsUnknownRole(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-haiku-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: "system", Content: "nope"}},
	})
	if err == nil || !strings.Contains(err.Error(), "unsupported message role") {
		t.Fatalf("expected role error, got %v", err)
	}
}

func TestComplete_WrapsAPIErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		kind      model.ProviderErrorKind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, model.ProviderErrorKindRateLimited, true},
		{"auth", http.StatusUnauthorized, model.ProviderErrorKindAuth, false},
		{"overloaded", 529, model.ProviderErrorKindUnavailable, true},
		{"invalid request", http.StatusBadRequest, model.ProviderErrorKindInvalidRequest, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubMessagesClient{err: &sdk.Error{StatusCode: tc.status}}
			cl, err := New(stub, Options{DefaultModel: "claude-haiku-4-5", MaxTokens: 128})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			_, err = cl.Complete(context.Background(), model.Request{
				Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
			})
			perr, ok := model.AsProviderError(err)
			if !ok {
				t.Fatalf("expected provider error, got %v", err)
			}
			if perr.Provider() != "anthropic" || perr.Operation() != "messages.new" {
				t.Fatalf("unexpected provider/operation: %s/%s", perr.Provider(), perr.Operation())
			}
			if perr.HTTPStatus() != tc.status {
				t.Fatalf("unexpected status %d", perr.HTTPStatus())
			}
			if perr.Kind() != tc.kind {
				t.Fatalf("unexpected kind %q", perr.Kind())
			}
			if perr.Retryable() != tc.retryable {
				t.Fatalf("unexpected retryable %v", perr.Retryable())
			}
		})
	}
}

func TestComplete_WrapsTransportErrors(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	stub := &stubMessagesClient{err: cause}
	cl, err := New(stub, Options{DefaultModel: "claude-haiku-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	perr, ok := model.AsProviderError(err)
	if !ok {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.Kind() != model.ProviderErrorKindUnavailable || !perr.Retryable() {
		t.Fatalf("unexpected classification: %q retryable=%v", perr.Kind(), perr.Retryable())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, Options{DefaultModel: "claude-haiku-4-5"}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := New(&stubMessagesClient{}, Options{}); err == nil {
		t.Fatal("expected error for missing default model")
	}
}
