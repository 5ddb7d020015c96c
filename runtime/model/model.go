// Package model defines the provider-agnostic contract for chat completion
// clients. The prompt builder invokes models through this interface so the
// gateway can run against OpenAI, Anthropic, or Bedrock without coupling to a
// specific SDK. Implementations live under features/model and translate these
// normalized types into provider-specific formats.
package model

import "context"

type (
	// Client is the contract the prompt builder uses to invoke an LLM.
	// Implementations wrap provider SDKs and must be safe for concurrent use
	// across orchestrator passes.
	Client interface {
		// Complete sends a chat completion request and returns the generated
		// response. Implementations map provider failures to *ProviderError so
		// callers can distinguish rate limits and outages from bad requests.
		Complete(ctx context.Context, req Request) (*Response, error)
	}

	// Request captures the normalized parameters for a completion. Fields map
	// to common provider parameters; implementations document any they ignore.
	Request struct {
		// Model is the provider-specific model identifier (e.g. "gpt-4o-mini",
		// "claude-3-5-haiku-latest"). Empty uses the client's configured default.
		Model string

		// System is the system prompt. Providers that model system instructions
		// as a message role translate it accordingly.
		System string

		// Messages is the ordered chat history, oldest first. Roles are
		// RoleUser and RoleAssistant; the system prompt travels separately.
		Messages []Message

		// Temperature controls sampling randomness. Reply generation runs at or
		// below 0.3 to keep the structured output stable.
		Temperature float32

		// MaxTokens caps completion length. Zero uses the provider default.
		MaxTokens int
	}

	// Message is a single chat turn sent to or received from the model.
	Message struct {
		// Role is RoleUser or RoleAssistant.
		Role string

		// Content is the message text.
		Content string
	}

	// Response carries the completion text and usage accounting.
	Response struct {
		// Content is the generated assistant text.
		Content string

		// Usage reports token counts when the provider supplies them; all
		// fields are zero otherwise.
		Usage TokenUsage

		// StopReason explains why generation stopped ("stop", "max_tokens",
		// "content_filter", ...). Values are provider-specific and may be empty.
		StopReason string
	}

	// TokenUsage records prompt and completion token counts for cost tracking.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int

		// OutputTokens counts tokens generated in this completion.
		OutputTokens int

		// TotalTokens is the provider-reported aggregate; prefer it over
		// summing when available.
		TotalTokens int
	}
)

// Message role constants used in Request.Messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
