// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates gateway requests into ChatCompletion
// calls using github.com/sashabaranov/go-openai and maps provider failures to
// *model.ProviderError so callers can tell throttling from bad requests.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/driveline-ai/driveline/runtime/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if req.System == "" && len(req.Messages) == 0 {
		return nil, errors.New("openai: request has no content")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	response, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, wrapError("chat_completion", err)
	}
	if len(response.Choices) == 0 {
		return nil, model.NewProviderError("openai", "chat_completion", 0,
			model.ProviderErrorKindUnknown, "", "response has no choices", response.ID, false, nil)
	}
	choice := response.Choices[0]
	return &model.Response{
		Content: choice.Message.Content,
		Usage: model.TokenUsage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
			TotalTokens:  response.Usage.TotalTokens,
		},
		StopReason: string(choice.FinishReason),
	}, nil
}

func wrapError(operation string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind, retryable := classifyStatus(apiErr.HTTPStatusCode)
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprintf("%v", apiErr.Code)
		}
		return model.NewProviderError("openai", operation, apiErr.HTTPStatusCode,
			kind, code, apiErr.Message, "", retryable, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind, retryable := classifyStatus(reqErr.HTTPStatusCode)
		return model.NewProviderError("openai", operation, reqErr.HTTPStatusCode,
			kind, "", err.Error(), "", retryable, err)
	}
	// Transport failures (timeouts, resets) are worth retrying.
	return model.NewProviderError("openai", operation, 0,
		model.ProviderErrorKindUnavailable, "", err.Error(), "", true, err)
}

func classifyStatus(status int) (model.ProviderErrorKind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.ProviderErrorKindAuth, false
	case status == http.StatusTooManyRequests:
		return model.ProviderErrorKindRateLimited, true
	case status == http.StatusRequestTimeout || status >= 500:
		return model.ProviderErrorKindUnavailable, true
	case status >= 400:
		return model.ProviderErrorKindInvalidRequest, false
	default:
		return model.ProviderErrorKindUnknown, false
	}
}
