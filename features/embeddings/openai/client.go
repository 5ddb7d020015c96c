// Package openai provides an embedding.Client implementation backed by the
// OpenAI Embeddings API. Vectors come back in input order regardless of the
// order the API returns them in, and provider failures map to
// *model.ProviderError.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/driveline-ai/driveline/runtime/model"
)

// EmbeddingsAPI captures the subset of the go-openai client used by the
// adapter.
type EmbeddingsAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (
		openai.EmbeddingResponse, error)
}

// Options configures the OpenAI embeddings adapter.
type Options struct {
	Client EmbeddingsAPI

	// Model selects the embedding model. Defaults to openai.SmallEmbedding3.
	Model openai.EmbeddingModel
}

// Client implements embedding.Client via the OpenAI Embeddings API.
type Client struct {
	api   EmbeddingsAPI
	model openai.EmbeddingModel
}

// New builds an OpenAI-backed embeddings client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	embModel := opts.Model
	if embModel == "" {
		embModel = openai.SmallEmbedding3
	}
	return &Client{api: opts.Client, model: embModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey)})
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	response, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, wrapError("create_embeddings", err)
	}
	if len(response.Data) != len(texts) {
		return nil, model.NewProviderError("openai", "create_embeddings", 0,
			model.ProviderErrorKindUnknown, "",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(response.Data)),
			"", false, nil)
	}
	out := make([][]float32, len(texts))
	for _, d := range response.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, model.NewProviderError("openai", "create_embeddings", 0,
				model.ProviderErrorKindUnknown, "",
				fmt.Sprintf("embedding index %d out of range", d.Index),
				"", false, nil)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
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
