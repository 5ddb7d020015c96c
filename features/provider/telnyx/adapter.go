// Package telnyx implements the provider.Adapter contract for Telnyx
// Messaging: JSON inbound webhooks, HMAC signature verification over the raw
// body, and bearer-token JSON sends carrying the messaging profile id.
package telnyx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/phone"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/retry"
	"github.com/driveline-ai/driveline/runtime/telemetry"
)

const (
	providerName    = "telnyx"
	signatureHeader = "X-Telnyx-Signature"

	eventMessageReceived = "message.received"

	defaultBaseURL = "https://api.telnyx.com/v2"
	defaultTimeout = 10 * time.Second

	maxBodyExcerpt = 256
)

// Options configures the Telnyx adapter.
type Options struct {
	// APIKey authenticates REST sends. Required.
	APIKey string

	// From is the outbound sender number. Either From or MessagingProfileID
	// must be set.
	From string

	// MessagingProfileID selects the Telnyx messaging profile for outbound
	// messages.
	MessagingProfileID string

	// WebhookSecret signs inbound webhooks. When empty, Verify rejects every
	// request unless SkipVerify is set.
	WebhookSecret string

	// SkipVerify disables webhook signature verification. Development only.
	SkipVerify bool

	// BaseURL overrides the Telnyx API root. Tests point it at a local server.
	BaseURL string

	// HTTPClient overrides the outbound HTTP client. Defaults to a client
	// with a 10s timeout.
	HTTPClient *http.Client

	// Retry overrides the send retry policy. Defaults to retry.DefaultConfig.
	Retry retry.Config

	// Logger is used for construction-time diagnostics. Defaults to no-op.
	Logger telemetry.Logger
}

// Adapter implements provider.Adapter for Telnyx.
type Adapter struct {
	apiKey     string
	from       string
	profileID  string
	secret     string
	skipVerify bool
	baseURL    string
	httpClient *http.Client
	retry      retry.Config
}

// New builds a Telnyx adapter from the provided options.
func New(opts Options) (*Adapter, error) {
	if opts.APIKey == "" {
		return nil, errors.New("telnyx: api key is required")
	}
	if opts.From == "" && opts.MessagingProfileID == "" {
		return nil, errors.New("telnyx: a from number or messaging profile id is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	if opts.SkipVerify {
		logger := opts.Logger
		if logger == nil {
			logger = telemetry.NewNoopLogger()
		}
		logger.Warn(context.Background(),
			"webhook signature verification is disabled; inbound messages are unauthenticated",
			"provider", providerName)
	}
	return &Adapter{
		apiKey:     opts.APIKey,
		from:       phone.Normalize(opts.From),
		profileID:  opts.MessagingProfileID,
		secret:     opts.WebhookSecret,
		skipVerify: opts.SkipVerify,
		baseURL:    baseURL,
		httpClient: httpClient,
		retry:      retryCfg,
	}, nil
}

// Name returns the stable provider identifier.
func (a *Adapter) Name() string { return providerName }

// Verify checks the webhook signature over the exact raw body.
func (a *Adapter) Verify(header http.Header, body []byte) bool {
	if a.skipVerify {
		return true
	}
	if a.secret == "" {
		return false
	}
	got := header.Get(signatureHeader)
	if got == "" {
		return false
	}
	return signatureMatches(a.secret, body, got)
}

type webhookEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		ID        string `json:"id"`
		Payload   struct {
			From struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"from"`
			To []struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"to"`
			Text       string `json:"text"`
			ReceivedAt string `json:"received_at"`
		} `json:"payload"`
	} `json:"data"`
}

// Parse extracts the normalized inbound message from a Telnyx event envelope.
// Events other than message.received return ErrNotText.
func (a *Adapter) Parse(contentType string, body []byte) (*provider.Inbound, error) {
	if contentType != "" && !strings.Contains(contentType, "application/json") {
		return nil, gatewayerr.Input("telnyx: unsupported content type %q", contentType)
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInput, err, "telnyx: malformed webhook body")
	}
	if envelope.Data.EventType != eventMessageReceived {
		return nil, provider.ErrNotText
	}
	payload := envelope.Data.Payload
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return nil, provider.ErrNotText
	}
	from := phone.Normalize(payload.From.PhoneNumber)
	to := ""
	if len(payload.To) > 0 {
		to = phone.Normalize(payload.To[0].PhoneNumber)
	}
	if from == "" || to == "" {
		return nil, gatewayerr.Input("telnyx: webhook missing from or to number")
	}
	receivedAt := time.Now().UTC()
	if payload.ReceivedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.ReceivedAt); err == nil {
			receivedAt = parsed.UTC()
		}
	}
	return &provider.Inbound{
		Provider:   providerName,
		MessageID:  envelope.Data.ID,
		From:       from,
		To:         to,
		Text:       text,
		ReceivedAt: receivedAt,
	}, nil
}

type sendRequest struct {
	From               string `json:"from,omitempty"`
	To                 string `json:"to"`
	Text               string `json:"text"`
	MessagingProfileID string `json:"messaging_profile_id,omitempty"`
}

// Send delivers text to the E.164 number via the Messages resource.
// Transient provider failures are retried per the configured policy.
func (a *Adapter) Send(ctx context.Context, to, text string) (provider.SendResult, error) {
	normalized := phone.Normalize(to)
	if normalized == "" {
		return provider.SendResult{}, gatewayerr.Input("telnyx: destination number %q is not dialable", to)
	}
	if strings.TrimSpace(text) == "" {
		return provider.SendResult{}, gatewayerr.Input("telnyx: message text is empty")
	}
	var result provider.SendResult
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		id, err := a.postMessage(ctx, normalized, text)
		if err != nil {
			return err
		}
		result = provider.SendResult{ProviderMessageID: id}
		return nil
	})
	if err != nil {
		return provider.SendResult{}, err
	}
	return result, nil
}

func (a *Adapter) postMessage(ctx context.Context, to, text string) (string, error) {
	encoded, err := json.Marshal(sendRequest{
		From:               a.from,
		To:                 to,
		Text:               text,
		MessagingProfileID: a.profileID,
	})
	if err != nil {
		return "", gatewayerr.Fatal(err, "telnyx: encode send request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(encoded))
	if err != nil {
		return "", gatewayerr.Fatal(err, "telnyx: build send request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", gatewayerr.Transient(err, "telnyx: send request failed")
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", sendError(resp.StatusCode, payload)
	}
	var decoded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil || decoded.Data.ID == "" {
		return "", gatewayerr.Provider(err, "telnyx: send response missing message id")
	}
	return decoded.Data.ID, nil
}

func sendError(status int, body []byte) error {
	cause := &retry.HTTPStatusError{StatusCode: status, Message: bodyExcerpt(body)}
	if status == http.StatusTooManyRequests || status >= 500 {
		return gatewayerr.Transient(cause, "telnyx: send rejected")
	}
	return gatewayerr.Provider(cause, "telnyx: send rejected")
}

func bodyExcerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodyExcerpt {
		s = s[:maxBodyExcerpt]
	}
	return s
}

func signatureMatches(secret string, body []byte, got string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)
	if hmac.Equal([]byte(got), []byte(hex.EncodeToString(want))) {
		return true
	}
	return hmac.Equal([]byte(got), []byte(base64.StdEncoding.EncodeToString(want)))
}
