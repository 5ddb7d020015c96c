// Package twilio implements the provider.Adapter contract for Twilio
// Programmable Messaging: form-encoded inbound webhooks, HMAC signature
// verification over the raw body, and REST form sends authenticated with the
// account SID and auth token.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/phone"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/retry"
	"github.com/driveline-ai/driveline/runtime/telemetry"
)

const (
	providerName    = "twilio"
	signatureHeader = "X-Twilio-Signature"

	defaultBaseURL = "https://api.twilio.com/2010-04-01"
	defaultTimeout = 10 * time.Second

	maxBodyExcerpt = 256
)

// Options configures the Twilio adapter.
type Options struct {
	// AccountSID and AuthToken authenticate REST sends. Both are required.
	AccountSID string
	AuthToken  string

	// From is the outbound sender number. Either From or MessagingServiceSID
	// must be set; MessagingServiceSID wins when both are.
	From string

	// MessagingServiceSID routes outbound messages through a Twilio messaging
	// service so the sender number is picked per recipient.
	MessagingServiceSID string

	// WebhookSecret signs inbound webhooks. Defaults to AuthToken.
	WebhookSecret string

	// SkipVerify disables webhook signature verification. Development only.
	SkipVerify bool

	// BaseURL overrides the Twilio API root. Tests point it at a local server.
	BaseURL string

	// HTTPClient overrides the outbound HTTP client. Defaults to a client
	// with a 10s timeout.
	HTTPClient *http.Client

	// Retry overrides the send retry policy. Defaults to retry.DefaultConfig.
	Retry retry.Config

	// Logger is used for construction-time diagnostics. Defaults to no-op.
	Logger telemetry.Logger
}

// Adapter implements provider.Adapter for Twilio.
type Adapter struct {
	accountSID       string
	authToken        string
	from             string
	messagingService string
	secret           string
	skipVerify       bool
	baseURL          string
	httpClient       *http.Client
	retry            retry.Config
}

// New builds a Twilio adapter from the provided options.
func New(opts Options) (*Adapter, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	if opts.From == "" && opts.MessagingServiceSID == "" {
		return nil, errors.New("twilio: a from number or messaging service sid is required")
	}
	secret := opts.WebhookSecret
	if secret == "" {
		secret = opts.AuthToken
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
		accountSID:       opts.AccountSID,
		authToken:        opts.AuthToken,
		from:             phone.Normalize(opts.From),
		messagingService: opts.MessagingServiceSID,
		secret:           secret,
		skipVerify:       opts.SkipVerify,
		baseURL:          baseURL,
		httpClient:       httpClient,
		retry:            retryCfg,
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

// Parse extracts the normalized inbound message from a form-encoded webhook.
func (a *Adapter) Parse(contentType string, body []byte) (*provider.Inbound, error) {
	if contentType != "" && !strings.Contains(contentType, "application/x-www-form-urlencoded") {
		return nil, gatewayerr.Input("twilio: unsupported content type %q", contentType)
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInput, err, "twilio: malformed webhook body")
	}
	text := strings.TrimSpace(values.Get("Body"))
	if text == "" {
		// Media-only messages (NumMedia > 0) and status callbacks carry no text.
		return nil, provider.ErrNotText
	}
	from := phone.Normalize(values.Get("From"))
	to := phone.Normalize(values.Get("To"))
	if from == "" || to == "" {
		return nil, gatewayerr.Input("twilio: webhook missing From or To")
	}
	messageID := values.Get("MessageSid")
	if messageID == "" {
		messageID = values.Get("SmsSid")
	}
	return &provider.Inbound{
		Provider:   providerName,
		MessageID:  messageID,
		From:       from,
		To:         to,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// Send delivers text to the E.164 number via the Messages REST resource.
// Transient provider failures are retried per the configured policy.
func (a *Adapter) Send(ctx context.Context, to, text string) (provider.SendResult, error) {
	normalized := phone.Normalize(to)
	if normalized == "" {
		return provider.SendResult{}, gatewayerr.Input("twilio: destination number %q is not dialable", to)
	}
	if strings.TrimSpace(text) == "" {
		return provider.SendResult{}, gatewayerr.Input("twilio: message text is empty")
	}
	var result provider.SendResult
	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		sid, err := a.postMessage(ctx, normalized, text)
		if err != nil {
			return err
		}
		result = provider.SendResult{ProviderMessageID: sid}
		return nil
	})
	if err != nil {
		return provider.SendResult{}, err
	}
	return result, nil
}

func (a *Adapter) postMessage(ctx context.Context, to, text string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("Body", text)
	if a.messagingService != "" {
		form.Set("MessagingServiceSid", a.messagingService)
	} else {
		form.Set("From", a.from)
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", a.baseURL, a.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", gatewayerr.Fatal(err, "twilio: build send request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", gatewayerr.Transient(err, "twilio: send request failed")
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", sendError(resp.StatusCode, payload)
	}
	var decoded struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil || decoded.Sid == "" {
		return "", gatewayerr.Provider(err, "twilio: send response missing message sid")
	}
	return decoded.Sid, nil
}

func sendError(status int, body []byte) error {
	cause := &retry.HTTPStatusError{StatusCode: status, Message: bodyExcerpt(body)}
	if status == http.StatusTooManyRequests || status >= 500 {
		return gatewayerr.Transient(cause, "twilio: send rejected")
	}
	return gatewayerr.Provider(cause, "twilio: send rejected")
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
