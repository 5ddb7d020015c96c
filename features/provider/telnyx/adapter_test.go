package telnyx_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/features/provider/telnyx"
	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/retry"
)

func newAdapter(t *testing.T, mutate func(*telnyx.Options)) *telnyx.Adapter {
	t.Helper()
	opts := telnyx.Options{
		APIKey: "key123",
		From:   "+15550001000",
	}
	if mutate != nil {
		mutate(&opts)
	}
	adapter, err := telnyx.New(opts)
	require.NoError(t, err)
	return adapter
}

func envelope(eventType, id, from, to, text, receivedAt string) []byte {
	return []byte(fmt.Sprintf(`{
		"data": {
			"event_type": %q,
			"id": %q,
			"payload": {
				"from": {"phone_number": %q},
				"to": [{"phone_number": %q}],
				"text": %q,
				"received_at": %q
			}
		}
	}`, eventType, id, from, to, text, receivedAt))
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestParseInbound(t *testing.T) {
	adapter := newAdapter(t, nil)

	body := envelope("message.received", "evt-42", "15557770001", "+1 (555) 000-1000", "Is the RAV4 still available?", "2026-08-25T14:30:00Z")
	inbound, err := adapter.Parse("application/json", body)
	require.NoError(t, err)

	require.Equal(t, "telnyx", inbound.Provider)
	require.Equal(t, "evt-42", inbound.MessageID)
	require.Equal(t, "+15557770001", inbound.From)
	require.Equal(t, "+15550001000", inbound.To)
	require.Equal(t, "Is the RAV4 still available?", inbound.Text)
	require.Equal(t, time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC), inbound.ReceivedAt)
}

func TestParseIgnoresOtherEvents(t *testing.T) {
	adapter := newAdapter(t, nil)

	body := envelope("message.sent", "evt-43", "+15557770001", "+15550001000", "queued", "2026-08-25T14:30:00Z")
	_, err := adapter.Parse("application/json", body)
	require.ErrorIs(t, err, provider.ErrNotText)
}

func TestParseMediaOnly(t *testing.T) {
	adapter := newAdapter(t, nil)

	body := envelope("message.received", "evt-44", "+15557770001", "+15550001000", "  ", "2026-08-25T14:30:00Z")
	_, err := adapter.Parse("application/json", body)
	require.ErrorIs(t, err, provider.ErrNotText)
}

func TestParseRejectsWrongContentType(t *testing.T) {
	adapter := newAdapter(t, nil)

	_, err := adapter.Parse("application/x-www-form-urlencoded", []byte("Body=hi"))
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindInput))
}

func TestParseMalformedBody(t *testing.T) {
	adapter := newAdapter(t, nil)

	_, err := adapter.Parse("application/json", []byte("{not json"))
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindInput))
}

func TestParseMissingNumbers(t *testing.T) {
	adapter := newAdapter(t, nil)

	body := []byte(`{"data": {"event_type": "message.received", "id": "evt-45", "payload": {"text": "hello"}}}`)
	_, err := adapter.Parse("application/json", body)
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindInput))
}

func TestParseFallsBackToReceiptTime(t *testing.T) {
	adapter := newAdapter(t, nil)

	body := envelope("message.received", "evt-46", "+15557770001", "+15550001000", "hello", "not-a-timestamp")
	inbound, err := adapter.Parse("application/json", body)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), inbound.ReceivedAt, time.Minute)
}

func TestVerifySignatures(t *testing.T) {
	adapter := newAdapter(t, func(o *telnyx.Options) {
		o.WebhookSecret = "whsec"
	})

	body := envelope("message.received", "evt-47", "+15557770001", "+15550001000", "hello", "2026-08-25T14:30:00Z")

	hexHeader := http.Header{}
	hexHeader.Set("X-Telnyx-Signature", sign("whsec", body))
	require.True(t, adapter.Verify(hexHeader, body))

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(body)
	b64Header := http.Header{}
	b64Header.Set("X-Telnyx-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	require.True(t, adapter.Verify(b64Header, body))

	require.False(t, adapter.Verify(hexHeader, append(body, '!')))
	require.False(t, adapter.Verify(http.Header{}, body))
}

func TestVerifyRequiresSecret(t *testing.T) {
	adapter := newAdapter(t, nil)

	body := []byte("{}")
	header := http.Header{}
	header.Set("X-Telnyx-Signature", sign("anything", body))
	require.False(t, adapter.Verify(header, body))
}

func TestVerifySkip(t *testing.T) {
	adapter := newAdapter(t, func(o *telnyx.Options) {
		o.SkipVerify = true
	})
	require.True(t, adapter.Verify(http.Header{}, []byte("{}")))
}

func TestSendPostsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "Bearer key123", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "+15550001000", payload["from"])
		require.Equal(t, "+15557770001", payload["to"])
		require.Equal(t, "Your test drive is confirmed.", payload["text"])
		require.Equal(t, "profile-9", payload["messaging_profile_id"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data": {"id": "msg_777"}}`))
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *telnyx.Options) {
		o.MessagingProfileID = "profile-9"
		o.BaseURL = server.URL
	})

	result, err := adapter.Send(context.Background(), "(555) 777-0001", "Your test drive is confirmed.")
	require.NoError(t, err)
	require.Equal(t, "msg_777", result.ProviderMessageID)
}

func TestSendOmitsEmptyFrom(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, hasFrom := payload["from"]
		require.False(t, hasFrom)
		require.Equal(t, "profile-9", payload["messaging_profile_id"])

		_, _ = w.Write([]byte(`{"data": {"id": "msg_778"}}`))
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *telnyx.Options) {
		o.From = ""
		o.MessagingProfileID = "profile-9"
		o.BaseURL = server.URL
	})

	result, err := adapter.Send(context.Background(), "+15557770001", "hello")
	require.NoError(t, err)
	require.Equal(t, "msg_778", result.ProviderMessageID)
}

func TestSendClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors": [{"code": "40310", "title": "Blocked number"}]}`))
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *telnyx.Options) {
		o.BaseURL = server.URL
	})

	_, err := adapter.Send(context.Background(), "+15557770001", "hello")
	require.Error(t, err)
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindProvider))
	require.Contains(t, err.Error(), "40310")
	require.Equal(t, int32(1), calls.Load())
}

func TestSendRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data": {"id": "msg_779"}}`))
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *telnyx.Options) {
		o.BaseURL = server.URL
		o.Retry = retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        time.Millisecond,
			BackoffMultiplier: 1,
		}
	})

	result, err := adapter.Send(context.Background(), "+15557770001", "hello")
	require.NoError(t, err)
	require.Equal(t, "msg_779", result.ProviderMessageID)
	require.Equal(t, int32(3), calls.Load())
}

func TestSendExhaustsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *telnyx.Options) {
		o.BaseURL = server.URL
		o.Retry = retry.Config{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        time.Millisecond,
			BackoffMultiplier: 1,
		}
	})

	_, err := adapter.Send(context.Background(), "+15557770001", "hello")
	require.Error(t, err)
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindTransient))

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
}

func TestSendValidatesInput(t *testing.T) {
	adapter := newAdapter(t, nil)

	_, err := adapter.Send(context.Background(), "no digits", "hello")
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindInput))

	_, err = adapter.Send(context.Background(), "+15557770001", "   ")
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindInput))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := telnyx.New(telnyx.Options{From: "+15550001000"})
	require.Error(t, err)

	_, err = telnyx.New(telnyx.Options{APIKey: "key123"})
	require.Error(t, err)

	_, err = telnyx.New(telnyx.Options{APIKey: "key123", MessagingProfileID: "profile-9"})
	require.NoError(t, err)
}
