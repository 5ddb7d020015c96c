package twilio_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/features/provider/twilio"
	"github.com/driveline-ai/driveline/runtime/gatewayerr"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/retry"
)

func newAdapter(t *testing.T, mutate func(*twilio.Options)) *twilio.Adapter {
	t.Helper()
	opts := twilio.Options{
		AccountSID: "AC123",
		AuthToken:  "token123",
		From:       "+15550001000",
	}
	if mutate != nil {
		mutate(&opts)
	}
	adapter, err := twilio.New(opts)
	require.NoError(t, err)
	return adapter
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestParseInbound(t *testing.T) {
	adapter := newAdapter(t, nil)

	form := url.Values{}
	form.Set("MessageSid", "SM9001")
	form.Set("From", "(555) 777-0001")
	form.Set("To", "+15550001000")
	form.Set("Body", "Hi, is the Camry still available?")
	form.Set("NumMedia", "0")

	in, err := adapter.Parse("application/x-www-form-urlencoded; charset=UTF-8", []byte(form.Encode()))
	require.NoError(t, err)
	require.Equal(t, "twilio", in.Provider)
	require.Equal(t, "SM9001", in.MessageID)
	require.Equal(t, "+15557770001", in.From)
	require.Equal(t, "+15550001000", in.To)
	require.Equal(t, "Hi, is the Camry still available?", in.Text)
	require.WithinDuration(t, time.Now(), in.ReceivedAt, time.Minute)
}

func TestParseMediaOnly(t *testing.T) {
	adapter := newAdapter(t, nil)

	form := url.Values{}
	form.Set("MessageSid", "MM1")
	form.Set("From", "+15557770001")
	form.Set("To", "+15550001000")
	form.Set("Body", "")
	form.Set("NumMedia", "2")

	_, err := adapter.Parse("application/x-www-form-urlencoded", []byte(form.Encode()))
	require.ErrorIs(t, err, provider.ErrNotText)
}

func TestParseStatusCallback(t *testing.T) {
	adapter := newAdapter(t, nil)

	form := url.Values{}
	form.Set("MessageSid", "SM1")
	form.Set("MessageStatus", "delivered")

	_, err := adapter.Parse("application/x-www-form-urlencoded", []byte(form.Encode()))
	require.ErrorIs(t, err, provider.ErrNotText)
}

func TestParseRejectsWrongContentType(t *testing.T) {
	adapter := newAdapter(t, nil)

	_, err := adapter.Parse("application/json", []byte(`{}`))
	require.Error(t, err)
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindInput))
}

func TestParseMissingNumbers(t *testing.T) {
	adapter := newAdapter(t, nil)

	form := url.Values{}
	form.Set("Body", "hello")
	form.Set("To", "+15550001000")

	_, err := adapter.Parse("application/x-www-form-urlencoded", []byte(form.Encode()))
	require.Error(t, err)
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindInput))
}

func TestVerifySignatures(t *testing.T) {
	adapter := newAdapter(t, func(o *twilio.Options) { o.WebhookSecret = "whsec" })
	body := []byte("From=%2B15557770001&Body=hi")

	hexHeader := http.Header{}
	hexHeader.Set("X-Twilio-Signature", sign("whsec", body))
	require.True(t, adapter.Verify(hexHeader, body))

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(body)
	b64Header := http.Header{}
	b64Header.Set("X-Twilio-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	require.True(t, adapter.Verify(b64Header, body))

	require.False(t, adapter.Verify(hexHeader, []byte("From=%2B15557770001&Body=tampered")))
	require.False(t, adapter.Verify(http.Header{}, body))

	badHeader := http.Header{}
	badHeader.Set("X-Twilio-Signature", "not-a-signature")
	require.False(t, adapter.Verify(badHeader, body))
}

func TestVerifyDefaultsSecretToAuthToken(t *testing.T) {
	adapter := newAdapter(t, nil)
	body := []byte("Body=hi")

	header := http.Header{}
	header.Set("X-Twilio-Signature", sign("token123", body))
	require.True(t, adapter.Verify(header, body))
}

func TestVerifySkip(t *testing.T) {
	adapter := newAdapter(t, func(o *twilio.Options) { o.SkipVerify = true })
	require.True(t, adapter.Verify(http.Header{}, []byte("anything")))
}

func TestSendPostsForm(t *testing.T) {
	var captured url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "AC123", user)
		require.Equal(t, "token123", pass)
		require.NoError(t, r.ParseForm())
		captured = r.PostForm
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM777"}`))
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *twilio.Options) { o.BaseURL = server.URL })

	result, err := adapter.Send(context.Background(), "555-777-0001", "Your Camry is ready.")
	require.NoError(t, err)
	require.Equal(t, "SM777", result.ProviderMessageID)
	require.Equal(t, "+15557770001", captured.Get("To"))
	require.Equal(t, "+15550001000", captured.Get("From"))
	require.Equal(t, "Your Camry is ready.", captured.Get("Body"))
}

func TestSendUsesMessagingService(t *testing.T) {
	var captured url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		captured = r.PostForm
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *twilio.Options) {
		o.BaseURL = server.URL
		o.From = ""
		o.MessagingServiceSID = "MG42"
	})

	_, err := adapter.Send(context.Background(), "+15557770001", "hello")
	require.NoError(t, err)
	require.Equal(t, "MG42", captured.Get("MessagingServiceSid"))
	require.Empty(t, captured.Get("From"))
}

func TestSendClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"invalid to number"}`))
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *twilio.Options) { o.BaseURL = server.URL })

	_, err := adapter.Send(context.Background(), "+15557770001", "hello")
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.True(t, gatewayerr.IsKind(err, gatewayerr.KindProvider))
	require.Contains(t, err.Error(), "21211")
}

func TestSendRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"too many requests"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM2"}`))
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *twilio.Options) {
		o.BaseURL = server.URL
		o.Retry = retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	})

	result, err := adapter.Send(context.Background(), "+15557770001", "hello")
	require.NoError(t, err)
	require.Equal(t, "SM2", result.ProviderMessageID)
	require.Equal(t, int32(3), calls.Load())
}

func TestSendExhaustsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	adapter := newAdapter(t, func(o *twilio.Options) {
		o.BaseURL = server.URL
		o.Retry = retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
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
	_, err := twilio.New(twilio.Options{AuthToken: "t", From: "+15550001000"})
	require.Error(t, err)

	_, err = twilio.New(twilio.Options{AccountSID: "AC1", AuthToken: "t"})
	require.Error(t, err)
}
