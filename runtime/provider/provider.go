// Package provider defines the contract between the gateway and SMS/chat
// providers. Each provider integration implements Adapter: it verifies inbound
// webhook signatures, parses provider payloads into the normalized Inbound
// form, and delivers outbound messages. Implementations live under
// features/provider.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"
)

type (
	// Adapter is a single provider integration. Implementations must be safe
	// for concurrent use; one adapter instance serves all tenants.
	Adapter interface {
		// Name returns the stable provider identifier used in webhook routes,
		// dealership integration configs, and lead sources (e.g. "twilio").
		Name() string

		// Send delivers text to the E.164 number to. Callers normalize to
		// before invoking. Non-2xx provider responses surface as gatewayerr
		// provider or transient kinds.
		Send(ctx context.Context, to, text string) (SendResult, error)

		// Verify checks the webhook signature over the exact raw request body.
		// It must be called before Parse; a false return is a signature
		// failure and the webhook handler responds 403.
		Verify(header http.Header, body []byte) bool

		// Parse extracts the normalized inbound message from the webhook
		// payload. Non-text events return ErrNotText so the handler can
		// acknowledge and drop them.
		Parse(contentType string, body []byte) (*Inbound, error)
	}

	// Inbound is a provider-neutral inbound message. Phones are E.164.
	Inbound struct {
		// Provider is the adapter name that received the message.
		Provider string
		// MessageID is the provider's message identifier, used for webhook
		// de-duplication.
		MessageID string
		// From is the sender's phone in E.164 form.
		From string
		// To is the receiving dealership number in E.164 form.
		To string
		// Text is the message body.
		Text string
		// ReceivedAt is when the provider accepted the message; falls back to
		// webhook arrival time when the payload omits it.
		ReceivedAt time.Time
	}

	// SendResult reports a successful outbound delivery.
	SendResult struct {
		// ProviderMessageID is the provider's identifier for the sent message.
		ProviderMessageID string
	}
)

// ErrNotText indicates the webhook event is not an inbound text message
// (media-only, delivery receipt, etc.). Handlers acknowledge and drop these.
var ErrNotText = errors.New("provider: event is not an inbound text message")

// Registry holds the configured adapters keyed by name. It is built once at
// process init and passed by handle; there is no global registry.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters. Duplicate names are
// rejected so a misconfigured deployment fails at startup rather than
// routing webhooks ambiguously.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	if len(adapters) == 0 {
		return nil, errors.New("provider: at least one adapter is required")
	}
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		if a == nil {
			return nil, errors.New("provider: nil adapter")
		}
		name := a.Name()
		if name == "" {
			return nil, errors.New("provider: adapter name is required")
		}
		if _, dup := m[name]; dup {
			return nil, errors.New("provider: duplicate adapter " + name)
		}
		m[name] = a
	}
	return &Registry{adapters: m}, nil
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered adapter names in unspecified order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
