package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driveline-ai/driveline/gateway"
	approvalmem "github.com/driveline-ai/driveline/runtime/approval/inmem"
	"github.com/driveline-ai/driveline/runtime/directory"
	inventorymem "github.com/driveline-ai/driveline/runtime/inventory/inmem"
	"github.com/driveline-ai/driveline/runtime/lead"
	leadmem "github.com/driveline-ai/driveline/runtime/lead/inmem"
	memorymem "github.com/driveline-ai/driveline/runtime/memory/inmem"
	"github.com/driveline-ai/driveline/runtime/model"
	"github.com/driveline-ai/driveline/runtime/orchestrator"
	"github.com/driveline-ai/driveline/runtime/prompt"
	"github.com/driveline-ai/driveline/runtime/provider"
	"github.com/driveline-ai/driveline/runtime/replytiming"
	"github.com/driveline-ai/driveline/runtime/retrieval"
	"github.com/driveline-ai/driveline/runtime/settings"
	settingsmem "github.com/driveline-ai/driveline/runtime/settings/inmem"
	"github.com/driveline-ai/driveline/runtime/tasks"
	"github.com/driveline-ai/driveline/runtime/tenant"
	tenantmem "github.com/driveline-ai/driveline/runtime/tenant/inmem"
)

var (
	jwtSecret = []byte("test-secret")

	gatewayNumber  = "+15550001000"
	customerNumber = "+15557770001"
)

// webhookAdapter parses a tiny JSON body and lets tests flip signature
// verification.
type webhookAdapter struct {
	mu       sync.Mutex
	verifyOK bool
	sends    []string
}

type webhookBody struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
}

func newWebhookAdapter() *webhookAdapter { return &webhookAdapter{verifyOK: true} }

func (a *webhookAdapter) Name() string { return "twilio" }

func (a *webhookAdapter) Send(_ context.Context, to, text string) (provider.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, text)
	return provider.SendResult{ProviderMessageID: fmt.Sprintf("SM%04d", len(a.sends))}, nil
}

func (a *webhookAdapter) Verify(http.Header, []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verifyOK
}

func (a *webhookAdapter) Parse(_ string, body []byte) (*provider.Inbound, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, err
	}
	if b.Text == "" {
		return nil, provider.ErrNotText
	}
	return &provider.Inbound{
		Provider:   "twilio",
		MessageID:  b.MessageID,
		From:       b.From,
		To:         b.To,
		Text:       b.Text,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (a *webhookAdapter) setVerify(ok bool) {
	a.mu.Lock()
	a.verifyOK = ok
	a.mu.Unlock()
}

// scriptedModel returns one sticky reply payload.
type scriptedModel struct {
	mu      sync.Mutex
	content string
}

func (m *scriptedModel) Complete(context.Context, model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.content == "" {
		return nil, errors.New("scripted model: no reply set")
	}
	return &model.Response{Content: m.content, StopReason: "stop"}, nil
}

func (m *scriptedModel) setReply(t *testing.T, message string, autoSend bool) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"message":         message,
		"auto_send":       autoSend,
		"handoff":         false,
		"handoff_reason":  nil,
		"retrieval_query": "",
		"next_action":     "continue",
	})
	require.NoError(t, err)
	m.mu.Lock()
	m.content = string(raw)
	m.mu.Unlock()
}

type flatEmbedder struct{}

func (flatEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []tasks.Kind
	payloads []any
}

func (q *fakeQueue) Enqueue(_ context.Context, kind tasks.Kind, payload any) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, kind)
	q.payloads = append(q.payloads, payload)
	return uuid.New(), nil
}

func (q *fakeQueue) kinds() []tasks.Kind {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]tasks.Kind(nil), q.enqueued...)
}

type fakeDedupe struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *fakeDedupe) FirstSeen(_ context.Context, provider, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	key := provider + ":" + messageID
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type fakeIndexSync struct {
	mu     sync.Mutex
	synced []tenant.Dealership
}

func (s *fakeIndexSync) SetDealership(_ context.Context, d tenant.Dealership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, d)
	return nil
}

type env struct {
	gw      *gateway.Gateway
	adapter *webhookAdapter
	llm     *scriptedModel
	queue   *fakeQueue
	index   *fakeIndexSync

	tenants   *tenantmem.Store
	leads     *leadmem.Store
	inventory *inventorymem.Store

	dealershipID uuid.UUID
	ownerToken   string
	salesToken   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	adapter := newWebhookAdapter()
	llm := &scriptedModel{}
	queue := &fakeQueue{}
	indexSync := &fakeIndexSync{}

	tenants := tenantmem.New()
	leads := leadmem.New()
	vehicles := inventorymem.New()
	approvals := approvalmem.New()
	memories := memorymem.New()

	dealership, err := tenants.CreateDealership(ctx, tenant.Dealership{
		Name:     "Bayside Motors",
		Location: "Oakland, CA",
		Integrations: map[string]tenant.IntegrationConfig{
			"twilio": {PhoneNumbers: []string{gatewayNumber}},
		},
	})
	require.NoError(t, err)

	_, err = tenants.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|owner",
		DealershipID: dealership.ID,
		FullName:     "Morgan Hale",
		Role:         tenant.RoleOwner,
	})
	require.NoError(t, err)
	_, err = tenants.CreateProfile(ctx, tenant.UserProfile{
		UserID:       "auth0|sales",
		DealershipID: dealership.ID,
		FullName:     "Jordan Reyes",
		Phone:        "+15558880001",
		Role:         tenant.RoleSalesperson,
	})
	require.NoError(t, err)

	registry, err := provider.NewRegistry(adapter)
	require.NoError(t, err)

	resolver, err := settings.NewResolver(settings.MustDefaultCatalog(), settingsmem.New())
	require.NoError(t, err)

	retriever := retrieval.New(vehicles, flatEmbedder{})
	scheduler := replytiming.NewScheduler()
	t.Cleanup(scheduler.Stop)

	orch, err := orchestrator.New(orchestrator.Config{
		Providers: registry,
		Directory: directory.NewResolver(leads, directory.NewTenantIndex(tenants)),
		Tenants:   tenants,
		Leads:     leads,
		Inventory: vehicles,
		Approvals: approvals,
		Memory:    memories,
		Settings:  resolver,
		Retriever: retriever,
		Prompts:   prompt.New(llm),
		Planner:   replytiming.NewPlanner(),
		Scheduler: scheduler,
		Tasks:     queue,
	})
	require.NoError(t, err)

	gw, err := gateway.New(gateway.Config{
		JWTSecret:            jwtSecret,
		InviteTokenSalt:      "pepper",
		AllowedOrigins:       []string{"https://app.example.com"},
		PreviewOriginPattern: regexp.MustCompile(`^https://pr-\d+\.example\.dev$`),
		Providers:            registry,
		Orchestrator:         orch,
		Tenants:              tenants,
		Leads:                leads,
		Inventory:            vehicles,
		Approvals:            approvals,
		Settings:             resolver,
		Tasks:                queue,
		Dedupe:               &fakeDedupe{},
		NumberIndex:          indexSync,
	})
	require.NoError(t, err)

	return &env{
		gw:           gw,
		adapter:      adapter,
		llm:          llm,
		queue:        queue,
		index:        indexSync,
		tenants:      tenants,
		leads:        leads,
		inventory:    vehicles,
		dealershipID: dealership.ID,
		ownerToken:   signToken(t, "auth0|owner"),
		salesToken:   signToken(t, "auth0|sales"),
	}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(jwtSecret)
	require.NoError(t, err)
	return signed
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *env) webhook(t *testing.T, b webhookBody) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	e.adapter.setVerify(false)
	rec := e.webhook(t, webhookBody{MessageID: "m1", From: customerNumber, To: gatewayNumber, Text: "hi"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookAcknowledgesNonText(t *testing.T) {
	e := newEnv(t)
	rec := e.webhook(t, webhookBody{MessageID: "m1", From: customerNumber, To: gatewayNumber})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	require.Equal(t, "ignored", body["status"])
}

func TestWebhookDropsDuplicates(t *testing.T) {
	e := newEnv(t)
	e.llm.setReply(t, "Happy to help! What are you looking for?", true)

	b := webhookBody{MessageID: "m1", From: customerNumber, To: gatewayNumber, Text: "Do you have any trucks?"}
	rec := e.webhook(t, b)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.webhook(t, b)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	require.Equal(t, "duplicate", body["status"])

	e.adapter.mu.Lock()
	defer e.adapter.mu.Unlock()
	require.Len(t, e.adapter.sends, 1)
}

func TestWebhookUnknownProvider(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/smoke-signal", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlAPIRequiresToken(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/leads", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/leads", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestControlAPIRequiresMembership(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/leads", signToken(t, "auth0|stranger"), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateLeadNormalizesPhone(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/leads", e.salesToken, map[string]any{
		"name":  "Casey",
		"phone": "(555) 777-0002",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[map[string]any](t, rec)
	require.Equal(t, "+15557770002", created["phone"])
}

func TestLeadScopeEnforced(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	other, err := e.tenants.CreateDealership(ctx, tenant.Dealership{Name: "Rival Autos"})
	require.NoError(t, err)
	foreign, err := e.leads.Create(ctx, leadFixture(other.ID, "+15559990001"))
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/v1/leads/"+foreign.ID.String(), e.salesToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	mine, err := e.leads.Create(ctx, leadFixture(e.dealershipID, "+15559990002"))
	require.NoError(t, err)
	rec = e.do(t, http.MethodGet, "/api/v1/leads/"+mine.ID.String(), e.salesToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateLeadStatusRejectsUnknownStage(t *testing.T) {
	e := newEnv(t)
	l, err := e.leads.Create(context.Background(), leadFixture(e.dealershipID, "+15559990003"))
	require.NoError(t, err)

	rec := e.do(t, http.MethodPut, "/api/v1/leads/"+l.ID.String()+"/status", e.salesToken,
		map[string]string{"status": "vaporized"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/leads/"+l.ID.String()+"/status", e.salesToken,
		map[string]string{"status": "hot"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInventoryWritesAreManagerGated(t *testing.T) {
	e := newEnv(t)
	vehicle := map[string]any{
		"make": "Toyota", "model": "Tacoma", "year": 2022, "price": 38000.0, "mileage": 12000,
	}

	rec := e.do(t, http.MethodPost, "/api/v1/inventory", e.salesToken, vehicle)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/inventory", e.ownerToken, vehicle)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []tasks.Kind{tasks.KindEmbeddingBuild}, e.queue.kinds())
}

func TestDeleteVehicleEnqueuesEmbeddingDelete(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/inventory", e.ownerToken, map[string]any{
		"make": "Honda", "model": "Civic", "year": 2021, "price": 21000.0, "mileage": 30000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[map[string]any](t, rec)

	rec = e.do(t, http.MethodDelete, "/api/v1/inventory/"+created["id"].(string), e.ownerToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []tasks.Kind{tasks.KindEmbeddingBuild, tasks.KindEmbeddingDelete}, e.queue.kinds())
}

func TestInviteLifecycle(t *testing.T) {
	e := newEnv(t)

	// Salespeople cannot invite.
	rec := e.do(t, http.MethodPost, "/api/v1/invites", e.salesToken,
		map[string]string{"email": "new@bayside.example", "role": "salesperson"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/invites", e.ownerToken,
		map[string]string{"email": "new@bayside.example", "role": "salesperson"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[struct {
		Token string `json:"token"`
	}](t, rec)
	require.NotEmpty(t, created.Token)

	// A user with no membership verifies and accepts.
	newcomer := signToken(t, "auth0|newcomer")
	rec = e.do(t, http.MethodPost, "/api/v1/invites/verify", newcomer,
		map[string]string{"token": created.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	verified := decodeBody[map[string]any](t, rec)
	require.Equal(t, "Bayside Motors", verified["dealership_name"])

	rec = e.do(t, http.MethodPost, "/api/v1/invites/accept", newcomer, map[string]string{
		"token":     created.Token,
		"full_name": "Riley Nakamura",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// The newcomer now reaches member routes.
	rec = e.do(t, http.MethodGet, "/api/v1/leads", newcomer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The token is spent.
	rec = e.do(t, http.MethodPost, "/api/v1/invites/accept", signToken(t, "auth0|second"), map[string]string{
		"token":     created.Token,
		"full_name": "Alex Kim",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/settings/definitions", e.salesToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Dealership writes are manager gated.
	rec = e.do(t, http.MethodPut, "/api/v1/settings/dealership/"+settings.KeyReplyTimingMode, e.salesToken,
		map[string]string{"value": "instant"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/settings/dealership/"+settings.KeyReplyTimingMode, e.ownerToken,
		map[string]string{"value": "instant"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/settings/dealership/not-a-key", e.ownerToken,
		map[string]string{"value": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntegrationsPutSyncsRoutingIndex(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{
		"integrations": map[string]any{
			"twilio": map[string]any{"phone_numbers": []string{"+15550002000"}},
		},
	}

	rec := e.do(t, http.MethodPut, "/api/v1/integrations", e.salesToken, body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/integrations", e.ownerToken, body)
	require.Equal(t, http.StatusOK, rec.Code)

	e.index.mu.Lock()
	defer e.index.mu.Unlock()
	require.Len(t, e.index.synced, 1)
	require.Equal(t, []string{"+15550002000"}, e.index.synced[0].Integrations["twilio"].PhoneNumbers)
}

func TestIntegrationsPutRejectsUnknownProvider(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPut, "/api/v1/integrations", e.ownerToken, map[string]any{
		"integrations": map[string]any{
			"carrier-pigeon": map[string]any{"phone_numbers": []string{"+15550002000"}},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func leadFixture(dealershipID uuid.UUID, phone string) lead.Lead {
	return lead.Lead{DealershipID: dealershipID, Phone: phone, Status: lead.StatusNew, Source: "test"}
}
