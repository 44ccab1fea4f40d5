package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/coach-billing/internal/api/rest/handlers"
	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/internal/metrics"
	"github.com/Dhoini/coach-billing/internal/middleware"
	"github.com/Dhoini/coach-billing/internal/repository"
	"github.com/Dhoini/coach-billing/internal/service"
	"github.com/Dhoini/coach-billing/internal/stripe"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

const (
	webhookSecret = "whsec_e2e"
	jwtSecret     = "e2e-jwt-secret"
)

// fakeStripe записывает вызовы вместо обращения к Stripe
type fakeStripe struct {
	mu        sync.Mutex
	customers int
	checkouts []stripe.CheckoutRequest
	portals   int
}

func (f *fakeStripe) CreateCustomer(_ context.Context, accountID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers++
	return "cus_" + accountID[:8], nil
}

func (f *fakeStripe) CreateCheckoutSession(_ context.Context, req stripe.CheckoutRequest) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	id := fmt.Sprintf("cs_test_%d", len(f.checkouts))
	return &stripe.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (f *fakeStripe) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portals++
	return "https://billing.stripe.com/p/session/" + customerID, nil
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type testServer struct {
	router *gin.Engine
	repo   *repository.InMemoryAccountRepository
	stripe *fakeStripe
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	registry := metrics.NewRegistry()
	m := metrics.NewBillingMetrics(registry)
	repo := repository.NewInMemoryAccountRepository(log)
	sc := &fakeStripe{}
	catalog := stripe.NewPlanCatalog(map[string]string{"basic": "price_basic", "premium": "price_premium"})

	customers := service.NewCustomerService(repo, sc, m, log)
	billing := service.NewBillingService(repo, customers, sc, catalog, m, service.BillingOptions{
		TrialDays:       14,
		PortalReturnURL: "https://app.example.com/settings",
	}, log)
	webhooks := service.NewWebhookService(repo, stripe.NewVerifier(webhookSecret, 5*time.Minute, log), m, log)

	router := SetupRouter(Handlers{
		Billing: handlers.NewBillingHandler(billing, log),
		Webhook: handlers.NewWebhookHandler(webhooks, log),
		Health:  handlers.NewHealthHandler(map[string]handlers.Pinger{"database": okPinger{}}, log),
		Auth:    middleware.NewJWTMiddleware(log, &middleware.HMACTokenValidator{Secret: []byte(jwtSecret)}),
	}, registry, log)

	return &testServer{router: router, repo: repo, stripe: sc}
}

func (s *testServer) seed(t *testing.T, billing domain.BillingState) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.repo.Create(context.Background(), &domain.Account{
		ID: id, Email: "coach@example.com", Role: domain.RoleOwner, Billing: billing,
	}))
	return id
}

func (s *testServer) billing(t *testing.T, id uuid.UUID) domain.BillingState {
	t.Helper()
	account, err := s.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return account.Billing
}

func bearer(t *testing.T, id uuid.UUID) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.TokenClaims{
		Role: string(domain.RoleOwner),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) call(t *testing.T, method, path string, id uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if id != uuid.Nil {
		req.Header.Set("Authorization", bearer(t, id))
	}
	return s.do(req)
}

func (s *testServer) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return s.do(req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func checkoutCompleted(id uuid.UUID, customerID string) string {
	return fmt.Sprintf(`{
  "id": "evt_checkout_1",
  "object": "event",
  "type": "checkout.session.completed",
  "created": %d,
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "mode": "subscription",
    "customer": %q,
    "subscription": "sub_1",
    "client_reference_id": %q,
    "metadata": {"account_id": %q, "plan_id": "premium", "trial_days": "14"}
  }}
}`, time.Now().Unix(), customerID, id, id)
}

func TestScenario_CheckoutThenWebhookActivatesPremium(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, domain.BillingState{})

	rec := s.call(t, http.MethodPost, "/api/v1/checkout", id,
		`{"planId":"premium","successUrl":"https://app.example.com/ok","cancelUrl":"https://app.example.com/cancel"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[service.CheckoutResult](t, rec)
	assert.Equal(t, "cs_test_1", result.SessionID)
	assert.Contains(t, result.RedirectURL, "https://checkout.stripe.com/")

	require.Len(t, s.stripe.checkouts, 1)
	assert.Equal(t, "price_premium", s.stripe.checkouts[0].PriceID)
	assert.Equal(t, int64(14), s.stripe.checkouts[0].TrialDays)

	// до вебхука статус не меняется
	status := decode[domain.SubscriptionStatusView](t, s.call(t, http.MethodGet, "/api/v1/subscription-status", id, ""))
	assert.Nil(t, status.Status)

	customerID := s.billing(t, id).BillingCustomerID
	rec = s.deliver(t, checkoutCompleted(id, customerID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	status = decode[domain.SubscriptionStatusView](t, s.call(t, http.MethodGet, "/api/v1/subscription-status", id, ""))
	require.NotNil(t, status.Status)
	assert.Equal(t, "active", *status.Status)
	assert.Equal(t, "premium", *status.Plan)
	assert.NotNil(t, status.TrialEndsAt)

	// портал доступен после появления клиента
	rec = s.call(t, http.MethodPost, "/api/v1/billing-portal", id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://billing.stripe.com/p/session/"+customerID, decode[handlers.RedirectResponse](t, rec).RedirectURL)
}

func TestScenario_FailedInvoiceMarksPastDue(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, domain.BillingState{
		BillingCustomerID: "cus_b",
		SubscriptionID:    "sub_b",
		Plan:              "basic",
		Status:            domain.SubscriptionStatusActive,
	})

	payload := fmt.Sprintf(`{
  "id": "evt_failed_1",
  "object": "event",
  "type": "invoice.payment_failed",
  "created": %d,
  "data": {"object": {
    "id": "in_b",
    "object": "invoice",
    "customer": "cus_b",
    "subscription": "sub_b",
    "amount_due": 7900,
    "currency": "usd",
    "payment_intent": {"id": "pi_b", "last_payment_error": {"code": "card_declined"}}
  }}
}`, time.Now().Unix())

	rec := s.deliver(t, payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	assert.Equal(t, domain.SubscriptionStatusPastDue, s.billing(t, id).Status)
	payment, err := s.repo.GetPaymentByInvoiceID(context.Background(), "in_b")
	require.NoError(t, err)
	assert.Equal(t, 79.00, payment.Amount)
	assert.Equal(t, domain.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.FailureReason)
	assert.Equal(t, "card_declined", *payment.FailureReason)
}

func TestScenario_BadSignatureTouchesNothing(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, domain.BillingState{BillingCustomerID: "cus_c"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook", strings.NewReader(checkoutCompleted(id, "cus_c")))
	req.Header.Set("Stripe-Signature", "garbage")
	rec := s.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"received":false}`, rec.Body.String())
	assert.Equal(t, domain.BillingState{BillingCustomerID: "cus_c"}, s.billing(t, id))
	assert.Equal(t, 0, s.repo.Payments())
}

func TestWebhook_UnknownAccountAcknowledged(t *testing.T) {
	s := newTestServer(t)

	rec := s.deliver(t, checkoutCompleted(uuid.New(), "cus_unknown"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
}

func TestCheckout_Errors(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, domain.BillingState{})

	tests := []struct {
		name   string
		caller uuid.UUID
		body   string
		status int
	}{
		{"no token", uuid.Nil, `{"planId":"basic","successUrl":"https://a.example/ok","cancelUrl":"https://a.example/no"}`, http.StatusUnauthorized},
		{"unknown plan", id, `{"planId":"gold","successUrl":"https://a.example/ok","cancelUrl":"https://a.example/no"}`, http.StatusBadRequest},
		{"missing urls", id, `{"planId":"basic"}`, http.StatusUnprocessableEntity},
		{"not json", id, `plan=basic`, http.StatusUnprocessableEntity},
		{"unknown account", uuid.New(), `{"planId":"basic","successUrl":"https://a.example/ok","cancelUrl":"https://a.example/no"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.call(t, http.MethodPost, "/api/v1/checkout", tt.caller, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	assert.Empty(t, s.stripe.checkouts)
	assert.Zero(t, s.stripe.customers)
}

func TestBillingPortal_NoBillingCustomer(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, domain.BillingState{})

	rec := s.call(t, http.MethodPost, "/api/v1/billing-portal", id, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.ErrNoBillingCustomer.Error(), decode[map[string]string](t, rec)["error"])
	assert.Zero(t, s.stripe.portals)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.call(t, http.MethodGet, "/health", uuid.Nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)

	s.deliver(t, `{"id":"evt_x","object":"event","type":"customer.created","created":1,"data":{"object":{"id":"cus_x"}}}`)
	rec = s.call(t, http.MethodGet, "/metrics", uuid.Nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `billing_webhook_events_total{outcome="unhandled",type="customer.created"} 1`)
}
