package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/internal/metrics"
	"github.com/Dhoini/coach-billing/internal/repository"
	"github.com/Dhoini/coach-billing/internal/stripe"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

type mockStripeClient struct {
	mock.Mock
}

func (m *mockStripeClient) CreateCustomer(ctx context.Context, accountID, email string) (string, error) {
	args := m.Called(ctx, accountID, email)
	return args.String(0), args.Error(1)
}

func (m *mockStripeClient) CreateCheckoutSession(ctx context.Context, req stripe.CheckoutRequest) (*stripe.CheckoutSession, error) {
	args := m.Called(ctx, req)
	session, _ := args.Get(0).(*stripe.CheckoutSession)
	return session, args.Error(1)
}

func (m *mockStripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	args := m.Called(ctx, customerID, returnURL)
	return args.String(0), args.Error(1)
}

type fixture struct {
	repo     *repository.InMemoryAccountRepository
	stripe   *mockStripeClient
	registry *prometheus.Registry
	metrics  metrics.BillingMetrics
	log      *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	sc := &mockStripeClient{}
	t.Cleanup(func() { sc.AssertExpectations(t) })
	return &fixture{
		repo:     repository.NewInMemoryAccountRepository(logger.NewNop()),
		stripe:   sc,
		registry: registry,
		metrics:  metrics.NewBillingMetrics(registry),
		log:      logger.NewNop(),
	}
}

func (f *fixture) seed(t *testing.T, billing domain.BillingState) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.repo.Create(context.Background(), &domain.Account{
		ID:      id,
		Email:   "coach-" + id.String()[:8] + "@example.com",
		Role:    domain.RoleOwner,
		Billing: billing,
	}))
	return id
}

func (f *fixture) account(t *testing.T, id uuid.UUID) *domain.Account {
	t.Helper()
	account, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return account
}

func (f *fixture) customers() CustomerService {
	return NewCustomerService(f.repo, f.stripe, f.metrics, f.log)
}

func (f *fixture) billing(catalog *stripe.PlanCatalog) BillingService {
	return NewBillingService(f.repo, f.customers(), f.stripe, catalog, f.metrics, BillingOptions{
		TrialDays:       14,
		PortalReturnURL: "https://app.example.com/settings",
	}, f.log)
}
