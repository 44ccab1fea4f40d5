package service

import (
	"context"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/internal/metrics"
	"github.com/Dhoini/coach-billing/internal/repository"
	"github.com/Dhoini/coach-billing/internal/stripe"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// CheckoutRequest запрос на оформление подписки
type CheckoutRequest struct {
	PlanID     string
	SuccessURL string
	CancelURL  string
}

// CheckoutResult адрес перенаправления в Stripe Checkout
type CheckoutResult struct {
	RedirectURL string `json:"redirectUrl"`
	SessionID   string `json:"sessionId"`
}

// BillingService операции биллинга, доступные аутентифицированному пользователю
type BillingService interface {
	CreateCheckout(ctx context.Context, caller domain.Caller, req CheckoutRequest) (*CheckoutResult, error)
	CreatePortalSession(ctx context.Context, caller domain.Caller) (string, error)
	GetSubscriptionStatus(ctx context.Context, caller domain.Caller) (domain.SubscriptionStatusView, error)
}

// BillingOptions настройки оформления
type BillingOptions struct {
	TrialDays       int64
	PortalReturnURL string
}

type billingService struct {
	repo      repository.AccountRepository
	customers CustomerService
	stripe    stripe.Client
	catalog   *stripe.PlanCatalog
	metrics   metrics.BillingMetrics
	opts      BillingOptions
	log       *logger.Logger
}

// NewBillingService создает сервис оформления и управления подпиской
func NewBillingService(
	repo repository.AccountRepository,
	customers CustomerService,
	sc stripe.Client,
	catalog *stripe.PlanCatalog,
	m metrics.BillingMetrics,
	opts BillingOptions,
	log *logger.Logger,
) BillingService {
	return &billingService{
		repo:      repo,
		customers: customers,
		stripe:    sc,
		catalog:   catalog,
		metrics:   m,
		opts:      opts,
		log:       log,
	}
}

// CreateCheckout открывает Stripe Checkout для выбранного плана. Состояние аккаунта не меняет:
// подписка появится после вебхука checkout.session.completed.
func (s *billingService) CreateCheckout(ctx context.Context, caller domain.Caller, req CheckoutRequest) (*CheckoutResult, error) {
	if !caller.Authenticated() {
		return nil, domain.ErrUnauthorized
	}

	// план проверяется до любых обращений к Stripe
	plan, priceID, ok := s.catalog.Lookup(req.PlanID)
	if !ok {
		s.log.Debugw("Unknown plan requested", "accountID", caller.AccountID, "plan", req.PlanID)
		return nil, domain.ErrInvalidPlan
	}

	customerID, err := s.customers.EnsureBillingCustomer(ctx, caller.AccountID)
	if err != nil {
		return nil, err
	}

	session, err := s.stripe.CreateCheckoutSession(ctx, stripe.CheckoutRequest{
		AccountID:  caller.AccountID.String(),
		CustomerID: customerID,
		PlanID:     plan,
		PriceID:    priceID,
		TrialDays:  s.opts.TrialDays,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		s.metrics.IncStripeError("CreateCheckoutSession")
		return nil, err
	}

	s.metrics.IncCheckoutCreated(plan)
	return &CheckoutResult{RedirectURL: session.URL, SessionID: session.ID}, nil
}

// CreatePortalSession возвращает ссылку на портал Stripe. Клиента не создает.
func (s *billingService) CreatePortalSession(ctx context.Context, caller domain.Caller) (string, error) {
	if !caller.Authenticated() {
		return "", domain.ErrUnauthorized
	}

	account, err := loadAccount(ctx, s.repo, caller.AccountID)
	if err != nil {
		return "", err
	}
	if !account.HasBillingCustomer() {
		return "", domain.ErrNoBillingCustomer
	}

	url, err := s.stripe.CreatePortalSession(ctx, account.Billing.BillingCustomerID, s.opts.PortalReturnURL)
	if err != nil {
		s.metrics.IncStripeError("CreatePortalSession")
		return "", err
	}
	s.metrics.IncPortalSessionCreated()
	return url, nil
}

// GetSubscriptionStatus возвращает зеркалируемое состояние подписки вызывающего
func (s *billingService) GetSubscriptionStatus(ctx context.Context, caller domain.Caller) (domain.SubscriptionStatusView, error) {
	if !caller.Authenticated() {
		return domain.SubscriptionStatusView{}, domain.ErrUnauthorized
	}

	account, err := loadAccount(ctx, s.repo, caller.AccountID)
	if err != nil {
		return domain.SubscriptionStatusView{}, err
	}
	return account.StatusView(), nil
}
