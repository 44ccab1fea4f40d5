package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/internal/metrics"
	"github.com/Dhoini/coach-billing/internal/repository"
	"github.com/Dhoini/coach-billing/internal/stripe"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// CustomerService сопоставляет аккаунты с клиентами Stripe
type CustomerService interface {
	// EnsureBillingCustomer возвращает клиента Stripe аккаунта, создавая его при первом обращении.
	EnsureBillingCustomer(ctx context.Context, accountID uuid.UUID) (string, error)
}

type customerService struct {
	repo    repository.AccountRepository
	stripe  stripe.Client
	metrics metrics.BillingMetrics
	log     *logger.Logger
}

// NewCustomerService создает новый сервис для работы с клиентами
func NewCustomerService(repo repository.AccountRepository, sc stripe.Client, m metrics.BillingMetrics, log *logger.Logger) CustomerService {
	return &customerService{
		repo:    repo,
		stripe:  sc,
		metrics: m,
		log:     log,
	}
}

func (s *customerService) EnsureBillingCustomer(ctx context.Context, accountID uuid.UUID) (string, error) {
	account, err := loadAccount(ctx, s.repo, accountID)
	if err != nil {
		return "", err
	}
	if account.HasBillingCustomer() {
		return account.Billing.BillingCustomerID, nil
	}

	customerID, err := s.stripe.CreateCustomer(ctx, accountID.String(), account.Email)
	if err != nil {
		s.metrics.IncStripeError("CreateCustomer")
		return "", err
	}

	stored, err := s.repo.AssignBillingCustomer(ctx, accountID, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", domain.NewAccountNotFound(accountID.String())
		}
		s.log.Errorw("Failed to persist billing customer", "error", err, "accountID", accountID, "stripeCustomerID", customerID)
		return "", domain.Upstream("AssignBillingCustomer", err)
	}
	if stored != customerID {
		// конкурентный запрос успел первым, созданный клиент остается неиспользованным
		s.log.Warnw("Billing customer already assigned by a concurrent request",
			"accountID", accountID,
			"storedCustomerID", stored,
			"orphanCustomerID", customerID,
		)
	} else {
		s.log.Infow("Billing customer assigned", "accountID", accountID, "stripeCustomerID", stored)
	}
	return stored, nil
}

// loadAccount читает аккаунт и переводит ошибки хранилища в доменные
func loadAccount(ctx context.Context, repo repository.AccountRepository, id uuid.UUID) (*domain.Account, error) {
	account, err := repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewAccountNotFound(id.String())
		}
		return nil, domain.Upstream("GetAccount", err)
	}
	return account, nil
}
