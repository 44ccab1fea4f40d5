package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// CachedAccountRepository реализует AccountRepository с кешированием чтений по ID.
// После записи в кеш кладется свежая строка из БД, заполнение при промахе идет через SETNX.
// Ошибки кеша не прерывают операцию.
type CachedAccountRepository struct {
	repo  AccountRepository
	cache *RedisCacheRepository
	log   *logger.Logger
}

// NewCachedAccountRepository создает новый репозиторий с кешированием
func NewCachedAccountRepository(repo AccountRepository, cache *RedisCacheRepository, log *logger.Logger) AccountRepository {
	return &CachedAccountRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// Create сохраняет аккаунт в БД
func (r *CachedAccountRepository) Create(ctx context.Context, account *domain.Account) error {
	return r.repo.Create(ctx, account)
}

// GetByID получает аккаунт по ID (сначала из кеша, потом из БД)
func (r *CachedAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	cached, err := r.cache.GetCachedAccount(ctx, id)
	if err != nil {
		r.log.Warnw("Error getting account from cache", "error", err, "accountID", id)
	}
	if cached != nil {
		return cached, nil
	}

	account, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := r.cache.CacheAccountIfAbsent(ctx, account); err != nil {
		r.log.Warnw("Failed to cache account after fetching", "error", err, "accountID", id)
	}
	return account, nil
}

// GetByBillingCustomerID читает напрямую из БД
func (r *CachedAccountRepository) GetByBillingCustomerID(ctx context.Context, customerID string) (*domain.Account, error) {
	return r.repo.GetByBillingCustomerID(ctx, customerID)
}

// AssignBillingCustomer записывает клиента и обновляет кеш
func (r *CachedAccountRepository) AssignBillingCustomer(ctx context.Context, id uuid.UUID, customerID string) (string, error) {
	stored, err := r.repo.AssignBillingCustomer(ctx, id, customerID)
	if err != nil {
		return "", err
	}
	r.refresh(ctx, id)
	return stored, nil
}

// Reconcile применяет событие и обновляет кеш, если состояние изменилось
func (r *CachedAccountRepository) Reconcile(ctx context.Context, id uuid.UUID, fn ReconcileFunc) (domain.Outcome, error) {
	out, err := r.repo.Reconcile(ctx, id, fn)
	if err != nil {
		return out, err
	}
	if out.StateChanged {
		r.refresh(ctx, id)
	}
	return out, nil
}

// GetPaymentByInvoiceID читает напрямую из БД
func (r *CachedAccountRepository) GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	return r.repo.GetPaymentByInvoiceID(ctx, invoiceID)
}

// refresh кладет в кеш текущую строку из БД; при неудаче ключ удаляется
func (r *CachedAccountRepository) refresh(ctx context.Context, id uuid.UUID) {
	account, err := r.repo.GetByID(ctx, id)
	if err == nil {
		if err = r.cache.CacheAccount(ctx, account); err == nil {
			return
		}
	}
	r.log.Warnw("Failed to refresh account cache", "error", err, "accountID", id)
	r.invalidate(ctx, id)
}

func (r *CachedAccountRepository) invalidate(ctx context.Context, id uuid.UUID) {
	if err := r.cache.DeleteCachedAccount(ctx, id); err != nil {
		r.log.Warnw("Failed to invalidate account cache", "error", err, "accountID", id)
	}
}
