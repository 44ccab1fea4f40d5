package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// ReconcileFunc вычисляет новое состояние по текущему. Вызывается под блокировкой строки аккаунта.
type ReconcileFunc func(current domain.BillingState) (domain.Outcome, error)

// AccountRepository хранилище платежного состояния аккаунтов и журнала платежей
type AccountRepository interface {
	// Create сохраняет аккаунт. Используется при заведении аккаунтов и в тестах.
	Create(ctx context.Context, account *domain.Account) error

	// GetByID возвращает аккаунт или ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// GetByBillingCustomerID ищет аккаунт по клиенту Stripe или возвращает ErrNotFound.
	GetByBillingCustomerID(ctx context.Context, customerID string) (*domain.Account, error)

	// AssignBillingCustomer записывает клиента Stripe, только если поле еще пустое,
	// и возвращает сохраненное значение (свое или записанное конкурентом).
	AssignBillingCustomer(ctx context.Context, id uuid.UUID, customerID string) (string, error)

	// Reconcile применяет fn к состоянию аккаунта атомарно: блокировка строки,
	// запись состояния и запись в журнал платежей в одной транзакции.
	Reconcile(ctx context.Context, id uuid.UUID, fn ReconcileFunc) (domain.Outcome, error)

	// GetPaymentByInvoiceID возвращает запись журнала по номеру инвойса или ErrNotFound.
	GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error)
}

// InMemoryAccountRepository реализация репозитория в памяти
type InMemoryAccountRepository struct {
	accounts map[uuid.UUID]domain.Account
	payments map[string]domain.PaymentRecord
	mutex    sync.RWMutex
	log      *logger.Logger
}

// NewInMemoryAccountRepository создает новый репозиторий аккаунтов в памяти
func NewInMemoryAccountRepository(log *logger.Logger) *InMemoryAccountRepository {
	return &InMemoryAccountRepository{
		accounts: make(map[uuid.UUID]domain.Account),
		payments: make(map[string]domain.PaymentRecord),
		log:      log,
	}
}

// Create сохраняет аккаунт
func (r *InMemoryAccountRepository) Create(ctx context.Context, account *domain.Account) error {
	if account == nil || account.ID == uuid.Nil {
		return ErrInvalidData
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.accounts[account.ID]; exists {
		return ErrDuplicate
	}
	if account.Billing.BillingCustomerID != "" {
		if _, taken := r.findByCustomerLocked(account.Billing.BillingCustomerID); taken {
			return ErrDuplicate
		}
	}

	now := time.Now().UTC()
	stored := *account
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.accounts[stored.ID] = stored
	return nil
}

// GetByID возвращает аккаунт по ID
func (r *InMemoryAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	account, exists := r.accounts[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &account, nil
}

// GetByBillingCustomerID возвращает аккаунт по клиенту Stripe
func (r *InMemoryAccountRepository) GetByBillingCustomerID(ctx context.Context, customerID string) (*domain.Account, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	account, found := r.findByCustomerLocked(customerID)
	if !found {
		return nil, ErrNotFound
	}
	return &account, nil
}

// AssignBillingCustomer записывает клиента Stripe, если он еще не назначен
func (r *InMemoryAccountRepository) AssignBillingCustomer(ctx context.Context, id uuid.UUID, customerID string) (string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	account, exists := r.accounts[id]
	if !exists {
		return "", ErrNotFound
	}
	if account.Billing.BillingCustomerID != "" {
		return account.Billing.BillingCustomerID, nil
	}
	if other, taken := r.findByCustomerLocked(customerID); taken && other.ID != id {
		return "", ErrDuplicate
	}

	account.Billing.BillingCustomerID = customerID
	account.UpdatedAt = time.Now().UTC()
	r.accounts[id] = account
	return customerID, nil
}

// Reconcile применяет fn под эксклюзивной блокировкой репозитория
func (r *InMemoryAccountRepository) Reconcile(ctx context.Context, id uuid.UUID, fn ReconcileFunc) (domain.Outcome, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	account, exists := r.accounts[id]
	if !exists {
		return domain.Outcome{}, ErrNotFound
	}

	out, err := fn(account.Billing)
	if err != nil {
		return domain.Outcome{}, err
	}
	if out.StateChanged && out.State.BillingCustomerID != "" && out.State.BillingCustomerID != account.Billing.BillingCustomerID {
		if other, taken := r.findByCustomerLocked(out.State.BillingCustomerID); taken && other.ID != id {
			return domain.Outcome{}, ErrDuplicate
		}
	}

	if out.Payment != nil {
		rec := *out.Payment
		if existing, ok := r.payments[rec.ExternalInvoiceID]; ok {
			// failed можно повысить до succeeded, обратно нельзя
			if existing.Status == domain.PaymentStatusFailed && rec.Status == domain.PaymentStatusSucceeded {
				existing.Status = rec.Status
				existing.Amount = rec.Amount
				existing.FailureReason = nil
				existing.OccurredAt = rec.OccurredAt
				if rec.ExternalChargeID != "" {
					existing.ExternalChargeID = rec.ExternalChargeID
				}
				r.payments[rec.ExternalInvoiceID] = existing
				out.PaymentWritten = true
				r.log.Debugw("Payment record upgraded to succeeded", "invoiceID", rec.ExternalInvoiceID)
			}
			out.Payment = &existing
		} else {
			if rec.ID == uuid.Nil {
				rec.ID = uuid.New()
			}
			rec.CreatedAt = time.Now().UTC()
			r.payments[rec.ExternalInvoiceID] = rec
			out.Payment = &rec
			out.PaymentWritten = true
		}
	}

	if out.StateChanged {
		account.Billing = out.State
		account.UpdatedAt = time.Now().UTC()
		r.accounts[id] = account
	}
	return out, nil
}

// GetPaymentByInvoiceID возвращает запись журнала по номеру инвойса
func (r *InMemoryAccountRepository) GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rec, exists := r.payments[invoiceID]
	if !exists {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Payments возвращает количество записей журнала
func (r *InMemoryAccountRepository) Payments() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.payments)
}

func (r *InMemoryAccountRepository) findByCustomerLocked(customerID string) (domain.Account, bool) {
	for _, account := range r.accounts {
		if account.Billing.BillingCustomerID == customerID {
			return account, true
		}
	}
	return domain.Account{}, false
}
