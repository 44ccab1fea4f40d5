package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/Dhoini/coach-billing/internal/db"
	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/internal/repository"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

const uniqueViolation = "23505"

const accountColumns = `id, email, role, billing_customer_id, subscription_id, subscription_plan,
	subscription_status, trial_ends_at, subscription_ends_at, billing_event_at, created_at, updated_at`

const paymentColumns = `id, account_id, external_invoice_id, external_charge_id, amount, currency,
	status, failure_reason, occurred_at, created_at`

// PostgresAccountRepository реализация репозитория аккаунтов через PostgreSQL
type PostgresAccountRepository struct {
	db  *db.DBClient
	log *logger.Logger
}

// NewPostgresAccountRepository создает новый репозиторий аккаунтов через PostgreSQL
func NewPostgresAccountRepository(client *db.DBClient, log *logger.Logger) *PostgresAccountRepository {
	return &PostgresAccountRepository{
		db:  client,
		log: log,
	}
}

type accountRow struct {
	ID                 uuid.UUID      `db:"id"`
	Email              string         `db:"email"`
	Role               string         `db:"role"`
	BillingCustomerID  sql.NullString `db:"billing_customer_id"`
	SubscriptionID     sql.NullString `db:"subscription_id"`
	SubscriptionPlan   sql.NullString `db:"subscription_plan"`
	SubscriptionStatus sql.NullString `db:"subscription_status"`
	TrialEndsAt        sql.NullTime   `db:"trial_ends_at"`
	SubscriptionEndsAt sql.NullTime   `db:"subscription_ends_at"`
	BillingEventAt     sql.NullTime   `db:"billing_event_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r accountRow) toDomain() *domain.Account {
	return &domain.Account{
		ID:    r.ID,
		Email: r.Email,
		Role:  domain.Role(r.Role),
		Billing: domain.BillingState{
			BillingCustomerID:  r.BillingCustomerID.String,
			SubscriptionID:     r.SubscriptionID.String,
			Plan:               r.SubscriptionPlan.String,
			Status:             domain.SubscriptionStatus(r.SubscriptionStatus.String),
			TrialEndsAt:        timePtr(r.TrialEndsAt),
			SubscriptionEndsAt: timePtr(r.SubscriptionEndsAt),
			StatusChangedAt:    timePtr(r.BillingEventAt),
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type paymentRow struct {
	ID                uuid.UUID      `db:"id"`
	AccountID         uuid.UUID      `db:"account_id"`
	ExternalInvoiceID string         `db:"external_invoice_id"`
	ExternalChargeID  sql.NullString `db:"external_charge_id"`
	Amount            float64        `db:"amount"`
	Currency          string         `db:"currency"`
	Status            string         `db:"status"`
	FailureReason     sql.NullString `db:"failure_reason"`
	OccurredAt        time.Time      `db:"occurred_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (r paymentRow) toDomain() *domain.PaymentRecord {
	rec := &domain.PaymentRecord{
		ID:                r.ID,
		AccountID:         r.AccountID,
		ExternalInvoiceID: r.ExternalInvoiceID,
		ExternalChargeID:  r.ExternalChargeID.String,
		Amount:            r.Amount,
		Currency:          r.Currency,
		Status:            domain.PaymentStatus(r.Status),
		OccurredAt:        r.OccurredAt,
		CreatedAt:         r.CreatedAt,
	}
	if r.FailureReason.Valid {
		reason := r.FailureReason.String
		rec.FailureReason = &reason
	}
	return rec
}

// Create сохраняет аккаунт
func (r *PostgresAccountRepository) Create(ctx context.Context, account *domain.Account) error {
	if account == nil || account.ID == uuid.Nil {
		return repository.ErrInvalidData
	}
	query := `
		INSERT INTO accounts (id, email, role, billing_customer_id)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.DB().ExecContext(ctx, query,
		account.ID, account.Email, string(account.Role), nullString(account.Billing.BillingCustomerID))
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		r.log.Errorw("Failed to insert account", "error", err, "accountID", account.ID)
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetByID возвращает аккаунт по ID
func (r *PostgresAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.getAccount(ctx, r.db.DB(), query, id)
}

// GetByBillingCustomerID возвращает аккаунт по клиенту Stripe
func (r *PostgresAccountRepository) GetByBillingCustomerID(ctx context.Context, customerID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE billing_customer_id = $1`
	return r.getAccount(ctx, r.db.DB(), query, customerID)
}

// AssignBillingCustomer условно записывает клиента Stripe и возвращает сохраненное значение
func (r *PostgresAccountRepository) AssignBillingCustomer(ctx context.Context, id uuid.UUID, customerID string) (string, error) {
	query := `
		UPDATE accounts SET billing_customer_id = $2, updated_at = now()
		WHERE id = $1 AND billing_customer_id IS NULL
		RETURNING billing_customer_id
	`
	var stored string
	err := r.db.DB().QueryRowxContext(ctx, query, id, customerID).Scan(&stored)
	switch {
	case err == nil:
		return stored, nil
	case isUniqueViolation(err):
		return "", repository.ErrDuplicate
	case !errors.Is(err, sql.ErrNoRows):
		r.log.Errorw("Failed to assign billing customer", "error", err, "accountID", id)
		return "", fmt.Errorf("failed to assign billing customer: %w", err)
	}

	// строка не обновилась: аккаунта нет или клиент уже назначен
	var existing sql.NullString
	err = r.db.DB().QueryRowxContext(ctx, `SELECT billing_customer_id FROM accounts WHERE id = $1`, id).Scan(&existing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("failed to read billing customer: %w", err)
	}
	r.log.Debugw("Billing customer already assigned", "accountID", id, "stripeCustomerID", existing.String)
	return existing.String, nil
}

// Reconcile блокирует строку аккаунта, применяет fn и сохраняет результат в одной транзакции
func (r *PostgresAccountRepository) Reconcile(ctx context.Context, id uuid.UUID, fn repository.ReconcileFunc) (domain.Outcome, error) {
	var out domain.Outcome
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
		account, err := r.getAccount(ctx, tx, query, id)
		if err != nil {
			return err
		}

		out, err = fn(account.Billing)
		if err != nil {
			return err
		}

		if out.Payment != nil {
			rec, written, err := r.upsertPayment(ctx, tx, *out.Payment)
			if err != nil {
				return err
			}
			out.Payment = rec
			out.PaymentWritten = written
		}

		if out.StateChanged {
			if err := r.updateBilling(ctx, tx, id, out.State); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Outcome{}, err
	}
	return out, nil
}

// GetPaymentByInvoiceID возвращает запись журнала по номеру инвойса
func (r *PostgresAccountRepository) GetPaymentByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_records WHERE external_invoice_id = $1`
	var row paymentRow
	if err := r.db.DB().GetContext(ctx, &row, query, invoiceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment record: %w", err)
	}
	return row.toDomain(), nil
}

// upsertPayment пишет запись журнала. Повтор по тому же инвойсу ничего не меняет,
// кроме перехода failed -> succeeded. written сообщает, изменилась ли строка.
func (r *PostgresAccountRepository) upsertPayment(ctx context.Context, tx *sqlx.Tx, rec domain.PaymentRecord) (*domain.PaymentRecord, bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	query := `
		INSERT INTO payment_records (id, account_id, external_invoice_id, external_charge_id, amount,
			currency, status, failure_reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_invoice_id) DO UPDATE SET
			status = EXCLUDED.status,
			amount = EXCLUDED.amount,
			external_charge_id = COALESCE(EXCLUDED.external_charge_id, payment_records.external_charge_id),
			failure_reason = NULL,
			occurred_at = EXCLUDED.occurred_at
		WHERE payment_records.status = 'failed' AND EXCLUDED.status = 'succeeded'
	`
	var reason sql.NullString
	if rec.FailureReason != nil {
		reason = sql.NullString{String: *rec.FailureReason, Valid: true}
	}
	res, err := tx.ExecContext(ctx, query,
		rec.ID, rec.AccountID, rec.ExternalInvoiceID, nullString(rec.ExternalChargeID), rec.Amount,
		rec.Currency, string(rec.Status), reason, rec.OccurredAt)
	if err != nil {
		r.log.Errorw("Failed to write payment record", "error", err, "invoiceID", rec.ExternalInvoiceID)
		return nil, false, fmt.Errorf("failed to write payment record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to write payment record: %w", err)
	}
	if n == 0 {
		r.log.Debugw("Payment record already present", "invoiceID", rec.ExternalInvoiceID)
	}

	var row paymentRow
	query = `SELECT ` + paymentColumns + ` FROM payment_records WHERE external_invoice_id = $1`
	if err := tx.GetContext(ctx, &row, query, rec.ExternalInvoiceID); err != nil {
		return nil, false, fmt.Errorf("failed to read payment record: %w", err)
	}
	return row.toDomain(), n > 0, nil
}

func (r *PostgresAccountRepository) updateBilling(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, s domain.BillingState) error {
	query := `
		UPDATE accounts SET
			billing_customer_id = $2,
			subscription_id = $3,
			subscription_plan = $4,
			subscription_status = $5,
			trial_ends_at = $6,
			subscription_ends_at = $7,
			billing_event_at = $8,
			updated_at = now()
		WHERE id = $1
	`
	_, err := tx.ExecContext(ctx, query, id,
		nullString(s.BillingCustomerID),
		nullString(s.SubscriptionID),
		nullString(s.Plan),
		nullString(string(s.Status)),
		nullTime(s.TrialEndsAt),
		nullTime(s.SubscriptionEndsAt),
		nullTime(s.StatusChangedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		r.log.Errorw("Failed to update billing state", "error", err, "accountID", id)
		return fmt.Errorf("failed to update billing state: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) getAccount(ctx context.Context, q sqlx.QueryerContext, query string, arg any) (*domain.Account, error) {
	var row accountRow
	if err := sqlx.GetContext(ctx, q, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		r.log.Errorw("Failed to get account", "error", err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return row.toDomain(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
