package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/internal/metrics"
	"github.com/Dhoini/coach-billing/internal/repository"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// EventVerifier проверяет подпись и разбирает тело вебхука
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (domain.VerifiedEvent, error)
}

// WebhookResult итог обработки одной доставки
type WebhookResult struct {
	EventID   string
	EventType domain.WebhookEventType
	AccountID uuid.UUID
	Outcome   string
}

// WebhookService принимает вебхуки Stripe и сводит их в состояние аккаунта
type WebhookService interface {
	// Process проверяет подпись доставки и применяет событие
	Process(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error)
	// Apply применяет уже проверенное событие
	Apply(ctx context.Context, ev domain.VerifiedEvent) (*WebhookResult, error)
}

type webhookService struct {
	repo     repository.AccountRepository
	verifier EventVerifier
	metrics  metrics.BillingMetrics
	log      *logger.Logger
}

// NewWebhookService создает сервис обработки вебхуков
func NewWebhookService(repo repository.AccountRepository, verifier EventVerifier, m metrics.BillingMetrics, log *logger.Logger) WebhookService {
	return &webhookService{
		repo:     repo,
		verifier: verifier,
		metrics:  m,
		log:      log,
	}
}

// Process проверяет подпись над сырыми байтами; без валидной подписи событие не применяется.
func (s *webhookService) Process(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	start := time.Now()

	ev, err := s.verifier.Verify(payload, signatureHeader)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSignature):
			s.log.Warnw("Rejected webhook with invalid signature", "error", err)
			s.metrics.IncWebhook("unknown", metrics.WebhookInvalidSignature)
		case errors.Is(err, domain.ErrMalformedEvent):
			s.log.Warnw("Rejected malformed webhook", "error", err)
			s.metrics.IncWebhook("unknown", metrics.WebhookMalformed)
		default:
			s.log.Errorw("Webhook verification failed", "error", err)
			s.metrics.IncWebhook("unknown", metrics.WebhookError)
		}
		return nil, err
	}

	defer func() {
		s.metrics.ObserveWebhookDuration(string(ev.Meta().Type), time.Since(start).Seconds())
	}()
	return s.Apply(ctx, ev)
}

// Apply сводит событие в состояние аккаунта в одной транзакции с журналом платежей.
// Повторное применение того же события ничего не меняет.
func (s *webhookService) Apply(ctx context.Context, ev domain.VerifiedEvent) (*WebhookResult, error) {
	meta := ev.Meta()
	eventType := string(meta.Type)
	result := &WebhookResult{EventID: meta.ID, EventType: meta.Type}
	log := s.log.With("eventID", meta.ID, "eventType", eventType)

	if _, ok := ev.(domain.Unhandled); ok {
		log.Infow("Ignoring unhandled webhook event")
		result.Outcome = metrics.WebhookUnhandled
		s.metrics.IncWebhook(eventType, result.Outcome)
		return result, nil
	}

	account, err := s.resolveAccount(ctx, meta)
	if err != nil {
		log.Errorw("Failed to resolve account for webhook", "error", err)
		s.metrics.IncWebhook(eventType, metrics.WebhookError)
		return nil, domain.Upstream("ResolveAccount", err)
	}
	if account == nil {
		// провайдер не должен повторять доставку, аккаунт все равно не появится
		log.Warnw("Dropping webhook for unknown account",
			"metadataAccountID", meta.AccountID,
			"stripeCustomerID", meta.CustomerID,
		)
		result.Outcome = metrics.WebhookUnresolved
		s.metrics.IncWebhook(eventType, result.Outcome)
		return result, nil
	}
	result.AccountID = account.ID
	log = log.With("accountID", account.ID)

	out, err := s.reconcile(ctx, account.ID, ev, domain.Reconcile)
	if errors.Is(err, repository.ErrDuplicate) {
		log.Warnw("Stripe customer belongs to another account, applying without it", "stripeCustomerID", meta.CustomerID)
		out, err = s.reconcile(ctx, account.ID, ev, domain.ReconcileKeepingCustomer)
	}
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			log.Warnw("Account disappeared before webhook was applied")
			result.Outcome = metrics.WebhookUnresolved
			s.metrics.IncWebhook(eventType, result.Outcome)
			return result, nil
		case errors.Is(err, repository.ErrDuplicate):
			// повтор доставки не поможет
			log.Errorw("Webhook conflicts with stored billing data", "error", err)
			result.Outcome = metrics.WebhookConflict
			s.metrics.IncWebhook(eventType, result.Outcome)
			return result, nil
		}
		log.Errorw("Failed to apply webhook event", "error", err)
		s.metrics.IncWebhook(eventType, metrics.WebhookError)
		return nil, domain.Upstream("Reconcile", err)
	}

	if out.Payment != nil && out.PaymentWritten {
		s.metrics.IncPaymentRecorded(string(out.Payment.Status), out.Payment.Currency)
		s.metrics.ObservePaymentAmount(out.Payment.Amount, out.Payment.Currency, string(out.Payment.Status))
	}

	if out.StateChanged {
		result.Outcome = metrics.WebhookApplied
		log.Infow("Billing state updated",
			"status", out.State.Status,
			"plan", out.State.Plan,
			"subscriptionID", out.State.SubscriptionID,
		)
	} else {
		result.Outcome = metrics.WebhookNoop
		log.Debugw("Webhook event left billing state unchanged", "reason", out.Skipped)
	}
	s.metrics.IncWebhook(eventType, result.Outcome)
	return result, nil
}

func (s *webhookService) reconcile(ctx context.Context, accountID uuid.UUID, ev domain.VerifiedEvent,
	reduce func(uuid.UUID, domain.BillingState, domain.VerifiedEvent) (domain.Outcome, error)) (domain.Outcome, error) {
	return s.repo.Reconcile(ctx, accountID, func(current domain.BillingState) (domain.Outcome, error) {
		return reduce(accountID, current, ev)
	})
}

// resolveAccount ищет аккаунт сначала по account_id из metadata, затем по клиенту Stripe.
// Возвращает nil без ошибки, если аккаунт не найден.
func (s *webhookService) resolveAccount(ctx context.Context, meta domain.EventMeta) (*domain.Account, error) {
	if meta.AccountID != "" {
		id, err := uuid.Parse(meta.AccountID)
		if err != nil {
			s.log.Warnw("Webhook metadata carries invalid account id", "eventID", meta.ID, "metadataAccountID", meta.AccountID)
		} else {
			account, err := s.repo.GetByID(ctx, id)
			switch {
			case err == nil:
				return account, nil
			case !errors.Is(err, repository.ErrNotFound):
				return nil, err
			}
		}
	}

	if meta.CustomerID == "" {
		return nil, nil
	}
	account, err := s.repo.GetByBillingCustomerID(ctx, meta.CustomerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}
