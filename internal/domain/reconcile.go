package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome результат применения события к платежному состоянию аккаунта
type Outcome struct {
	State        BillingState
	StateChanged bool
	// Payment запись журнала, которую нужно сохранить (идемпотентно по номеру инвойса)
	Payment *PaymentRecord
	// PaymentWritten выставляет хранилище: запись вставлена или повышена до succeeded
	PaymentWritten bool
	// Skipped почему статус не изменился, для логов
	Skipped string
}

// Reconcile применяет проверенное событие к текущему состоянию аккаунта.
// Функция чистая: транзакцию и блокировку строки обеспечивает хранилище.
//
// Правила упорядочивания:
//   - subscription_ends_at при оплате инвойса двигается только вперед;
//   - cancelled окончателен для своей подписки;
//   - события старше StatusChangedAt статус не меняют (журнал пишется);
//   - события по чужой подписке меняют только журнал.
func Reconcile(accountID uuid.UUID, current BillingState, ev VerifiedEvent) (Outcome, error) {
	return reconcile(accountID, current, ev, true)
}

// ReconcileKeepingCustomer то же, что Reconcile, но клиента Stripe из события не привязывает.
// Нужен, когда клиент события уже принадлежит другому аккаунту.
func ReconcileKeepingCustomer(accountID uuid.UUID, current BillingState, ev VerifiedEvent) (Outcome, error) {
	return reconcile(accountID, current, ev, false)
}

func reconcile(accountID uuid.UUID, current BillingState, ev VerifiedEvent, adoptCustomer bool) (Outcome, error) {
	r := &reducer{accountID: accountID, next: current, adoptCustomer: adoptCustomer}
	if err := ev.Accept(r); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		State:        r.next,
		StateChanged: !sameState(current, r.next),
		Payment:      r.payment,
		Skipped:      r.skipped,
	}, nil
}

type reducer struct {
	accountID     uuid.UUID
	adoptCustomer bool
	next          BillingState
	payment       *PaymentRecord
	skipped       string
}

func (r *reducer) VisitCheckoutCompleted(ev CheckoutCompleted) error {
	s := r.next
	at := ev.OccurredAt

	switch {
	case s.SubscriptionID == ev.SubscriptionID && s.Status == SubscriptionStatusCancelled:
		r.skipped = "subscription already cancelled"
		return nil
	case s.SubscriptionID == ev.SubscriptionID && isLive(s.Status):
		// invoice events got here first, status is already theirs
		if ev.Plan != "" {
			s.Plan = ev.Plan
		}
	case s.SubscriptionID != "" && s.SubscriptionID != ev.SubscriptionID && isLive(s.Status) && isStale(s, at):
		r.skipped = "checkout older than current subscription"
		return nil
	default:
		if s.SubscriptionID != ev.SubscriptionID {
			s.SubscriptionEndsAt = nil
		}
		s.SubscriptionID = ev.SubscriptionID
		if ev.Plan != "" {
			s.Plan = ev.Plan
		}
		s.Status = SubscriptionStatusActive
		s.StatusChangedAt = laterOf(s.StatusChangedAt, &at)
	}

	if s.TrialEndsAt == nil && ev.TrialEndsAt != nil {
		s.TrialEndsAt = ev.TrialEndsAt
	}
	r.adopt(&s, ev.CustomerID)
	r.next = s
	return nil
}

func (r *reducer) VisitInvoicePaymentSucceeded(ev InvoicePaymentSucceeded) error {
	r.payment = r.paymentRecord(ev.EventMeta, ev.InvoiceID, ev.ChargeID, ev.AmountPaid, ev.Currency, PaymentStatusSucceeded, "")

	s := r.next
	at := ev.OccurredAt
	if skip := r.ledgerOnly(s, ev.SubscriptionID); skip != "" {
		r.skipped = skip
		return nil
	}

	if s.SubscriptionID == "" {
		s.SubscriptionID = ev.SubscriptionID
	}
	s.SubscriptionEndsAt = laterOf(s.SubscriptionEndsAt, ev.PeriodEnd)
	if isStale(s, at) {
		r.skipped = "payment older than last status change"
	} else {
		s.Status = SubscriptionStatusActive
		s.StatusChangedAt = laterOf(s.StatusChangedAt, &at)
	}
	r.adopt(&s, ev.CustomerID)
	r.next = s
	return nil
}

func (r *reducer) VisitInvoicePaymentFailed(ev InvoicePaymentFailed) error {
	r.payment = r.paymentRecord(ev.EventMeta, ev.InvoiceID, ev.ChargeID, ev.AmountDue, ev.Currency, PaymentStatusFailed, ev.FailureReason)

	s := r.next
	at := ev.OccurredAt
	if skip := r.ledgerOnly(s, ev.SubscriptionID); skip != "" {
		r.skipped = skip
		return nil
	}
	if isStale(s, at) {
		r.skipped = "failure older than last status change"
		return nil
	}

	if s.SubscriptionID == "" {
		s.SubscriptionID = ev.SubscriptionID
	}
	s.Status = SubscriptionStatusPastDue
	s.StatusChangedAt = laterOf(s.StatusChangedAt, &at)
	r.adopt(&s, ev.CustomerID)
	r.next = s
	return nil
}

func (r *reducer) VisitSubscriptionCancelled(ev SubscriptionCancelled) error {
	s := r.next
	at := ev.OccurredAt
	if s.SubscriptionID != "" && s.SubscriptionID != ev.SubscriptionID {
		r.skipped = "cancellation of a replaced subscription"
		return nil
	}

	s.SubscriptionID = ev.SubscriptionID
	s.Status = SubscriptionStatusCancelled
	if ev.EndedAt != nil {
		s.SubscriptionEndsAt = ev.EndedAt
	}
	s.StatusChangedAt = laterOf(s.StatusChangedAt, &at)
	r.next = s
	return nil
}

func (r *reducer) VisitUnhandled(ev Unhandled) error {
	r.skipped = "unhandled event type " + string(ev.Type)
	return nil
}

// adopt привязывает клиента из события к аккаунту без клиента
func (r *reducer) adopt(s *BillingState, customerID string) {
	if r.adoptCustomer && s.BillingCustomerID == "" {
		s.BillingCustomerID = customerID
	}
}

// ledgerOnly возвращает причину, по которой событие инвойса не должно трогать статус
func (r *reducer) ledgerOnly(s BillingState, subscriptionID string) string {
	switch {
	case subscriptionID == "":
		return "invoice without subscription"
	case s.SubscriptionID != "" && s.SubscriptionID != subscriptionID:
		return "invoice for another subscription"
	case s.Status == SubscriptionStatusCancelled:
		return "subscription already cancelled"
	}
	return ""
}

func (r *reducer) paymentRecord(meta EventMeta, invoiceID, chargeID string, minor int64, currency string, status PaymentStatus, reason string) *PaymentRecord {
	rec := &PaymentRecord{
		AccountID:         r.accountID,
		ExternalInvoiceID: invoiceID,
		ExternalChargeID:  chargeID,
		Amount:            MinorToMajor(minor),
		Currency:          currency,
		Status:            status,
		OccurredAt:        meta.OccurredAt,
	}
	if reason != "" {
		rec.FailureReason = &reason
	}
	return rec
}

func isLive(s SubscriptionStatus) bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusPastDue
}

func isStale(s BillingState, at time.Time) bool {
	return s.StatusChangedAt != nil && at.Before(*s.StatusChangedAt)
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sameState(a, b BillingState) bool {
	return a.BillingCustomerID == b.BillingCustomerID &&
		a.SubscriptionID == b.SubscriptionID &&
		a.Plan == b.Plan &&
		a.Status == b.Status &&
		sameTime(a.TrialEndsAt, b.TrialEndsAt) &&
		sameTime(a.SubscriptionEndsAt, b.SubscriptionEndsAt) &&
		sameTime(a.StatusChangedAt, b.StatusChangedAt)
}
