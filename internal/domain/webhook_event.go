package domain

import (
	"time"
)

// WebhookEventType тип события платежного провайдера
type WebhookEventType string

const (
	WebhookEventCheckoutCompleted       WebhookEventType = "checkout.session.completed"
	WebhookEventInvoicePaymentSucceeded WebhookEventType = "invoice.payment_succeeded"
	WebhookEventInvoicePaymentFailed    WebhookEventType = "invoice.payment_failed"
	WebhookEventSubscriptionDeleted     WebhookEventType = "customer.subscription.deleted"
)

// Metadata keys shared by the checkout initiator and the webhook verifier.
const (
	MetadataAccountID = "account_id"
	MetadataPlanID    = "plan_id"
	MetadataTrialDays = "trial_days"
)

// VerifiedEvent событие с проверенной подписью. Закрытое объединение:
// реализуется только вариантами из этого файла; разбор через EventVisitor.
type VerifiedEvent interface {
	Meta() EventMeta
	Accept(v EventVisitor) error
	verifiedEvent()
}

// EventVisitor обходит варианты VerifiedEvent. Новый вариант добавляет
// метод сюда, и все обработчики перестают компилироваться, пока его не учтут.
type EventVisitor interface {
	VisitCheckoutCompleted(ev CheckoutCompleted) error
	VisitInvoicePaymentSucceeded(ev InvoicePaymentSucceeded) error
	VisitInvoicePaymentFailed(ev InvoicePaymentFailed) error
	VisitSubscriptionCancelled(ev SubscriptionCancelled) error
	VisitUnhandled(ev Unhandled) error
}

// EventMeta общие поля всех событий
type EventMeta struct {
	ID         string
	Type       WebhookEventType
	OccurredAt time.Time
	// AccountID из metadata объекта события (может быть пустым)
	AccountID string
	// CustomerID клиента Stripe из объекта события (может быть пустым)
	CustomerID string
}

// CheckoutCompleted оформление подписки завершено
type CheckoutCompleted struct {
	EventMeta
	SessionID      string
	SubscriptionID string
	Plan           string
	TrialEndsAt    *time.Time
}

// InvoicePaymentSucceeded инвойс оплачен
type InvoicePaymentSucceeded struct {
	EventMeta
	InvoiceID      string
	ChargeID       string
	SubscriptionID string
	AmountPaid     int64 // minor units
	Currency       string
	PeriodEnd      *time.Time
}

// InvoicePaymentFailed попытка оплаты инвойса не прошла
type InvoicePaymentFailed struct {
	EventMeta
	InvoiceID      string
	ChargeID       string
	SubscriptionID string
	AmountDue      int64 // minor units
	Currency       string
	FailureReason  string
}

// SubscriptionCancelled подписка завершена у провайдера
type SubscriptionCancelled struct {
	EventMeta
	SubscriptionID string
	EndedAt        *time.Time
}

// Unhandled событие известного формата, которое сервис не обрабатывает
type Unhandled struct {
	EventMeta
}

func (m EventMeta) Meta() EventMeta { return m }

func (EventMeta) verifiedEvent() {}

func (ev CheckoutCompleted) Accept(v EventVisitor) error       { return v.VisitCheckoutCompleted(ev) }
func (ev InvoicePaymentSucceeded) Accept(v EventVisitor) error { return v.VisitInvoicePaymentSucceeded(ev) }
func (ev InvoicePaymentFailed) Accept(v EventVisitor) error    { return v.VisitInvoicePaymentFailed(ev) }
func (ev SubscriptionCancelled) Accept(v EventVisitor) error   { return v.VisitSubscriptionCancelled(ev) }
func (ev Unhandled) Accept(v EventVisitor) error               { return v.VisitUnhandled(ev) }
