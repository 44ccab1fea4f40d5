package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// DefaultWebhookTolerance допустимый возраст подписи
const DefaultWebhookTolerance = webhook.DefaultTolerance

// Verifier проверяет подпись вебхука Stripe и разбирает событие в domain.VerifiedEvent
type Verifier struct {
	secret    string
	tolerance time.Duration
	log       *logger.Logger
}

// NewVerifier создает проверяющего с общим секретом эндпоинта
func NewVerifier(secret string, tolerance time.Duration, log *logger.Logger) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, log: log}
}

// Verify проверяет подпись над сырыми байтами тела и разбирает событие.
// Ошибка подписи -> domain.ErrInvalidSignature, неразбираемое тело -> domain.ErrMalformedEvent.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (domain.VerifiedEvent, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", domain.ErrInvalidSignature)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", domain.ErrMalformedEvent, err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event without id, type or data", domain.ErrMalformedEvent)
	}

	meta := domain.EventMeta{
		ID:         event.ID,
		Type:       domain.WebhookEventType(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	var (
		verified domain.VerifiedEvent
		err      error
	)
	switch meta.Type {
	case domain.WebhookEventCheckoutCompleted:
		verified, err = decodeCheckout(meta, event.Data.Raw)
	case domain.WebhookEventInvoicePaymentSucceeded:
		verified, err = decodeInvoicePaid(meta, event.Data.Raw)
	case domain.WebhookEventInvoicePaymentFailed:
		verified, err = decodeInvoiceFailed(meta, event.Data.Raw)
	case domain.WebhookEventSubscriptionDeleted:
		verified, err = decodeSubscriptionDeleted(meta, event.Data.Raw)
	default:
		verified = domain.Unhandled{EventMeta: meta}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, meta.Type, err)
	}

	v.log.Debugw("Stripe webhook verified", "eventID", meta.ID, "type", meta.Type)
	return verified, nil
}

func decodeCheckout(meta domain.EventMeta, raw json.RawMessage) (domain.VerifiedEvent, error) {
	var session checkoutSessionPayload
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, err
	}
	meta.CustomerID = string(session.Customer)
	meta.AccountID = session.Metadata[domain.MetadataAccountID]
	if meta.AccountID == "" {
		meta.AccountID = session.ClientReferenceID
	}

	// оплата разовых покупок и сессии без подписки сюда не относятся
	if session.Mode != string(stripe.CheckoutSessionModeSubscription) || session.Subscription == "" {
		return domain.Unhandled{EventMeta: meta}, nil
	}

	ev := domain.CheckoutCompleted{
		EventMeta:      meta,
		SessionID:      session.ID,
		SubscriptionID: string(session.Subscription),
		Plan:           session.Metadata[domain.MetadataPlanID],
	}
	if days, err := strconv.ParseInt(session.Metadata[domain.MetadataTrialDays], 10, 64); err == nil && days > 0 {
		trialEnd := meta.OccurredAt.Add(time.Duration(days) * 24 * time.Hour)
		ev.TrialEndsAt = &trialEnd
	}
	return ev, nil
}

func decodeInvoicePaid(meta domain.EventMeta, raw json.RawMessage) (domain.VerifiedEvent, error) {
	inv, err := decodeInvoice(raw)
	if err != nil {
		return nil, err
	}
	meta.CustomerID = string(inv.Customer)
	meta.AccountID = inv.accountID()
	return domain.InvoicePaymentSucceeded{
		EventMeta:      meta,
		InvoiceID:      inv.ID,
		ChargeID:       inv.chargeID(),
		SubscriptionID: inv.subscriptionID(),
		AmountPaid:     inv.AmountPaid,
		Currency:       inv.Currency,
		PeriodEnd:      inv.periodEnd(),
	}, nil
}

func decodeInvoiceFailed(meta domain.EventMeta, raw json.RawMessage) (domain.VerifiedEvent, error) {
	inv, err := decodeInvoice(raw)
	if err != nil {
		return nil, err
	}
	meta.CustomerID = string(inv.Customer)
	meta.AccountID = inv.accountID()
	return domain.InvoicePaymentFailed{
		EventMeta:      meta,
		InvoiceID:      inv.ID,
		ChargeID:       inv.chargeID(),
		SubscriptionID: inv.subscriptionID(),
		AmountDue:      inv.AmountDue,
		Currency:       inv.Currency,
		FailureReason:  inv.failureReason(),
	}, nil
}

func decodeSubscriptionDeleted(meta domain.EventMeta, raw json.RawMessage) (domain.VerifiedEvent, error) {
	var sub subscriptionPayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("subscription without id")
	}
	meta.CustomerID = string(sub.Customer)
	meta.AccountID = sub.Metadata[domain.MetadataAccountID]

	ev := domain.SubscriptionCancelled{EventMeta: meta, SubscriptionID: sub.ID}
	switch {
	case sub.EndedAt > 0:
		ev.EndedAt = unixPtr(sub.EndedAt)
	case sub.CurrentPeriodEnd > 0:
		ev.EndedAt = unixPtr(sub.CurrentPeriodEnd)
	}
	return ev, nil
}

func decodeInvoice(raw json.RawMessage) (*invoicePayload, error) {
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, err
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("invoice without id")
	}
	inv.Currency = strings.ToLower(inv.Currency)
	return &inv, nil
}

func unixPtr(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

// expandableID поле Stripe, которое приходит строкой-идентификатором или развернутым объектом
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*e = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
	default:
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*e = expandableID(obj.ID)
	}
	return nil
}

// paymentIntentRef payment_intent инвойса: строкой или развернутым объектом с ошибкой
type paymentIntentRef struct {
	ID               string
	LastPaymentError *paymentError
}

func (p *paymentIntentRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.ID)
	}
	var obj struct {
		ID               string        `json:"id"`
		LastPaymentError *paymentError `json:"last_payment_error"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.ID, p.LastPaymentError = obj.ID, obj.LastPaymentError
	return nil
}

type paymentError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *paymentError) reason() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Code != "":
		return e.Code
	case e.DeclineCode != "":
		return e.DeclineCode
	default:
		return e.Message
	}
}

// checkoutSessionPayload минимальное представление checkout.session
type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// invoicePayload минимальное представление invoice. Поддерживает старую схему
// (subscription, charge на верхнем уровне) и новую (parent.subscription_details).
type invoicePayload struct {
	ID                  string               `json:"id"`
	Customer            expandableID         `json:"customer"`
	Subscription        expandableID         `json:"subscription"`
	Charge              expandableID         `json:"charge"`
	PaymentIntent       paymentIntentRef     `json:"payment_intent"`
	AmountPaid          int64                `json:"amount_paid"`
	AmountDue           int64                `json:"amount_due"`
	Currency            string               `json:"currency"`
	PeriodEnd           int64                `json:"period_end"`
	Metadata            map[string]string    `json:"metadata"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	LastFinalizationError *paymentError `json:"last_finalization_error"`
}

func (inv *invoicePayload) parentDetails() *subscriptionDetails {
	if inv.Parent == nil {
		return nil
	}
	return inv.Parent.SubscriptionDetails
}

func (inv *invoicePayload) subscriptionID() string {
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	if d := inv.parentDetails(); d != nil {
		return string(d.Subscription)
	}
	return ""
}

func (inv *invoicePayload) accountID() string {
	for _, d := range []*subscriptionDetails{inv.SubscriptionDetails, inv.parentDetails()} {
		if d != nil && d.Metadata[domain.MetadataAccountID] != "" {
			return d.Metadata[domain.MetadataAccountID]
		}
	}
	return inv.Metadata[domain.MetadataAccountID]
}

func (inv *invoicePayload) chargeID() string {
	if inv.Charge != "" {
		return string(inv.Charge)
	}
	return inv.PaymentIntent.ID
}

// periodEnd конец оплаченного периода: самая поздняя строка инвойса, иначе period_end
func (inv *invoicePayload) periodEnd() *time.Time {
	var end int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	if end == 0 {
		end = inv.PeriodEnd
	}
	if end == 0 {
		return nil
	}
	return unixPtr(end)
}

func (inv *invoicePayload) failureReason() string {
	if r := inv.PaymentIntent.LastPaymentError.reason(); r != "" {
		return r
	}
	return inv.LastFinalizationError.reason()
}

// subscriptionPayload минимальное представление subscription
type subscriptionPayload struct {
	ID               string            `json:"id"`
	Customer         expandableID      `json:"customer"`
	Status           string            `json:"status"`
	EndedAt          int64             `json:"ended_at"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
}
