package stripe

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

const testSecret = "whsec_test_secret"

func sign(t *testing.T, payload string, ts time.Time) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	return signed.Header, signed.Payload
}

func newTestVerifier() *Verifier {
	return NewVerifier(testSecret, 5*time.Minute, logger.NewNop())
}

func verify(t *testing.T, payload string) domain.VerifiedEvent {
	t.Helper()
	header, body := sign(t, payload, time.Now())
	ev, err := newTestVerifier().Verify(body, header)
	require.NoError(t, err)
	return ev
}

const checkoutEvent = `{
  "id": "evt_checkout",
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1772366400,
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "mode": "subscription",
    "customer": "cus_123",
    "subscription": "sub_123",
    "client_reference_id": "6f1c2c1e-3b7a-4d1e-9a55-0c1f0f3f2a10",
    "metadata": {"account_id": "6f1c2c1e-3b7a-4d1e-9a55-0c1f0f3f2a10", "plan_id": "premium", "trial_days": "14"}
  }}
}`

func TestVerify_CheckoutCompleted(t *testing.T) {
	ev := verify(t, checkoutEvent)

	checkout, ok := ev.(domain.CheckoutCompleted)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "evt_checkout", checkout.ID)
	assert.Equal(t, "sub_123", checkout.SubscriptionID)
	assert.Equal(t, "premium", checkout.Plan)
	assert.Equal(t, "cus_123", checkout.CustomerID)
	assert.Equal(t, "6f1c2c1e-3b7a-4d1e-9a55-0c1f0f3f2a10", checkout.AccountID)
	require.NotNil(t, checkout.TrialEndsAt)
	assert.Equal(t, time.Unix(1772366400, 0).UTC().Add(14*24*time.Hour), *checkout.TrialEndsAt)
}

func TestVerify_CheckoutPaymentModeIsUnhandled(t *testing.T) {
	ev := verify(t, `{"id":"evt_1","type":"checkout.session.completed","created":1,
		"data":{"object":{"id":"cs_1","mode":"payment","customer":"cus_1"}}}`)

	_, ok := ev.(domain.Unhandled)
	assert.True(t, ok, "got %T", ev)
}

func TestVerify_InvoicePaymentFailed(t *testing.T) {
	ev := verify(t, `{
	  "id": "evt_failed",
	  "type": "invoice.payment_failed",
	  "created": 1772366400,
	  "data": {"object": {
	    "id": "in_1",
	    "customer": "cus_123",
	    "subscription": "sub_123",
	    "amount_due": 7900,
	    "amount_paid": 0,
	    "currency": "USD",
	    "charge": "ch_1",
	    "payment_intent": {"id": "pi_1", "last_payment_error": {"code": "card_declined", "message": "Your card was declined."}},
	    "subscription_details": {"metadata": {"account_id": "acc-1"}}
	  }}
	}`)

	failed, ok := ev.(domain.InvoicePaymentFailed)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "in_1", failed.InvoiceID)
	assert.Equal(t, "ch_1", failed.ChargeID)
	assert.Equal(t, "sub_123", failed.SubscriptionID)
	assert.Equal(t, int64(7900), failed.AmountDue)
	assert.Equal(t, "usd", failed.Currency)
	assert.Equal(t, "card_declined", failed.FailureReason)
	assert.Equal(t, "acc-1", failed.AccountID)
}

func TestVerify_InvoicePaymentSucceededNewSchema(t *testing.T) {
	ev := verify(t, `{
	  "id": "evt_paid",
	  "type": "invoice.payment_succeeded",
	  "created": 1772366400,
	  "data": {"object": {
	    "id": "in_2",
	    "customer": "cus_123",
	    "amount_paid": 7900,
	    "currency": "usd",
	    "payment_intent": "pi_2",
	    "period_end": 1772366400,
	    "parent": {"subscription_details": {"subscription": "sub_123", "metadata": {"account_id": "acc-2"}}},
	    "lines": {"data": [{"period": {"end": 1774958400}}, {"period": {"end": 1774872000}}]}
	  }}
	}`)

	paid, ok := ev.(domain.InvoicePaymentSucceeded)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "sub_123", paid.SubscriptionID)
	assert.Equal(t, "pi_2", paid.ChargeID)
	assert.Equal(t, "acc-2", paid.AccountID)
	assert.Equal(t, int64(7900), paid.AmountPaid)
	require.NotNil(t, paid.PeriodEnd)
	assert.Equal(t, time.Unix(1774958400, 0).UTC(), *paid.PeriodEnd)
}

func TestVerify_SubscriptionDeleted(t *testing.T) {
	ev := verify(t, `{"id":"evt_del","type":"customer.subscription.deleted","created":1772366400,
		"data":{"object":{"id":"sub_123","customer":{"id":"cus_123","object":"customer"},"status":"canceled",
		"ended_at":1772366000,"current_period_end":1774958400}}}`)

	cancelled, ok := ev.(domain.SubscriptionCancelled)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "sub_123", cancelled.SubscriptionID)
	assert.Equal(t, "cus_123", cancelled.CustomerID)
	require.NotNil(t, cancelled.EndedAt)
	assert.Equal(t, time.Unix(1772366000, 0).UTC(), *cancelled.EndedAt)
}

func TestVerify_UnknownTypeIsUnhandled(t *testing.T) {
	ev := verify(t, `{"id":"evt_x","type":"invoice.paid","created":1,"data":{"object":{"id":"in_1"}}}`)

	un, ok := ev.(domain.Unhandled)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, domain.WebhookEventType("invoice.paid"), un.Type)
}

func TestVerify_InvalidSignature(t *testing.T) {
	v := newTestVerifier()
	header, body := sign(t, checkoutEvent, time.Now())

	tests := []struct {
		name   string
		body   []byte
		header string
	}{
		{name: "missing header", body: body, header: ""},
		{name: "garbage header", body: body, header: "not-a-signature"},
		{name: "tampered body", body: bytes.Replace(body, []byte("sub_123"), []byte("sub_999"), 1), header: header},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.body, tt.header)
			assert.True(t, errors.Is(err, domain.ErrInvalidSignature), "got %v", err)
		})
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	header, body := sign(t, checkoutEvent, time.Now())
	_, err := NewVerifier("whsec_other", 0, logger.NewNop()).Verify(body, header)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerify_ExpiredTimestamp(t *testing.T) {
	header, body := sign(t, checkoutEvent, time.Now().Add(-time.Hour))
	_, err := newTestVerifier().Verify(body, header)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestVerify_MalformedBody(t *testing.T) {
	header, body := sign(t, `{"id": "evt_1", "type": `, time.Now())
	_, err := newTestVerifier().Verify(body, header)
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)

	header, body = sign(t, `{"id":"evt_2","type":"invoice.payment_failed","created":1,"data":{"object":{"amount_due":"x"}}}`, time.Now())
	_, err = newTestVerifier().Verify(body, header)
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
}
