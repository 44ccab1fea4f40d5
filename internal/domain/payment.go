package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus статус платежа в журнале
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentRecord строка журнала платежей. На один внешний инвойс приходится
// не более одной записи.
type PaymentRecord struct {
	ID                uuid.UUID     `json:"id"`
	AccountID         uuid.UUID     `json:"account_id"`
	ExternalInvoiceID string        `json:"external_invoice_id"`
	ExternalChargeID  string        `json:"external_charge_id,omitempty"`
	Amount            float64       `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	FailureReason     *string       `json:"failure_reason,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
	CreatedAt         time.Time     `json:"created_at"`
}

// MinorToMajor переводит сумму из минимальных единиц (центов) в основные.
// Единственная точка конвертации сумм в сервисе.
func MinorToMajor(minor int64) float64 {
	return float64(minor) / 100
}
