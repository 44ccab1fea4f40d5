package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role роль владельца аккаунта
type Role string

const (
	RoleOwner    Role = "owner"
	RoleCustomer Role = "customer"
)

// SubscriptionStatus статус подписки, зеркалируемый с платежного провайдера.
// Пустое значение означает, что подписки еще не было.
type SubscriptionStatus string

const (
	SubscriptionStatusNone      SubscriptionStatus = ""
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Valid проверяет, что статус входит в допустимый набор
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusNone, SubscriptionStatusTrialing, SubscriptionStatusActive,
		SubscriptionStatusPastDue, SubscriptionStatusCancelled:
		return true
	}
	return false
}

// BillingState платежная часть аккаунта. Пишется только реконсилятором
// (и маппером клиентов для BillingCustomerID).
type BillingState struct {
	BillingCustomerID  string             `json:"billing_customer_id,omitempty"`
	SubscriptionID     string             `json:"subscription_id,omitempty"`
	Plan               string             `json:"subscription_plan,omitempty"`
	Status             SubscriptionStatus `json:"subscription_status,omitempty"`
	TrialEndsAt        *time.Time         `json:"trial_ends_at,omitempty"`
	SubscriptionEndsAt *time.Time         `json:"subscription_ends_at,omitempty"`
	// StatusChangedAt время события, которое последним установило Status
	StatusChangedAt *time.Time `json:"billing_event_at,omitempty"`
}

// Account внутренняя учетная запись
type Account struct {
	ID        uuid.UUID    `json:"id"`
	Email     string       `json:"email"`
	Role      Role         `json:"role"`
	Billing   BillingState `json:"billing"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// HasBillingCustomer сообщает, привязан ли к аккаунту клиент в Stripe
func (a *Account) HasBillingCustomer() bool {
	return a.Billing.BillingCustomerID != ""
}

// SubscriptionStatusView ответ GET /subscription-status
type SubscriptionStatusView struct {
	Status             *string    `json:"subscription_status"`
	Plan               *string    `json:"subscription_plan"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at"`
	TrialEndsAt        *time.Time `json:"trial_ends_at"`
}

// StatusView строит публичное представление состояния подписки
func (a *Account) StatusView() SubscriptionStatusView {
	view := SubscriptionStatusView{
		SubscriptionEndsAt: a.Billing.SubscriptionEndsAt,
		TrialEndsAt:        a.Billing.TrialEndsAt,
	}
	if a.Billing.Status != SubscriptionStatusNone {
		s := string(a.Billing.Status)
		view.Status = &s
	}
	if a.Billing.Plan != "" {
		p := a.Billing.Plan
		view.Plan = &p
	}
	return view
}

// Caller аутентифицированный вызывающий, как его видит сервис авторизации
type Caller struct {
	AccountID uuid.UUID
	Role      Role
}

// Authenticated возвращает true, если у вызывающего есть идентификатор
func (c Caller) Authenticated() bool {
	return c.AccountID != uuid.Nil
}
