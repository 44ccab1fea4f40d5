package stripe

import (
	"context"
	"errors"
	"strconv"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const serviceName = "stripe"

// CheckoutRequest параметры сессии оформления подписки
type CheckoutRequest struct {
	AccountID  string
	CustomerID string
	PlanID     string
	PriceID    string
	TrialDays  int64
	SuccessURL string
	CancelURL  string
}

// CheckoutSession созданная сессия Stripe Checkout
type CheckoutSession struct {
	ID  string
	URL string
}

// Client определяет методы для взаимодействия со Stripe API.
type Client interface {
	// CreateCustomer создает нового клиента в Stripe и возвращает его Stripe ID.
	// Ключ идемпотентности привязан к аккаунту, повторный вызов вернет того же клиента.
	CreateCustomer(ctx context.Context, accountID, email string) (string, error)

	// CreateCheckoutSession открывает Stripe Checkout в режиме подписки.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CreatePortalSession открывает портал управления подпиской и возвращает его URL.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// stripeClient реализует интерфейс Client.
type stripeClient struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeClient создает новый экземпляр клиента Stripe.
// backends можно передать nil, тогда используются стандартные бэкенды SDK.
func NewStripeClient(apiKey string, log *logger.Logger, backends *stripe.Backends) Client {
	sc := &client.API{}
	sc.Init(apiKey, backends)
	return &stripeClient{
		client: sc,
		log:    log,
	}
}

// CreateCustomer создает нового клиента в Stripe.
func (sc *stripeClient) CreateCustomer(ctx context.Context, accountID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.AddMetadata(domain.MetadataAccountID, accountID)
	params.Context = ctx
	params.SetIdempotencyKey("customer-" + accountID)

	cus, err := sc.client.Customers.New(params)
	if err != nil {
		return "", sc.fail("CreateCustomer", err)
	}

	sc.log.Infow("Stripe customer created", "stripeCustomerID", cus.ID, "accountID", accountID)
	return cus.ID, nil
}

// CreateCheckoutSession создает сессию Checkout с одной позицией по цене плана.
// account_id, plan_id и trial_days пишутся и в сессию, и в подписку,
// чтобы инвойсы и события подписки несли ссылку на аккаунт.
func (sc *stripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	metadata := map[string]string{
		domain.MetadataAccountID: req.AccountID,
		domain.MetadataPlanID:    req.PlanID,
		domain.MetadataTrialDays: strconv.FormatInt(req.TrialDays, 10),
	}

	subData := &stripe.CheckoutSessionSubscriptionDataParams{
		Metadata: metadata,
	}
	if req.TrialDays > 0 {
		subData.TrialPeriodDays = stripe.Int64(req.TrialDays)
	}

	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(req.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.AccountID),
		SubscriptionData:  subData,
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	session, err := sc.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, sc.fail("CreateCheckoutSession", err)
	}

	sc.log.Infow("Stripe checkout session created",
		"sessionID", session.ID,
		"accountID", req.AccountID,
		"plan", req.PlanID,
	)
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession создает сессию портала клиента.
func (sc *stripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	session, err := sc.client.BillingPortalSessions.New(params)
	if err != nil {
		return "", sc.fail("CreatePortalSession", err)
	}

	sc.log.Debugw("Stripe billing portal session created", "stripeCustomerID", customerID)
	return session.URL, nil
}

func (sc *stripeClient) fail(operation string, err error) error {
	logStripeError(sc.log, operation, err)
	status := 0
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status = stripeErr.HTTPStatusCode
	}
	return domain.NewExternalServiceError(serviceName, operation, status, err)
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}
