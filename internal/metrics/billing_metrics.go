package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы обработки вебхука для метки outcome
const (
	WebhookApplied          = "applied"
	WebhookNoop             = "noop"
	WebhookUnhandled        = "unhandled"
	WebhookUnresolved       = "unresolved"
	WebhookConflict         = "conflict"
	WebhookInvalidSignature = "invalid_signature"
	WebhookMalformed        = "malformed"
	WebhookError            = "error"
)

// BillingMetrics интерфейс для метрик биллинга
type BillingMetrics interface {
	IncWebhook(eventType, outcome string)
	ObserveWebhookDuration(eventType string, seconds float64)
	IncPaymentRecorded(status, currency string)
	ObservePaymentAmount(amount float64, currency, status string)
	IncCheckoutCreated(plan string)
	IncPortalSessionCreated()
	IncStripeError(operation string)
}

type billingMetrics struct {
	webhooks        *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	payments        *prometheus.CounterVec
	paymentsAmount  *prometheus.HistogramVec
	checkouts       *prometheus.CounterVec
	portalSessions  prometheus.Counter
	stripeErrors    *prometheus.CounterVec
}

// NewRegistry создает реестр с метриками рантайма Go и процесса
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// NewBillingMetrics создает метрики биллинга в переданном реестре
func NewBillingMetrics(registry prometheus.Registerer) BillingMetrics {
	factory := promauto.With(registry)
	return &billingMetrics{
		webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Stripe webhook deliveries by event type and outcome",
			},
			[]string{"type", "outcome"},
		),
		webhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_webhook_duration_seconds",
				Help:    "Time spent verifying and reconciling a webhook delivery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		payments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_payments_recorded_total",
				Help: "Payment ledger rows written, by status",
			},
			[]string{"status", "currency"},
		),
		paymentsAmount: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_payment_amount",
				Help:    "Payment amounts distribution in major currency units",
				Buckets: prometheus.ExponentialBuckets(10, 10, 5), // 10, 100, 1000, 10000, 100000
			},
			[]string{"currency", "status"},
		),
		checkouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_checkout_sessions_total",
				Help: "Checkout sessions opened, by plan",
			},
			[]string{"plan"},
		),
		portalSessions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_portal_sessions_total",
				Help: "Billing portal sessions opened",
			},
		),
		stripeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_stripe_errors_total",
				Help: "Failed Stripe API calls, by operation",
			},
			[]string{"operation"},
		),
	}
}

func (m *billingMetrics) IncWebhook(eventType, outcome string) {
	m.webhooks.WithLabelValues(eventType, outcome).Inc()
}

func (m *billingMetrics) ObserveWebhookDuration(eventType string, seconds float64) {
	m.webhookDuration.WithLabelValues(eventType).Observe(seconds)
}

func (m *billingMetrics) IncPaymentRecorded(status, currency string) {
	m.payments.WithLabelValues(status, currency).Inc()
}

func (m *billingMetrics) ObservePaymentAmount(amount float64, currency, status string) {
	m.paymentsAmount.WithLabelValues(currency, status).Observe(amount)
}

func (m *billingMetrics) IncCheckoutCreated(plan string) {
	m.checkouts.WithLabelValues(plan).Inc()
}

func (m *billingMetrics) IncPortalSessionCreated() {
	m.portalSessions.Inc()
}

func (m *billingMetrics) IncStripeError(operation string) {
	m.stripeErrors.WithLabelValues(operation).Inc()
}
