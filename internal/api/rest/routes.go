package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dhoini/coach-billing/internal/api/rest/handlers"
	"github.com/Dhoini/coach-billing/internal/middleware"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// Handlers набор обработчиков, подключаемых к роутеру
type Handlers struct {
	Billing *handlers.BillingHandler
	Webhook *handlers.WebhookHandler
	Health  *handlers.HealthHandler
	Auth    *middleware.JWTMiddleware
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(h Handlers, registry *prometheus.Registry, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.RequestLogger(log))
	r.Use(gin.Recovery())

	r.GET("/health", h.Health.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	v1 := r.Group("/api/v1")
	{
		// подпись Stripe заменяет аутентификацию
		v1.POST("/webhook", h.Webhook.HandleStripeWebhook)

		authed := v1.Group("", h.Auth.RequireAuth())
		{
			authed.POST("/checkout", h.Billing.CreateCheckout)
			authed.POST("/billing-portal", h.Billing.CreatePortalSession)
			authed.GET("/subscription-status", h.Billing.GetSubscriptionStatus)
		}
	}
	return r
}
