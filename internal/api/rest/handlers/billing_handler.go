package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/coach-billing/internal/middleware"
	"github.com/Dhoini/coach-billing/internal/service"
	"github.com/Dhoini/coach-billing/pkg/logger"
	"github.com/Dhoini/coach-billing/pkg/req"
)

// CheckoutRequest тело POST /checkout
type CheckoutRequest struct {
	PlanID     string `json:"planId" validate:"required,max=64"`
	SuccessURL string `json:"successUrl" validate:"required,url"`
	CancelURL  string `json:"cancelUrl" validate:"required,url"`
}

// RedirectResponse ответ с адресом перенаправления
type RedirectResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

// BillingHandler обработчик оформления подписки, портала и статуса
type BillingHandler struct {
	svc service.BillingService
	log *logger.Logger
}

// NewBillingHandler создает новый обработчик биллинга
func NewBillingHandler(svc service.BillingService, log *logger.Logger) *BillingHandler {
	return &BillingHandler{svc: svc, log: log}
}

// CreateCheckout открывает Stripe Checkout для плана из тела запроса
func (h *BillingHandler) CreateCheckout(c *gin.Context) {
	body, err := req.HandleBody[CheckoutRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	caller := middleware.CallerFromContext(c)
	result, err := h.svc.CreateCheckout(c.Request.Context(), caller, service.CheckoutRequest{
		PlanID:     body.PlanID,
		SuccessURL: body.SuccessURL,
		CancelURL:  body.CancelURL,
	})
	if err != nil {
		respondError(c, err, h.log)
		return
	}

	h.log.Infow("Checkout session created", "accountID", caller.AccountID, "plan", body.PlanID, "sessionID", result.SessionID)
	c.JSON(http.StatusOK, result)
}

// CreatePortalSession выдает ссылку на портал управления подпиской
func (h *BillingHandler) CreatePortalSession(c *gin.Context) {
	caller := middleware.CallerFromContext(c)
	url, err := h.svc.CreatePortalSession(c.Request.Context(), caller)
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, RedirectResponse{RedirectURL: url})
}

// GetSubscriptionStatus возвращает состояние подписки вызывающего
func (h *BillingHandler) GetSubscriptionStatus(c *gin.Context) {
	view, err := h.svc.GetSubscriptionStatus(c.Request.Context(), middleware.CallerFromContext(c))
	if err != nil {
		respondError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, view)
}
