package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/coach-billing/internal/service"
	"github.com/Dhoini/coach-billing/pkg/logger"
)

// MaxWebhookBodyBytes предел размера тела вебхука
const MaxWebhookBodyBytes = int64(65536)

const signatureHeader = "Stripe-Signature"

// WebhookResponse единственный формат ответа вебхука
type WebhookResponse struct {
	Received bool `json:"received"`
}

// WebhookHandler обработчик вебхуков Stripe
type WebhookHandler struct {
	svc service.WebhookService
	log *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(svc service.WebhookService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{svc: svc, log: log}
}

// HandleStripeWebhook читает сырое тело без изменений: подпись считается по байтам.
// 200 означает, что Stripe не должен повторять доставку.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Warnw("Failed to read webhook body", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, WebhookResponse{Received: false})
		return
	}

	result, err := h.svc.Process(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(statusFor(err), WebhookResponse{Received: false})
		return
	}

	h.log.Debugw("Webhook acknowledged", "eventID", result.EventID, "eventType", result.EventType, "outcome", result.Outcome)
	c.JSON(http.StatusOK, WebhookResponse{Received: true})
}
