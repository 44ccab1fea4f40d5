package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/pkg/logger"
	"github.com/Dhoini/coach-billing/pkg/res"
)

// statusFor переводит доменную ошибку в HTTP-статус
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPlan),
		errors.Is(err, domain.ErrNoBillingCustomer),
		errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrMalformedEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage не отдает клиенту подробности внутренних ошибок
func publicMessage(err error, status int) string {
	if status >= http.StatusInternalServerError {
		return "service temporarily unavailable"
	}
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return domain.ErrAccountNotFound.Error()
	}
	return err.Error()
}

func respondError(c *gin.Context, err error, log *logger.Logger) {
	status := statusFor(err)
	_ = c.Error(err)
	res.JsonErrorResponse(c.Writer, res.ErrorResponse{Error: publicMessage(err, status)}, status, log)
	c.Abort()
}
