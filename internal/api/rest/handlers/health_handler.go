package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/coach-billing/pkg/logger"
)

// Pinger зависимость, доступность которой проверяет /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler обработчик проверки работоспособности сервиса
type HealthHandler struct {
	deps    map[string]Pinger
	timeout time.Duration
	log     *logger.Logger
}

// NewHealthHandler создает обработчик; deps - именованные зависимости (database, redis)
func NewHealthHandler(deps map[string]Pinger, log *logger.Logger) *HealthHandler {
	return &HealthHandler{deps: deps, timeout: 2 * time.Second, log: log}
}

// HealthCheck отвечает 200, если все зависимости доступны, иначе 503
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.log.Warnw("Health check failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "OK"
	if status != http.StatusOK {
		overall = "DEGRADED"
	}
	c.JSON(status, gin.H{
		"status": overall,
		"checks": checks,
		"time":   time.Now().Format(time.RFC3339),
	})
}
