package res

import (
	"encoding/json"
	"net/http"

	"github.com/Dhoini/coach-billing/pkg/logger"
)

// ErrorResponse представляет формат JSON-ответа для ошибок.
type ErrorResponse struct {
	Error   string `json:"error"`             // Сообщение об ошибке (для пользователя)
	Details any    `json:"details,omitempty"` // Детали ошибки (например, ошибки валидации)
}

// JsonResponse отправляет JSON-ответ с заданным статусом.
func JsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JsonErrorResponse отправляет JSON ответ ошибки.
func JsonErrorResponse(w http.ResponseWriter, errResponse ErrorResponse, status int, log *logger.Logger) {
	JsonResponse(w, errResponse, status)
	if status >= http.StatusInternalServerError {
		log.Errorw("Error response sent", "status", status, "error", errResponse.Error)
		return
	}
	log.Debugw("Error response sent", "status", status, "error", errResponse.Error)
}
