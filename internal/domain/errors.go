package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrUnauthorized нет или неверные учетные данные вызывающего
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAccountNotFound аккаунт не найден
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidPlan план не известен каталогу цен
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrNoBillingCustomer у аккаунта еще нет клиента в платежной системе
	ErrNoBillingCustomer = errors.New("no billing customer for this account")

	// ErrInvalidSignature подпись вебхука не прошла проверку
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedEvent подпись верна, но тело события не разбирается
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrUpstreamUnavailable внешний сервис (платежный провайдер или хранилище) недоступен
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ExternalServiceError представляет ошибку внешнего сервиса
type ExternalServiceError struct {
	Service     string
	Operation   string
	StatusCode  int
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ExternalServiceError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s %s failed: %v", e.Service, e.Operation, e.OriginalErr)
	}
	return fmt.Sprintf("%s %s failed", e.Service, e.Operation)
}

// Unwrap возвращает оригинальную ошибку
func (e *ExternalServiceError) Unwrap() error {
	return e.OriginalErr
}

// Is делает ошибку внешнего сервиса эквивалентной ErrUpstreamUnavailable
func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// NewExternalServiceError создает новую ошибку внешнего сервиса
func NewExternalServiceError(service, operation string, statusCode int, err error) *ExternalServiceError {
	return &ExternalServiceError{
		Service:     service,
		Operation:   operation,
		StatusCode:  statusCode,
		OriginalErr: err,
	}
}

// Upstream оборачивает ошибку хранилища как недоступность внешнего сервиса
func Upstream(operation string, err error) error {
	if err == nil {
		return nil
	}
	return NewExternalServiceError("store", operation, 0, err)
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is позволяет сравнивать с ErrAccountNotFound
func (e *NotFoundError) Is(target error) bool {
	return target == ErrAccountNotFound && e.Entity == "account"
}

// NewAccountNotFound создает ошибку для отсутствующего аккаунта
func NewAccountNotFound(id string) *NotFoundError {
	return &NotFoundError{Entity: "account", ID: id}
}
