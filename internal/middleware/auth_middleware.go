package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Dhoini/coach-billing/internal/domain"
	"github.com/Dhoini/coach-billing/pkg/logger"
	"github.com/Dhoini/coach-billing/pkg/res"
)

const (
	// ContextCallerKey ключ для хранения domain.Caller в контексте gin
	ContextCallerKey = "caller"
	authHeaderPrefix = "Bearer "
)

// TokenValidator проверяет токен доступа
type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims утверждения токена, выданного сервисом авторизации. Subject - ID аккаунта.
type TokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTMiddleware аутентифицирует запросы по Bearer-токену
type JWTMiddleware struct {
	log       *logger.Logger
	validator TokenValidator
}

func NewJWTMiddleware(log *logger.Logger, validator TokenValidator) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log,
		validator: validator,
	}
}

// RequireAuth пропускает запрос дальше только с валидным токеном. Если переданы роли,
// роль из токена должна входить в их число.
func (m *JWTMiddleware) RequireAuth(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, authHeaderPrefix) {
			m.handleAuthError(c, "missing authorization token")
			return
		}

		claims, err := m.validator.Validate(strings.TrimPrefix(authHeader, authHeaderPrefix))
		if err != nil {
			m.handleAuthError(c, fmt.Sprintf("token validation failed: %v", err))
			return
		}

		accountID, err := uuid.Parse(claims.Subject)
		if err != nil || accountID == uuid.Nil {
			m.handleAuthError(c, "account id (sub) missing in token")
			return
		}

		role := domain.Role(claims.Role)
		if len(roles) > 0 && !hasRole(role, roles) {
			m.handleAuthError(c, "insufficient token permissions")
			return
		}

		c.Set(ContextCallerKey, domain.Caller{AccountID: accountID, Role: role})
		m.log.Debugw("Caller authenticated", "accountID", accountID, "role", role)
		c.Next()
	}
}

// CallerFromContext достает вызывающего, установленного RequireAuth.
// Без RequireAuth возвращается пустой Caller.
func CallerFromContext(c *gin.Context) domain.Caller {
	if v, ok := c.Get(ContextCallerKey); ok {
		if caller, ok := v.(domain.Caller); ok {
			return caller
		}
	}
	return domain.Caller{}
}

func hasRole(role domain.Role, allowed []domain.Role) bool {
	for _, r := range allowed {
		if role == r {
			return true
		}
	}
	return false
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "reason", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{Error: domain.ErrUnauthorized.Error()}, http.StatusUnauthorized)
	c.Abort()
}

// HMACTokenValidator проверяет токены HS256 общим секретом
type HMACTokenValidator struct {
	Secret []byte
}

func (v *HMACTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.New("malformed token")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.New("token expired")
		default:
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}
