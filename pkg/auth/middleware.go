package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adops-io/entity-engine/pkg/models"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingCompanyID     = errors.New("missing company ID in token")
)

type contextKey string

const requestContextKey contextKey = "entity-engine-request-context"

// RequestContextFrom extracts the engine request context a middleware
// attached earlier in the chain.
func RequestContextFrom(ctx context.Context) (models.RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(models.RequestContext)
	return rc, ok
}

// WithRequestContext attaches a request context; exported for tests and
// internal callers that bypass HTTP.
func WithRequestContext(ctx context.Context, rc models.RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// Middleware authenticates bearer tokens and seeds the per-request engine
// context with the token's tenancy.
type Middleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(validator TokenValidator, logger *zap.Logger) *Middleware {
	return &Middleware{validator: validator, logger: logger.Named("auth")}
}

// RequireAuth wraps a handler with bearer-token validation. On success the
// request context carries a models.RequestContext with the token's company
// and user.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.validate(r)
		if err != nil {
			m.logger.Debug("authentication failed",
				zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		companyID, err := uuid.Parse(claims.CompanyID)
		if err != nil {
			m.logger.Debug("malformed company id in token",
				zap.String("company_id", claims.CompanyID))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		rc := models.RequestContext{
			ExternalCompanyID: companyID,
			UserID:            claims.Subject,
		}
		next(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	}
}

func (m *Middleware) validate(r *http.Request) (*Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, ErrMissingAuthorization
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, ErrInvalidAuthFormat
	}
	claims, err := m.validator.ValidateToken(parts[1])
	if err != nil {
		return nil, err
	}
	if claims.CompanyID == "" {
		return nil, ErrMissingCompanyID
	}
	return claims, nil
}
