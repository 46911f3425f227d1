// Package auth authenticates API consumers from bearer tokens.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ConsumerKey  contextKey = "consumer"
	ProvidersKey contextKey = "providers"
)

// Claims are the token claims the façade reads. Subject identifies the
// consumer; Providers, when present, limits which providers it may query.
type Claims struct {
	jwt.RegisteredClaims
	Providers []string `json:"providers,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	// Skipper bypasses authentication for the request when it returns true.
	Skipper func(c echo.Context) bool
}

// JWTMiddleware validates the bearer token of each request and places the
// consumer and its provider allowance on the request context. Tokens are
// checked against SigningKey (HS256) when set, otherwise against the JWKS
// endpoint (RS256).
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var cache *JWKSCache
	if len(cfg.SigningKey) == 0 {
		cache = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			opts := []jwt.ParserOption{}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			var keyFunc jwt.Keyfunc
			if len(cfg.SigningKey) > 0 {
				// Dev mode: HMAC signing key
				opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
				keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			} else {
				opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
				keyFunc = cache.keyFunc(c.Request().Context())
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(c.Request().WithContext(WithConsumer(c.Request().Context(), claims.Subject, claims.Providers)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that lets
// unauthenticated requests through as consumer "dev-consumer" with no
// provider restriction.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ConsumerFromContext(c.Request().Context()) == "" {
				c.SetRequest(c.Request().WithContext(WithConsumer(c.Request().Context(), "dev-consumer", nil)))
			}
			return next(c)
		}
	}
}

// WithConsumer returns a context carrying the consumer and the providers it
// is allowed to query. A nil providers list means no restriction.
func WithConsumer(ctx context.Context, consumer string, providers []string) context.Context {
	ctx = context.WithValue(ctx, ConsumerKey, consumer)
	return context.WithValue(ctx, ProvidersKey, providers)
}

func ConsumerFromContext(ctx context.Context) string {
	consumer, _ := ctx.Value(ConsumerKey).(string)
	return consumer
}

func ProvidersFromContext(ctx context.Context) []string {
	providers, _ := ctx.Value(ProvidersKey).([]string)
	return providers
}
