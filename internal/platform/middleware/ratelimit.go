package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/facade/internal/platform/auth"
	"github.com/ehr/facade/internal/platform/fhir"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings. Every
// request fans out to several providers, so the budget is lower than for a
// plain API.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
	}
}

// limiterStore holds one limiter per consumer.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      RateLimitConfig
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)
		s.limiters[key] = l
	}
	return l
}

// RateLimit limits each consumer to cfg. Requests are keyed by the
// authenticated consumer, falling back to the client IP, so it must run
// after the auth middleware. A non-positive rate disables limiting.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := &limiterStore{limiters: make(map[string]*rate.Limiter), cfg: cfg}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.RequestsPerSecond <= 0 {
				return next(c)
			}

			key := auth.ConsumerFromContext(c.Request().Context())
			if key == "" {
				key = "ip:" + c.RealIP()
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			l := store.get(key)
			if !l.Allow() {
				retry := math.Ceil(1 / cfg.RequestsPerSecond)
				h.Set("Retry-After", strconv.Itoa(int(retry)))
				h.Set("X-RateLimit-Remaining", "0")
				return c.JSON(http.StatusTooManyRequests, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, fhir.IssueTypeThrottled, "rate limit exceeded"))
			}
			h.Set("X-RateLimit-Remaining", strconv.Itoa(int(l.Tokens())))
			return next(c)
		}
	}
}
