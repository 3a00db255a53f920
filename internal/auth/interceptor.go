// Package auth provides JWT bearer authentication and per-subject rate
// limiting for the HTTP command surface (spec.md §6: "all endpoints
// require JWT bearer auth").
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"gridbot/internal/core"
)

// DefaultRateLimitPerUser is the default number of requests per second
// allowed per authenticated user.
const DefaultRateLimitPerUser = 20

// Claims is the JWT claim shape this control plane trusts: a subject
// claim naming the owning User.ID.
type Claims struct {
	jwt.RegisteredClaims
}

// Validator validates bearer JWTs and rate-limits by subject.
type Validator struct {
	secret        []byte
	rateLimit     int
	logger        core.ILogger
	mu            sync.Mutex
	rateLimiters  map[string]*rateLimiter
	failureLogger core.ILogger
}

// rateLimiter implements a simple token-bucket rate limiter.
type rateLimiter struct {
	tokens     int
	maxTokens  int
	lastRefill time.Time
	mu         sync.Mutex
}

// NewValidator builds a Validator that verifies tokens with secret
// using HMAC and applies rateLimit requests/sec per subject.
func NewValidator(secret string, rateLimit int, logger core.ILogger) *Validator {
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimitPerUser
	}
	return &Validator{
		secret:        []byte(secret),
		rateLimit:     rateLimit,
		logger:        logger.WithField("component", "auth"),
		rateLimiters:  make(map[string]*rateLimiter),
		failureLogger: logger.WithField("component", "auth_failure"),
	}
}

// ParseSubject validates token and returns its subject (the user id).
func (v *Validator) ParseSubject(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("token missing subject claim")
	}
	return subject, nil
}

func (v *Validator) checkRateLimit(subject string) bool {
	v.mu.Lock()
	limiter, exists := v.rateLimiters[subject]
	if !exists {
		limiter = &rateLimiter{tokens: v.rateLimit, maxTokens: v.rateLimit, lastRefill: time.Now()}
		v.rateLimiters[subject] = limiter
	}
	v.mu.Unlock()
	return limiter.allowRequest()
}

func (r *rateLimiter) allowRequest() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(r.maxTokens))
	if tokensToAdd > 0 {
		r.tokens = min(r.maxTokens, r.tokens+tokensToAdd)
		r.lastRefill = now
	}
	if r.tokens > 0 {
		r.tokens--
		return true
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ContextUserIDKey is the gin context key the middleware stores the
// authenticated user id under.
const ContextUserIDKey = "gridbot.userId"

// Middleware returns a gin handler enforcing bearer auth and rate
// limiting, storing the authenticated user id in the request context.
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			v.failureLogger.Warn("authentication failed: missing bearer token", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		subject, err := v.ParseSubject(strings.TrimPrefix(header, prefix))
		if err != nil {
			v.failureLogger.Warn("authentication failed: invalid token", "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if !v.checkRateLimit(subject) {
			v.failureLogger.Warn("rate limit exceeded", "userId", subject, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Set(ContextUserIDKey, subject)
		c.Next()
	}
}

// UserID extracts the authenticated user id stashed by Middleware.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextUserIDKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
