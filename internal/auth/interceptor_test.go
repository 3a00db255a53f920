package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/logging"
)

func signToken(t *testing.T, secret, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestParseSubjectAcceptsValidToken(t *testing.T) {
	logger := logging.NewLogger(logging.InfoLevel, nil)
	v := NewValidator("test-secret", 100, logger)

	token := signToken(t, "test-secret", "user-1", time.Now().Add(time.Hour))
	subject, err := v.ParseSubject(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", subject)
}

func TestParseSubjectRejectsWrongSecretOrExpiredToken(t *testing.T) {
	logger := logging.NewLogger(logging.InfoLevel, nil)
	v := NewValidator("test-secret", 100, logger)

	_, err := v.ParseSubject(signToken(t, "wrong-secret", "user-1", time.Now().Add(time.Hour)))
	assert.Error(t, err)

	_, err = v.ParseSubject(signToken(t, "test-secret", "user-1", time.Now().Add(-time.Hour)))
	assert.Error(t, err)
}

func TestMiddlewareRejectsMissingAndAcceptsValidBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logging.NewLogger(logging.InfoLevel, nil)
	v := NewValidator("test-secret", 100, logger)

	router := gin.New()
	router.Use(v.Middleware())
	router.GET("/ping", func(c *gin.Context) {
		userID, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"userId": userID})
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := signToken(t, "test-secret", "user-1", time.Now().Add(time.Hour))
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "user-1")
}

func TestMiddlewareEnforcesPerSubjectRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logging.NewLogger(logging.InfoLevel, nil)
	v := NewValidator("test-secret", 1, logger)

	router := gin.New()
	router.Use(v.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	token := signToken(t, "test-secret", "user-1", time.Now().Add(time.Hour))
	makeRequest := func() int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, makeRequest())
	assert.Equal(t, http.StatusTooManyRequests, makeRequest())
}
