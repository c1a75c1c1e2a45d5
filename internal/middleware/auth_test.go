package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"chat-realtime/internal/auth"
)

type verifierFunc func(ctx context.Context, token string) (int64, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (int64, error) { return f(ctx, token) }

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	verifier := verifierFunc(func(_ context.Context, token string) (int64, error) {
		switch token {
		case "good":
			return 42, nil
		case "suspended":
			return 0, auth.ErrUserInactive
		case "db-down":
			return 0, errors.New("connection refused")
		default:
			return 0, auth.ErrUnauthenticated
		}
	})
	r := gin.New()
	r.Use(AuthMiddleware(verifier))
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userID": c.GetInt64("userID")})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	cases := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Basic abc", http.StatusUnauthorized},
		{"Bearer nope", http.StatusUnauthorized},
		{"Bearer suspended", http.StatusForbidden},
		{"Bearer db-down", http.StatusServiceUnavailable},
		{"bearer good", http.StatusOK},
	}
	router := setupRouter()
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, tc.status, rec.Code, tc.header)
		if tc.status == http.StatusOK {
			assert.JSONEq(t, `{"userID":42}`, rec.Body.String())
		}
	}
}
