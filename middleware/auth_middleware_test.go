package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/rag-gateway/services"
	"go.uber.org/zap"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claims), args.Error(1)
}

func signToken(t *testing.T, secret string, claims tokenClaims, method jwt.SigningMethod) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid bearer token allows request", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		middleware := NewAuthMiddleware(mockValidator, logger)

		claims := &Claims{Subject: "qa-manager-1"}
		mockValidator.On("ValidateToken", mock.Anything, "valid-token").Return(claims, nil)

		handler := middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			extracted := GetClaimsFromContext(r.Context())
			if assert.NotNil(t, extracted) {
				assert.Equal(t, "qa-manager-1", extracted.Subject)
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockValidator.AssertExpectations(t)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		middleware := NewAuthMiddleware(mockValidator, logger)

		called := false
		handler := middleware.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chat/stream", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, called)
		mockValidator.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
	})

	t.Run("non bearer scheme is rejected", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		middleware := NewAuthMiddleware(mockValidator, logger)

		req := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()
		middleware.RequireAuth(http.NotFoundHandler()).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token is rejected", func(t *testing.T) {
		mockValidator := new(MockTokenValidator)
		middleware := NewAuthMiddleware(mockValidator, logger)
		mockValidator.On("ValidateToken", mock.Anything, "bad").Return(nil, services.ErrInvalidToken)

		req := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
		req.Header.Set("Authorization", "bearer bad")
		w := httptest.NewRecorder()
		middleware.RequireAuth(http.NotFoundHandler()).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid or expired token")
		mockValidator.AssertExpectations(t)
	})
}

func TestHMACValidator(t *testing.T) {
	const secret = "test-secret"
	validator := NewHMACValidator(secret, "rag-ui")
	ctx := context.Background()

	valid := tokenClaims{
		Scope: "chat:stream admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "rag-ui",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	t.Run("valid token", func(t *testing.T) {
		claims, err := validator.ValidateToken(ctx, signToken(t, secret, valid, jwt.SigningMethodHS256))
		require.NoError(t, err)
		assert.Equal(t, "user-42", claims.Subject)
		assert.Equal(t, "rag-ui", claims.Issuer)
		assert.Equal(t, []string{"chat:stream", "admin"}, claims.Scopes)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := valid
		expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := validator.ValidateToken(ctx, signToken(t, secret, expired, jwt.SigningMethodHS256))
		assert.True(t, errors.Is(err, services.ErrTokenExpired))
	})

	t.Run("missing expiry", func(t *testing.T) {
		noExp := valid
		noExp.ExpiresAt = nil
		_, err := validator.ValidateToken(ctx, signToken(t, secret, noExp, jwt.SigningMethodHS256))
		assert.True(t, errors.Is(err, services.ErrInvalidToken))
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := validator.ValidateToken(ctx, signToken(t, "other", valid, jwt.SigningMethodHS256))
		assert.True(t, errors.Is(err, services.ErrInvalidToken))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := valid
		other.Issuer = "someone-else"
		_, err := validator.ValidateToken(ctx, signToken(t, secret, other, jwt.SigningMethodHS256))
		assert.True(t, errors.Is(err, services.ErrInvalidToken))
	})

	t.Run("unexpected algorithm", func(t *testing.T) {
		_, err := validator.ValidateToken(ctx, signToken(t, secret, valid, jwt.SigningMethodHS512))
		assert.True(t, errors.Is(err, services.ErrInvalidToken))
	})

	t.Run("issuer optional", func(t *testing.T) {
		other := valid
		other.Issuer = ""
		claims, err := NewHMACValidator(secret, "").ValidateToken(ctx, signToken(t, secret, other, jwt.SigningMethodHS256))
		require.NoError(t, err)
		assert.Equal(t, "user-42", claims.Subject)
	})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Token abc", ""},
		{"Bearer", ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, extractBearerToken(req), tt.header)
	}
}
