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
)

func mustToken(t *testing.T, s *Service, userID string, ttl time.Duration) string {
	t.Helper()
	token, err := s.IssueAccessToken(userID, userID+"@example.com", ttl)
	require.NoError(t, err)
	return token
}

func TestValidateAccessToken(t *testing.T) {
	s := NewService("secret", "")
	claims, err := s.ValidateAccessToken(mustToken(t, s, "u1", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "u1@example.com", claims.Email)
}

func TestValidateAccessToken_Rejects(t *testing.T) {
	s := NewService("secret", "")

	expired := mustToken(t, s, "u1", -time.Minute)
	_, err := s.ValidateAccessToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewService("other-secret", "")
	_, err = s.ValidateAccessToken(mustToken(t, other, "u1", time.Minute))
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.ValidateAccessToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ValidateAccessToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateAccessToken_Issuer(t *testing.T) {
	issuerA := NewService("secret", "a")
	issuerB := NewService("secret", "b")

	_, err := issuerA.ValidateAccessToken(mustToken(t, issuerB, "u1", time.Minute))
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = issuerA.ValidateAccessToken(mustToken(t, issuerA, "u1", time.Minute))
	assert.NoError(t, err)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", ExtractToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", ExtractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "", ExtractToken(r))
}

func TestRequireAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewService("secret", "")

	router := gin.New()
	router.GET("/me", s.RequireAuth(), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"userId": claims.UserID})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+mustToken(t, s, "u1", time.Minute))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"u1"}`, rec.Body.String())
}
