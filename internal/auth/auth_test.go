package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	svc, err := NewTokenService(testSecret, time.Hour)
	require.NoError(t, err)

	token, expires, err := svc.Generate("ops-client")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	subject, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-client", subject)
}

func TestTokenExpired(t *testing.T) {
	svc, err := NewTokenService(testSecret, time.Hour)
	require.NoError(t, err)
	svc.ttl = -time.Minute

	token, _, err := svc.Generate("ops-client")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestTokenWrongSecret(t *testing.T) {
	a, err := NewTokenService(testSecret, time.Hour)
	require.NoError(t, err)
	b, err := NewTokenService("another-secret-of-proper-length!", time.Hour)
	require.NoError(t, err)

	token, _, err := a.Generate("ops-client")
	require.NoError(t, err)

	_, err = b.Validate(token)
	require.Error(t, err)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewTokenService("short", time.Hour)
	require.Error(t, err)
}

func TestKeyVerifier(t *testing.T) {
	hash, err := HashKey("correct horse battery staple")
	require.NoError(t, err)

	v, err := NewKeyVerifier(hash)
	require.NoError(t, err)

	assert.NoError(t, v.Verify("correct horse battery staple"))
	assert.Error(t, v.Verify("wrong"))
}

func TestKeyVerifierRejectsBadHash(t *testing.T) {
	_, err := NewKeyVerifier("not-a-bcrypt-hash")
	require.Error(t, err)

	_, err = NewKeyVerifier("")
	require.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	svc, err := NewTokenService(testSecret, time.Hour)
	require.NoError(t, err)

	var gotSubject string
	handler := RequireAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token", func(t *testing.T) {
		token, _, err := svc.Generate("ops-client")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "ops-client", gotSubject)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
