package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNewVerifier(t *testing.T) {
	_, err := NewVerifier("", "")
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = NewVerifier("", "not-a-hash")
	assert.Error(t, err)

	v, err := NewVerifier("s3cret", "")
	require.NoError(t, err)
	assert.True(t, v.Verify("s3cret"))
	assert.False(t, v.Verify("s3cre"))

	hash, err := bcrypt.GenerateFromPassword([]byte("other"), bcrypt.MinCost)
	require.NoError(t, err)
	v, err = NewVerifier("s3cret", string(hash))
	require.NoError(t, err)
	assert.True(t, v.Verify("other"), "hash takes precedence")
	assert.False(t, v.Verify("s3cret"))
}

func TestHashToken(t *testing.T) {
	hash, err := HashToken("s3cret")
	require.NoError(t, err)
	assert.True(t, Hashed(hash).Verify("s3cret"))

	_, err = HashToken("")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware(Plain("s3cret"), "/healthz")(ok)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"open path", "/healthz", "", http.StatusNoContent},
		{"missing header", "/status", "", http.StatusUnauthorized},
		{"wrong scheme", "/status", "Basic s3cret", http.StatusUnauthorized},
		{"wrong token", "/status", "Bearer nope", http.StatusUnauthorized},
		{"valid", "/status", "Bearer s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
