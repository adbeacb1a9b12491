// Package auth guards the supervisor's HTTP surface with a bearer token.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrNoToken = errors.New("no token configured")

// Verifier checks a presented bearer token.
type Verifier interface {
	Verify(token string) bool
}

// Plain compares against a token held in memory.
type Plain string

func (p Plain) Verify(token string) bool {
	return SecureCompare(token, string(p))
}

// Hashed compares against a bcrypt hash, so the secret itself never has to
// be stored in the configuration.
type Hashed []byte

func (h Hashed) Verify(token string) bool {
	return bcrypt.CompareHashAndPassword(h, []byte(token)) == nil
}

// HashToken returns the bcrypt hash to configure instead of a plain token.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// NewVerifier picks a verifier for the configured secrets. A hash wins over
// a plain token. It returns ErrNoToken when neither is set.
func NewVerifier(token, hash string) (Verifier, error) {
	switch {
	case hash != "":
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, err
		}
		return Hashed(hash), nil
	case token != "":
		return Plain(token), nil
	default:
		return nil, ErrNoToken
	}
}

// Middleware rejects requests without a valid "Authorization: Bearer" header.
// Paths in open are served without a token.
func Middleware(v Verifier, open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || !v.Verify(token) {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
