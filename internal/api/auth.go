package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware guards the operator and rule-management routes. Callers
// present either X-API-Key (compared by sha256 against the configured admin
// key hash) or a Bearer JWT signed with the shared HMAC secret.
type AuthMiddleware struct {
	jwtSecret []byte
	adminHash string
}

// NewAuthMiddleware builds the guard. Both arguments may be empty; a fully
// empty guard rejects everything, so main only installs it when at least one
// credential source is configured.
func NewAuthMiddleware(jwtSecret, adminKeyHash string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		adminHash: strings.ToLower(strings.TrimSpace(adminKeyHash)),
	}
}

func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func (a *AuthMiddleware) authenticate(r *http.Request) error {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		if a.adminHash == "" {
			return fmt.Errorf("API key auth not configured")
		}
		hash := HashAPIKey(apiKey)
		if subtle.ConstantTimeCompare([]byte(hash), []byte(a.adminHash)) != 1 {
			return fmt.Errorf("invalid API key")
		}
		return nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("missing Authorization header or X-API-Key")
	}
	if len(a.jwtSecret) == 0 {
		return fmt.Errorf("JWT auth not configured")
	}

	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid JWT: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid JWT claims")
	}
	return nil
}

// protect wraps a handler func; a nil middleware means auth is disabled.
func (a *AuthMiddleware) protect(next http.HandlerFunc) http.HandlerFunc {
	if a == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.authenticate(r); err != nil {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next(w, r)
	}
}
