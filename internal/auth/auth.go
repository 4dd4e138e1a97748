// Package auth checks the shared access token on HTTP and WebSocket requests.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("authentication required")

	// ErrInvalidToken is returned when the token does not match.
	ErrInvalidToken = errors.New("invalid token")
)

// Hint tells clients where the token goes.
const Hint = "Provide token via ?token=xxx query param or Authorization: Bearer xxx header"

// Verifier decides whether a token grants access.
type Verifier interface {
	VerifyToken(token string) bool
}

// TokenVerifier accepts exactly one token.
type TokenVerifier struct {
	token []byte
}

// NewTokenVerifier creates a verifier for token. An empty token accepts
// nothing.
func NewTokenVerifier(token string) *TokenVerifier {
	return &TokenVerifier{token: []byte(token)}
}

// VerifyToken compares in constant time.
func (v *TokenVerifier) VerifyToken(token string) bool {
	if len(v.token) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(v.token, []byte(token)) == 1
}

// ExtractToken returns the token from the `token` query parameter, falling
// back to an `Authorization: Bearer` header.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

// Check verifies the token carried by r.
func Check(v Verifier, r *http.Request) error {
	token := ExtractToken(r)
	if token == "" {
		return ErrMissingToken
	}
	if !v.VerifyToken(token) {
		return ErrInvalidToken
	}
	return nil
}

// RequiresAuth reports whether path is protected. API routes and the
// WebSocket endpoint are; the token check itself, console forwarding and
// static files are not.
func RequiresAuth(path string) bool {
	if strings.HasPrefix(path, "/api/") {
		return path != "/api/auth/check" && path != "/api/console"
	}
	return path == "/ws"
}

// ErrorBody is the JSON body of a rejected request.
func ErrorBody(err error) map[string]string {
	if errors.Is(err, ErrMissingToken) {
		return map[string]string{
			"error": "Authentication required",
			"hint":  Hint,
		}
	}
	return map[string]string{"error": "Invalid token"}
}

// Reject writes a 401 response for err.
func Reject(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(ErrorBody(err))
}

// Middleware rejects requests to protected paths that lack a valid token.
func Middleware(v Verifier, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if !RequiresAuth(path) {
			c.Next()
			return
		}

		if err := Check(v, c.Request); err != nil {
			log.WithField("path", path).Warnf("Rejected request: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorBody(err))
			return
		}
		c.Next()
	}
}
