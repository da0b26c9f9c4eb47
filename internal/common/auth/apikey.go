// internal/common/auth/apikey.go
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"sheetbridge/internal/common/config"
	"sheetbridge/internal/common/errors"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderAPIKey        = "X-API-Key"
)

// FailureFunc writes the response for a rejected request.
type FailureFunc func(w http.ResponseWriter, r *http.Request, err error)

// Authorizer checks the shared API token and the API key list.
//
// Write routes distinguish a wrong bearer token (403) from missing
// credentials (401). Admin routes answer 401 for both.
type Authorizer struct {
	token string
	keys  []string
	fail  FailureFunc
}

func NewAuthorizer(cfg config.AuthConfig, fail FailureFunc) *Authorizer {
	return &Authorizer{
		token: strings.TrimSpace(cfg.APIToken),
		keys:  cfg.Keys(),
		fail:  fail,
	}
}

// CheckWrite authorizes a write request.
func (a *Authorizer) CheckWrite(r *http.Request) error {
	if token, ok := bearerToken(r); ok {
		if a.validToken(token) || a.validKey(token) {
			return nil
		}
		return errors.NewForbiddenError("bad token")
	}
	if key := r.Header.Get(HeaderAPIKey); key != "" && a.validKey(key) {
		return nil
	}
	return errors.NewUnauthorizedError("missing token")
}

// CheckAdmin authorizes an administrative request.
func (a *Authorizer) CheckAdmin(r *http.Request) error {
	if token, ok := bearerToken(r); ok && (a.validToken(token) || a.validKey(token)) {
		return nil
	}
	if key := r.Header.Get(HeaderAPIKey); key != "" && a.validKey(key) {
		return nil
	}
	return errors.NewUnauthorizedError("unauthorized")
}

// RequireWrite wraps next with CheckWrite.
func (a *Authorizer) RequireWrite(next http.Handler) http.Handler {
	return a.require(a.CheckWrite, next)
}

// RequireAdmin wraps next with CheckAdmin.
func (a *Authorizer) RequireAdmin(next http.Handler) http.Handler {
	return a.require(a.CheckAdmin, next)
}

func (a *Authorizer) require(check func(*http.Request) error, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := check(r); err != nil {
			a.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authorizer) validToken(candidate string) bool {
	return a.token != "" && equal(candidate, a.token)
}

func (a *Authorizer) validKey(candidate string) bool {
	for _, k := range a.keys {
		if equal(candidate, k) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get(HeaderAuthorization)
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(h[len("Bearer "):]), true
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
