package security

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// ctxKey is an unexported type to prevent collisions
// with context keys from other packages.
type ctxKey string

// CtxKeyAdmin holds the authenticated admin subject.
const CtxKeyAdmin ctxKey = "admin_subject"

func AdminFrom(ctx context.Context) string {
	s, _ := ctx.Value(CtxKeyAdmin).(string)
	return s
}

// Admin is the single gateway operator.
type Admin struct {
	Username     string
	PasswordHash string
	Issuer       *JWTIssuer
}

// Login checks the credentials and returns a bearer token.
func (a *Admin) Login(ctx context.Context, username, password string) (string, int64, bool) {
	if a == nil || a.PasswordHash == "" {
		return "", 0, false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) == 1
	passOK, err := VerifyPassword(password, a.PasswordHash)
	if err != nil || !userOK || !passOK {
		return "", 0, false
	}
	tok, ttl, err := a.Issuer.Issue(ctx, a.Username)
	if err != nil {
		return "", 0, false
	}
	return tok, ttl, true
}

// RequireAdmin rejects requests without a valid bearer token.
func RequireAdmin(iss *JWTIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(h, "Bearer ")
			if !ok || raw == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			sub, err := iss.Verify(strings.TrimSpace(raw))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), CtxKeyAdmin, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
