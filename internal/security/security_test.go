package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the tests fast
var testParams = Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestPasswordRoundTrip(t *testing.T) {
	h, err := HashPassword("bottles!", testParams)
	require.NoError(t, err)
	assert.Contains(t, h, "$argon2id$v=19$m=1024,t=1,p=1$")

	ok, err := VerifyPassword("bottles!", h)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("cans!", h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPassword_BadHash(t *testing.T) {
	for _, h := range []string{"", "plain", "$bcrypt$x$y$z$w", "$argon2id$v=18$m=1,t=1,p=1$AA$AA"} {
		_, err := VerifyPassword("x", h)
		assert.ErrorIs(t, err, ErrBadHash, h)
	}
}

func TestJWT_IssueVerify(t *testing.T) {
	iss := NewJWTIssuer([]byte("k"), time.Hour)
	tok, ttl, err := iss.Issue(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), ttl)

	sub, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "admin", sub)

	_, err = NewJWTIssuer([]byte("other"), time.Hour).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_Expired(t *testing.T) {
	iss := NewJWTIssuer([]byte("k"), time.Minute)
	tok, _, err := iss.Issue(context.Background(), "admin")
	require.NoError(t, err)

	iss.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = iss.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_RejectsNoneAlg(t *testing.T) {
	claims := jwt.MapClaims{"sub": "admin", "iss": issuer, "exp": time.Now().Add(time.Hour).Unix()}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTIssuer([]byte("k"), time.Hour).Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAdminLogin(t *testing.T) {
	h, err := HashPassword("bottles!", testParams)
	require.NoError(t, err)
	a := &Admin{Username: "admin", PasswordHash: h, Issuer: NewJWTIssuer([]byte("k"), time.Hour)}

	tok, _, ok := a.Login(context.Background(), "admin", "bottles!")
	require.True(t, ok)
	assert.NotEmpty(t, tok)

	_, _, ok = a.Login(context.Background(), "root", "bottles!")
	assert.False(t, ok)
	_, _, ok = a.Login(context.Background(), "admin", "nope")
	assert.False(t, ok)

	_, _, ok = (&Admin{Username: "admin", Issuer: a.Issuer}).Login(context.Background(), "admin", "")
	assert.False(t, ok, "no configured hash means no login")
}

func TestRequireAdmin(t *testing.T) {
	iss := NewJWTIssuer([]byte("k"), time.Hour)
	tok, _, err := iss.Issue(context.Background(), "admin")
	require.NoError(t, err)

	var got string
	h := RequireAdmin(iss)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = AdminFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "admin", got)
}
