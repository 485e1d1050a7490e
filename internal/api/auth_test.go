package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tandemlist/tandem-go/internal/appctx"
)

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func authProbe(a *Authenticator, token string) (int, string) {
	var gotUser string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = appctx.UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/partner", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, gotUser
}

func TestAuthenticatorValidToken(t *testing.T) {
	a := NewAuthenticator("topsecret", "tandem", nil)
	token := signToken(t, "topsecret", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "tandem",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	code, user := authProbe(a, token)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if user != "alice" {
		t.Errorf("user = %q", user)
	}
}

func TestAuthenticatorRejections(t *testing.T) {
	a := NewAuthenticator("topsecret", "tandem", nil)
	hour := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"wrong secret", signToken(t, "other", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "tandem", ExpiresAt: hour,
		})},
		{"expired", signToken(t, "topsecret", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "tandem",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})},
		{"missing expiry", signToken(t, "topsecret", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "tandem",
		})},
		{"wrong issuer", signToken(t, "topsecret", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "evil", ExpiresAt: hour,
		})},
		{"no subject", signToken(t, "topsecret", jwt.RegisteredClaims{
			Issuer: "tandem", ExpiresAt: hour,
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code, _ := authProbe(a, tc.token); code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", code)
			}
		})
	}
}

func TestAuthenticatorDevFallback(t *testing.T) {
	a := NewAuthenticator("", "", nil)

	var gotUser string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = appctx.UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/partner", nil)
	req.Header.Set("X-User-ID", "dev-user")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotUser != "dev-user" {
		t.Errorf("user = %q", gotUser)
	}

	// Header absent is still a 401, even in dev mode.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/partner", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
