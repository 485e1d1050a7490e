package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tandemlist/tandem-go/internal/api/httperr"
	"github.com/tandemlist/tandem-go/internal/appctx"
	"github.com/tandemlist/tandem-go/internal/platform/logutil"
)

// Authenticator verifies client bearer tokens and resolves the user ID.
type Authenticator struct {
	secret []byte
	issuer string
	log    *slog.Logger
}

// NewAuthenticator creates an authenticator for HS256 bearer tokens.
// An empty secret disables token verification and enables the X-User-ID
// header fallback, for development only.
func NewAuthenticator(secret, issuer string, log *slog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		log:    logutil.NoopIfNil(log),
	}
}

// Middleware authenticates the request and injects the user ID into the
// context. Requests without a valid identity get a 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.resolve(r)
		if err != nil {
			httperr.WriteUnauthorized(w, httperr.ReasonUnauthenticated, err.Error())
			return
		}
		ctx := appctx.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) resolve(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		if id := r.Header.Get("X-User-ID"); id != "" {
			return id, nil
		}
		return "", errors.New("X-User-ID header required")
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("bearer token required")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...); err != nil {
		a.log.Debug("token rejected", "error", err)
		return "", errors.New("invalid or expired token")
	}

	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
