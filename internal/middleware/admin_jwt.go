package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

type adminKey string

const adminSubjectKey adminKey = "admin_subject"

// AdminClaims is the RS256 claim set an admin bearer token must carry to
// reach the usage-reporting routes.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AdminAuth builds middleware that verifies bearer tokens against a JWKS
// endpoint (refreshed on the keyfunc background schedule) and requires
// role "admin", replacing this codebase's previous hand-rolled JWT/JWKS
// verifier (internal/infra/google) with the ecosystem libraries.
func AdminAuth(jwksURL string, refresh time.Duration) (func(http.Handler) http.Handler, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   refresh,
		RefreshRateLimit:  time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, jwks.Keyfunc, jwt.WithValidMethods([]string{"RS256"}))
			if err != nil || !token.Valid {
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			if claims.Role != "admin" {
				http.Error(w, "admin role required", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), adminSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}

// AdminSubject returns the verified admin token's subject claim, if set.
func AdminSubject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(adminSubjectKey).(string)
	return v, ok
}
