package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/driveline-ai/driveline/runtime/roles"
	"github.com/driveline-ai/driveline/runtime/tenant"
)

type (
	callerKey struct{}
	userKey   struct{}
)

// caller returns the authenticated profile stored by requireMember.
func caller(ctx context.Context) tenant.UserProfile {
	p, _ := ctx.Value(callerKey{}).(tenant.UserProfile)
	return p
}

// authUserID returns the verified token subject stored by requireToken.
func authUserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// requireToken validates the bearer token and stores its subject. It does
// not resolve a membership, so invite redemption works for users who do not
// belong to a dealership yet.
func (g *Gateway) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := g.authenticate(r)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

// requireMember resolves the caller's dealership membership. The caller's
// dealership always comes from their profile, never from the request.
func (g *Gateway) requireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		profile, err := g.cfg.Tenants.GetProfileByUser(ctx, authUserID(ctx))
		if err != nil {
			if errors.Is(err, tenant.ErrNotFound) {
				respondJSON(w, http.StatusForbidden, errorBody{Error: "no dealership membership"})
				return
			}
			g.respondError(ctx, w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, callerKey{}, profile)))
	})
}

// authenticate extracts and verifies the bearer token, returning the token
// subject.
func (g *Gateway) authenticate(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		return "", errors.New("missing authorization header")
	}
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return "", errors.New("authorization header must be a bearer token")
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.cfg.JWTSecret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// requireManager gates a handler to manager-or-owner callers.
func requireManager(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !roles.HasLevel(caller(r.Context()), roles.LevelManager) {
			respondJSON(w, http.StatusForbidden, errorBody{Error: "manager role required"})
			return
		}
		next(w, r)
	}
}
