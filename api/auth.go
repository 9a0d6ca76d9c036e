/*
auth.go - Bearer token authentication

PURPOSE:
  Resolves the acting user and role from an HS256 JWT so handlers can
  pass an explicit actor to the ledger and the orchestrator.

CLAIMS:
  sub:  user id (string)
  role: driver | staff | admin
  exp:  expiry (validated by the jwt library)

USAGE:
  r.Use(Authenticate(secret))
  r.With(RequireRole(RoleStaff, RoleAdmin)).Post("/complete", h.CompleteBooking)

  p := PrincipalFrom(r.Context())
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/swap-engine/swap"
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

func (r Role) valid() bool {
	return r == RoleDriver || r == RoleStaff || r == RoleAdmin
}

// Principal is the authenticated caller.
type Principal struct {
	UserID swap.UserID
	Role   Role
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller set by Authenticate.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// IssueToken signs an access token for sub with the given role.
func IssueToken(secret string, sub swap.UserID, role Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  string(sub),
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates raw and extracts the principal.
func ParseToken(secret, raw string) (Principal, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, err
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return Principal{}, errors.New("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, errors.New("missing subject")
	}
	role, _ := claims["role"].(string)
	if !Role(role).valid() {
		return Principal{}, fmt.Errorf("unknown role %q", role)
	}
	return Principal{UserID: swap.UserID(sub), Role: Role(role)}, nil
}

// Authenticate rejects requests without a valid bearer token.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			p, err := ParseToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole admits only the listed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, fmt.Sprintf("Role %s may not call this endpoint", p.Role), nil)
		})
	}
}
