package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "campaignbot"

// principal is the authenticated caller. Admin callers (static token) may
// read every operator; JWT callers only their own.
type principal struct {
	operatorID int64
	admin      bool
}

func (p principal) canRead(operatorID int64) bool {
	return p.admin || p.operatorID == operatorID
}

type ctxKey struct{}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(principal)
	return p, ok
}

// IssueToken signs an HS256 token whose subject is the operator id.
func IssueToken(secret string, operatorID int64, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   strconv.FormatInt(operatorID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return 0, err
	}
	op, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || op <= 0 {
		return 0, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	return op, nil
}

func bearer(r *http.Request) string {
	if got := strings.TrimSpace(r.URL.Query().Get("token")); got != "" {
		return got
	}
	const p = "Bearer "
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
		return strings.TrimSpace(strings.TrimPrefix(ah, p))
	}
	return ""
}

// authenticate accepts the static token or a signed operator JWT. With
// neither configured every caller is an admin.
func (s *Server) authenticate(next http.Handler) http.Handler {
	token := strings.TrimSpace(s.cfg.Token)
	secret := strings.TrimSpace(s.cfg.JWTSecret)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" && secret == "" {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, principal{admin: true})))
			return
		}
		got := bearer(r)
		if got == "" {
			unauthorized(w)
			return
		}
		if token != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, principal{admin: true})))
			return
		}
		if secret != "" {
			if op, err := parseToken(secret, got); err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, principal{operatorID: op})))
				return
			}
		}
		unauthorized(w)
	})
}

// adminOnly guards endpoints that expose process internals.
func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := principalFrom(r.Context()); !ok || !p.admin {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
