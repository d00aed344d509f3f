// Package auth authenticates institution API clients with HS256 bearer
// tokens and carries the resulting principal in the request context.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api/problem"
)

// Claims are the JWT claims an institution token carries.
type Claims struct {
	jwt.RegisteredClaims
	InstitutionID string   `json:"institution_id"`
	Roles         []string `json:"roles,omitempty"`
}

// Validator checks and mints institution tokens.
type Validator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewValidator returns nil when no secret is configured; the middleware then
// rejects every request.
func NewValidator(secret []byte, issuer string) *Validator {
	if len(secret) == 0 {
		return nil
	}
	return &Validator{secret: secret, issuer: issuer, leeway: 30 * time.Second}
}

// Validate parses tokenStr and checks its signature, expiry and issuer.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("validator uninitialized")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue signs a token binding subject to institutionID for ttl.
func (v *Validator) Issue(subject, institutionID string, ttl time.Duration, roles ...string) (string, error) {
	if v == nil {
		return "", errors.New("validator uninitialized")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		InstitutionID: institutionID,
		Roles:         roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// NewMiddleware authenticates every request it wraps. A nil validator fails
// closed.
func NewMiddleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				problem.Unauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" {
				problem.Unauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				problem.Unauthorized(w, r, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				problem.Unauthorized(w, r, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				problem.Unauthorized(w, r, "Token subject is required")
				return
			}
			if claims.InstitutionID == "" {
				problem.Unauthorized(w, r, "Token institution binding is required")
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{
				Subject:       claims.Subject,
				InstitutionID: claims.InstitutionID,
				Roles:         claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
