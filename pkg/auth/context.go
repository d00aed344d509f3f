package auth

import (
	"context"
	"slices"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject       string
	InstitutionID string
	Roles         []string
}

// HasRole reports whether the principal carries role or "admin".
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role) || slices.Contains(p.Roles, "admin")
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the request's principal, if authenticated.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// InstitutionID returns the authenticated institution, or "".
func InstitutionID(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.InstitutionID
}
