package auth

import "context"

type contextKey string

const claimsKey contextKey = "fittrack-auth-claims"

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// Username returns the authenticated user, or "" when the request carried no token.
func Username(ctx context.Context) string {
	if claims, ok := FromContext(ctx); ok && claims != nil {
		return claims.Subject
	}
	return ""
}
