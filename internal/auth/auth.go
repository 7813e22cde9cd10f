package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is wrapped by every token verification failure.
var ErrUnauthorized = errors.New("unauthorized")

type contextKey string

const claimsKey contextKey = "claims"

// Verifier turns a bearer token into claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// UserIDFromContext returns the authenticated user id, or "" when the request
// carries no claims.
func UserIDFromContext(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.UserID
	}
	return ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ChainVerifier accepts a token when any of its verifiers does, trying them
// in order.
type ChainVerifier []Verifier

func (c ChainVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var errs []error
	for _, v := range c {
		claims, err := v.Verify(ctx, token)
		if err == nil {
			return claims, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no verifier configured", ErrUnauthorized)
	}
	return nil, errors.Join(errs...)
}
