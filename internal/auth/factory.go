package auth

import (
	"context"
	"fmt"

	"github.com/aslanahmtv/notification-service/internal/config"
)

// NewVerifier builds the verifier chain from configuration: HS256 tokens
// when JWT_SECRET is set, OIDC ID tokens when OIDC_ISSUER is set. The
// JWTService is returned separately so callers can mint tokens; it is nil
// without a secret.
func NewVerifier(ctx context.Context, cfg config.AuthConfig) (Verifier, *JWTService, error) {
	var (
		chain  ChainVerifier
		jwtSvc *JWTService
	)
	if cfg.JWTSecret != "" {
		jwtSvc = NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
		chain = append(chain, jwtSvc)
	}
	oidcVerifier, err := NewOIDCVerifier(ctx, OIDCConfig{Issuer: cfg.OIDCIssuer, ClientID: cfg.OIDCClientID})
	if err != nil {
		return nil, nil, err
	}
	if oidcVerifier != nil {
		chain = append(chain, oidcVerifier)
	}
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("no token verifier configured")
	}
	if len(chain) == 1 {
		return chain[0], jwtSvc, nil
	}
	return chain, jwtSvc, nil
}
