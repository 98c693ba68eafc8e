package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCAuthenticator verifies bearer ID tokens against the issuer's keys.
type OIDCAuthenticator struct {
	cfg      Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return &OIDCAuthenticator{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
	}, nil
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := a.verifier.Verify(ctx, raw)
	if err == nil {
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return Identity{}, err
		}
		return identityFromClaims(claims, a.cfg), nil
	}
	if !a.cfg.OIDCUserInfoFallback {
		return Identity{}, err
	}

	info, uerr := a.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: raw, TokenType: "Bearer"}))
	if uerr != nil {
		return Identity{}, fmt.Errorf("verify id token: %v; userinfo: %w", err, uerr)
	}
	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return Identity{}, err
	}
	if _, ok := claims["sub"]; !ok {
		claims["sub"] = info.Subject
	}
	return identityFromClaims(claims, a.cfg), nil
}

func identityFromClaims(claims map[string]any, cfg Config) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := claims[cfg.EmailClaim].(string)
	return Identity{Subject: subject, Email: email, Roles: rolesClaim(claims, cfg.RolesClaim)}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func rolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case []string:
		return parseCSV(strings.Join(typed, ","))
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
