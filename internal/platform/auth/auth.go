// Package auth authenticates callers of the dagflow HTTP API with OIDC bearer
// tokens, a fixed development identity, or not at all.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/dagflow/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	OIDCIssuerURL string
	OIDCClientID  string
	// OIDCUserInfoFallback accepts opaque access tokens by asking the
	// provider's userinfo endpoint when ID token verification fails.
	OIDCUserInfoFallback bool

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("AUTH_MODE", string(ModeOIDC))))
	mode := Mode(modeRaw)
	switch mode {
	case ModeOIDC, ModeDev, ModeDisabled:
	default:
		return Config{}, fmt.Errorf("AUTH_MODE must be one of: oidc, dev, disabled (got %q)", modeRaw)
	}

	fallback, err := env.Bool("OIDC_USERINFO_FALLBACK", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:                 mode,
		RolesClaim:           env.String("AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:           env.String("AUTH_EMAIL_CLAIM", "email"),
		OIDCIssuerURL:        env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:         env.String("OIDC_CLIENT_ID", ""),
		OIDCUserInfoFallback: fallback,
		DevSubject:           env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:             env.String("DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:             parseCSV(env.String("DEV_AUTH_ROLES", "admin")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("AUTH_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("AUTH_EMAIL_CLAIM is required")
	}
	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
