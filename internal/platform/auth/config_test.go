package auth

import (
	"context"
	"os"
	"testing"
)

func TestConfigFromEnvDev(t *testing.T) {
	t.Setenv("AUTH_MODE", "dev")
	t.Setenv("DEV_AUTH_SUBJECT", "dev")
	t.Setenv("DEV_AUTH_ROLES", "Admin, viewer,admin")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeDev || cfg.DevSubject != "dev" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.DevRoles) != 2 || cfg.DevRoles[0] != "admin" {
		t.Fatalf("DevRoles=%v", cfg.DevRoles)
	}

	authn, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	identity, err := authn.Authenticate(context.Background(), nil)
	if err != nil || identity.Subject != "dev" {
		t.Fatalf("identity=%+v err=%v", identity, err)
	}
}

func TestConfigFromEnvOIDCRequiresIssuerAndClientID(t *testing.T) {
	for _, key := range []string{"OIDC_ISSUER_URL", "OIDC_CLIENT_ID"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	t.Setenv("AUTH_MODE", "oidc")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestConfigFromEnvRejectsUnknownMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "ldap")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewDisabledReturnsNil(t *testing.T) {
	authn, err := New(context.Background(), Config{Mode: ModeDisabled, RolesClaim: "roles", EmailClaim: "email"})
	if err != nil || authn != nil {
		t.Fatalf("authn=%v err=%v", authn, err)
	}
}
