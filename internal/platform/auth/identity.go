package auth

import (
	"context"
	"net/http"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// DevAuthenticator accepts every request as the configured identity.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{identity: Identity{Subject: cfg.DevSubject, Email: cfg.DevEmail, Roles: cfg.DevRoles}}
}

func (a *DevAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.identity, nil
}

// New returns the authenticator for cfg.Mode. Disabled mode yields nil.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	default:
		return nil, nil
	}
}
