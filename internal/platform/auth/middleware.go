package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/animus-labs/dagflow/internal/platform/httpserver"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

// DenyFunc observes rejected requests, for example to write an audit row.
type DenyFunc func(r *http.Request, identity Identity, status int, reason string, err error)

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	OnDeny        DenyFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	if m.Authenticator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.deny(w, r, Identity{}, http.StatusUnauthorized, reason, err)
			return
		}
		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, identity, http.StatusForbidden, "forbidden", err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, identity Identity, status int, reason string, err error) {
	if m.Logger != nil {
		m.Logger.Warn("auth deny",
			"reason", reason,
			"status", status,
			"request_id", r.Header.Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"subject", identity.Subject,
			"error", err.Error(),
		)
	}
	if m.OnDeny != nil {
		m.OnDeny(r, identity, status, reason, err)
	}
	httpserver.WriteError(w, r, status, reason, "")
}
