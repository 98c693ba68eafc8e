package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	for _, role := range roles {
		if roleLevels[strings.ToLower(strings.TrimSpace(role))] >= requiredLevel {
			return true
		}
	}
	return false
}

// RequiredRoleForRequest lets viewers read executions and node descriptors.
// Starting runs needs an editor.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleEditor
	}
}

func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, RequiredRoleForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}
