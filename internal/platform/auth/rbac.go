package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleHospital  = "hospital"
	RoleSponsor   = "sponsor"
	RoleRegulator = "regulator"
	RoleAdmin     = "admin"
)

// RequireRole passes requests whose caller holds one of roles. Admin passes
// every route-level check; review decisions are still checked separately.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasAnyRole(held []string, wanted ...string) bool {
	for _, h := range held {
		if h == RoleAdmin {
			return true
		}
		for _, w := range wanted {
			if h == w {
				return true
			}
		}
	}
	return false
}

// PrimaryRole picks the single role a caller acts under when the token
// carries several: regulator, then sponsor, then hospital, then admin.
func PrimaryRole(roles []string) string {
	for _, want := range []string{RoleRegulator, RoleSponsor, RoleHospital, RoleAdmin} {
		for _, r := range roles {
			if r == want {
				return want
			}
		}
	}
	return ""
}

var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
}

// Skipper lets health checks bypass authentication.
func Skipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
