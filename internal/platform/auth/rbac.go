package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pulseiq/portal/pkg/portalmodels"
)

// RequireRole returns middleware that checks the caller holds one of the
// given roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			has := RoleFromContext(c.Request().Context())
			if has == portalmodels.RoleAdmin {
				return next(c)
			}
			for _, required := range roles {
				if has == required {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RecipientType maps a portal role onto the notification recipient type.
// Only doctors and patients receive upload notifications.
func RecipientType(role string) (string, bool) {
	switch role {
	case portalmodels.RoleDoctor:
		return "DOCTOR", true
	case portalmodels.RolePatient:
		return "PATIENT", true
	}
	return "", false
}
