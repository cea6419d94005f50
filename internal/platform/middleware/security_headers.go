package middleware

import (
	"github.com/labstack/echo/v4"
)

// NoStore marks responses as uncacheable and unsniffable. Feed payloads
// name patients and test types, so no intermediary may keep a copy.
func NoStore() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			return next(c)
		}
	}
}
