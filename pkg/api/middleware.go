package api

import (
	echo "github.com/labstack/echo/v5"
)

// monitorCSP locks the monitor pages down to what they actually use:
// inline markup plus a WebSocket back to this server. Everything else is
// denied.
const monitorCSP = "default-src 'none'; " +
	"script-src 'unsafe-inline'; " +
	"style-src 'unsafe-inline'; " +
	"connect-src ws: wss:"

// securityHeaders returns middleware that sets the security response
// headers for the progress pages and JSON endpoints.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("Content-Security-Policy", monitorCSP)
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			return next(c)
		}
	}
}
