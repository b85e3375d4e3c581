package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
)

// Context keys for authenticated request state.
const (
	ctxTenantID = "tenant_id"
	ctxToken    = "session_token"
)

// Response headers carrying the sliding-window token refresh.
const (
	headerSessionToken        = "X-Session-Token"
	headerSessionTokenExpires = "X-Session-Token-Expires"
	headerTenantID            = "X-Tenant-Id"
)

// securityHeaders returns middleware that sets standard security response
// headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// requestLogger logs each request with latency.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			status := 0
			if r, ok := c.Response().(*echo.Response); ok {
				status = r.Status
			}
			slog.Info("Request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}

// authMiddleware validates the bearer token, checks the declared tenant
// header against it, refreshes the sliding-window token, and marks the
// session active.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			raw := bearerToken(c.Request().Header.Get("Authorization"))
			tenantID, err := s.tokens.Verify(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired session token")
			}
			if declared := c.Request().Header.Get(headerTenantID); declared != "" && declared != tenantID {
				return echo.NewHTTPError(http.StatusForbidden, "tenant header does not match token")
			}

			if sess := s.sessions.Get(tenantID); sess != nil {
				sess.Touch(time.Now())
			}

			// Sliding window: every authenticated call carries a fresh
			// token in the response headers.
			fresh, expiresAt, err := s.tokens.Issue(tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "token refresh failed")
			}
			c.Response().Header().Set(headerSessionToken, fresh)
			c.Response().Header().Set(headerSessionTokenExpires, strconv.FormatInt(expiresAt.Unix(), 10))

			c.Set(ctxTenantID, tenantID)
			c.Set(ctxToken, raw)
			return next(c)
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return ""
}

func tenantFrom(c *echo.Context) string {
	tenantID, _ := c.Get(ctxTenantID).(string)
	return tenantID
}
