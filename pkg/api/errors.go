package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// respond writes an orchestrator result, mapping auth and state error kinds
// onto their HTTP statuses. Engine-level failures (timeouts, policy blocks,
// tool errors) are successful HTTP exchanges carrying a failed body.
func (s *Server) respond(c *echo.Context, result *models.ExecutionResult) error {
	status := http.StatusOK
	if result.Status == models.StatusFailed && result.Err != nil {
		switch result.Err.Kind {
		case models.ErrUnauthenticated:
			status = http.StatusUnauthorized
		case models.ErrForbidden:
			status = http.StatusForbidden
		case models.ErrNotFound, models.ErrExpired:
			status = http.StatusNotFound
		case models.ErrValidationFailed:
			status = http.StatusBadRequest
		}
	}
	return c.JSON(status, executionResponse(result))
}
