package api

import (
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
	"github.com/look4regev/agent-tool-protocol/pkg/orchestrator"
	"github.com/look4regev/agent-tool-protocol/pkg/session"
	"github.com/look4regev/agent-tool-protocol/pkg/tools"
	"github.com/look4regev/agent-tool-protocol/pkg/version"
)

// infoHandler handles GET /info.
func (s *Server) infoHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, InfoResponse{
		Version: version.Full(),
		Limits: InfoLimits{
			MaxCodeSize:      s.cfg.MaxCodeSize,
			MaxLLMCalls:      s.cfg.MaxLLMCalls,
			MaxMemoryBytes:   s.cfg.MaxMemoryBytes,
			ExecTimeoutMS:    s.cfg.ExecTimeout.Milliseconds(),
			MaxPauseDuration: s.cfg.MaxPauseDuration.String(),
		},
		Metrics: s.metrics.Snapshot(),
	})
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.Full()})
}

// initHandler handles POST /init: create the session and issue the first
// token.
func (s *Server) initHandler(c *echo.Context) error {
	var req InitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}

	sess := s.sessions.Create(req.TenantID)
	for _, svc := range req.Services {
		sess.RegisterServices(session.Service(svc))
	}
	if len(req.Tools) > 0 {
		sess.RegisterTools(req.Tools)
	}

	token, expiresAt, err := s.tokens.Issue(req.TenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "token issuance failed")
	}
	return c.JSON(http.StatusOK, InitResponse{
		SessionID:      sess.ID,
		TenantID:       req.TenantID,
		Token:          token,
		TokenExpiresAt: expiresAt.Unix(),
	})
}

// definitionsHandler handles GET /definitions, filtered by the session's
// registered services.
func (s *Server) definitionsHandler(c *echo.Context) error {
	sess := s.sessions.Get(tenantFrom(c))
	var services []string
	var clientTools []models.ClientTool
	if sess != nil {
		services = sess.Services()
		clientTools = sess.Tools()
	}
	return c.JSON(http.StatusOK, DefinitionsResponse{
		Definitions: tools.Definitions(services, clientTools, s.registry),
	})
}

// provideServicesHandler handles POST /provide/services.
func (s *Server) provideServicesHandler(c *echo.Context) error {
	var req ProvideServicesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sess := s.requireSession(c)
	for _, svc := range req.Services {
		sess.RegisterServices(session.Service(svc))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// provideToolsHandler handles POST /provide/tools.
func (s *Server) provideToolsHandler(c *echo.Context) error {
	var req ProvideToolsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	for _, tool := range req.Tools {
		if tool.Namespace == "" || tool.Name == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "tool namespace and name are required")
		}
	}
	sess := s.requireSession(c)
	sess.RegisterTools(req.Tools)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// executeHandler handles POST /execute.
func (s *Server) executeHandler(c *echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	if len(req.Code) > s.cfg.MaxCodeSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "code exceeds maximum size")
	}

	tenantID := tenantFrom(c)
	execCfg := models.ExecConfig{
		Timeout:        time.Duration(req.Config.TimeoutMS) * time.Millisecond,
		MaxLLMCalls:    req.Config.MaxLLMCalls,
		MaxMemoryBytes: req.Config.MaxMemoryBytes,
		ProvenanceMode: models.ProvenanceMode(req.Config.ProvenanceMode),
	}
	if sess := s.sessions.Get(tenantID); sess != nil {
		execCfg.Services = sess.Services()
		execCfg.ClientTools = sess.Tools()
	}

	result := s.orch.Execute(c.Request().Context(), orchestrator.ExecuteRequest{
		TenantID: tenantID,
		Code:     req.Code,
		Config:   execCfg,
		Hints:    req.ProvenanceHints,
	})
	return s.respond(c, result)
}

// resumeHandler handles POST /resume/{execution_id}.
func (s *Server) resumeHandler(c *echo.Context) error {
	executionID := c.Param("execution_id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Result) == 0 && len(req.Results) == 0 {
		req.Result = json.RawMessage(`null`)
	}

	result := s.orch.Resume(c.Request().Context(), orchestrator.ResumeRequest{
		TenantID:    tenantFrom(c),
		ExecutionID: executionID,
		Result:      req.Result,
		Results:     req.Results,
	})
	return s.respond(c, result)
}

// cancelHandler handles POST /executions/{execution_id}/cancel.
func (s *Server) cancelHandler(c *echo.Context) error {
	executionID := c.Param("execution_id")
	if executionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "execution id is required")
	}
	result := s.orch.Cancel(c.Request().Context(), tenantFrom(c), executionID)
	return s.respond(c, result)
}

// disconnectHandler handles POST /disconnect: revoke the current token and
// destroy the session.
func (s *Server) disconnectHandler(c *echo.Context) error {
	if raw, ok := c.Get(ctxToken).(string); ok && raw != "" {
		s.tokens.Revoke(raw)
	}
	s.sessions.Destroy(tenantFrom(c))
	// The refreshed token issued by the middleware is now the only live one;
	// revoke it too so disconnect is final.
	if fresh := c.Response().Header().Get(headerSessionToken); fresh != "" {
		s.tokens.Revoke(fresh)
		c.Response().Header().Del(headerSessionToken)
		c.Response().Header().Del(headerSessionTokenExpires)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "disconnected"})
}

// requireSession returns the tenant's session, creating one implicitly for
// tenants that authenticated with a still-valid token after a server restart.
func (s *Server) requireSession(c *echo.Context) *session.Session {
	tenantID := tenantFrom(c)
	if sess := s.sessions.Get(tenantID); sess != nil {
		return sess
	}
	return s.sessions.Create(tenantID)
}
