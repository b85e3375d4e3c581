package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/look4regev/agent-tool-protocol/pkg/config"
	"github.com/look4regev/agent-tool-protocol/pkg/models"
	"github.com/look4regev/agent-tool-protocol/pkg/orchestrator"
	"github.com/look4regev/agent-tool-protocol/pkg/provenance"
	"github.com/look4regev/agent-tool-protocol/pkg/session"
	"github.com/look4regev/agent-tool-protocol/pkg/store"
	"github.com/look4regev/agent-tool-protocol/pkg/tools"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTPPort:               "0",
		SessionSecret:          "0123456789abcdef0123456789abcdef",
		ProvenanceSecret:       "fedcba9876543210fedcba9876543210",
		SessionTokenTTL:        time.Hour,
		SessionIdleTimeout:     time.Hour,
		ExecutionStateTTL:      time.Hour,
		MaxPauseDuration:       30 * time.Minute,
		ExecTimeout:            10 * time.Second,
		MaxLLMCalls:            100,
		MaxMemoryBytes:         256 << 20,
		MaxCodeSize:            64 << 10,
		ProvenanceMode:         models.ProvenanceAST,
		MaxProvenanceTokens:    100,
		ProvenanceFetchTimeout: 100 * time.Millisecond,
		CheckpointEvery:        10,
	}
}

type testServer struct {
	*httptest.Server
	api *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()

	promReg := prometheus.NewRegistry()
	metrics := store.NewMetrics(promReg)
	st := store.NewMemoryStore(cfg.MaxPauseDuration, metrics)
	t.Cleanup(func() { _ = st.Close() })

	tokens, err := session.NewTokenManager([]byte(cfg.SessionSecret), cfg.SessionTokenTTL)
	require.NoError(t, err)
	sessions := session.NewManager(cfg.SessionIdleTimeout)
	t.Cleanup(sessions.Close)

	registry := tools.NewRegistry()
	signer := provenance.NewSigner([]byte(cfg.ProvenanceSecret), cfg.ExecutionStateTTL)
	orch := orchestrator.New(orchestrator.Config{
		ExecTimeout:         cfg.ExecTimeout,
		MaxLLMCalls:         cfg.MaxLLMCalls,
		MaxMemoryBytes:      cfg.MaxMemoryBytes,
		MaxCodeSize:         cfg.MaxCodeSize,
		ProvenanceMode:      cfg.ProvenanceMode,
		CheckpointEvery:     cfg.CheckpointEvery,
		ExecutionTTL:        cfg.ExecutionStateTTL,
		MaxProvenanceTokens: cfg.MaxProvenanceTokens,
		MetadataTTL:         cfg.ExecutionStateTTL,
		ProvenanceFetch:     cfg.ProvenanceFetchTimeout,
	}, st, registry, signer, metrics)

	apiServer := NewServer(cfg, orch, sessions, tokens, registry, metrics, promReg)
	ts := httptest.NewServer(apiServer.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, api: apiServer}
}

func (ts *testServer) do(t *testing.T, method, path, token, tenant string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-Id", tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func initSession(t *testing.T, ts *testServer, tenant string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/init", "", "", InitRequest{
		TenantID: tenant,
		Services: []string{"llm", "approval", "embedding"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[InitResponse](t, resp)
	require.NotEmpty(t, body.Token)
	require.NotEmpty(t, body.SessionID)
	return body.Token
}

func TestInfoIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/info", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[InfoResponse](t, resp)
	assert.NotEmpty(t, body.Version)
	assert.Greater(t, body.Limits.MaxCodeSize, 0)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/definitions", "", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/definitions", "garbage", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("tenant header mismatch", func(t *testing.T) {
		token := initSession(t, ts, "t1")
		resp := ts.do(t, http.MethodGet, "/definitions", token, "t2", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestSlidingWindowTokenRefresh(t *testing.T) {
	ts := newTestServer(t)
	token := initSession(t, ts, "t1")

	resp := ts.do(t, http.MethodGet, "/definitions", token, "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fresh := resp.Header.Get("X-Session-Token")
	expires := resp.Header.Get("X-Session-Token-Expires")
	_ = resp.Body.Close()

	assert.NotEmpty(t, fresh)
	assert.NotEmpty(t, expires)
	assert.NotEqual(t, token, fresh)

	// The refreshed token authenticates the next request.
	resp = ts.do(t, http.MethodGet, "/definitions", fresh, "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestDefinitionsFilteredByServices(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/init", "", "", InitRequest{TenantID: "t1", Services: []string{"llm"}})
	body := decode[InitResponse](t, resp)

	defs := decode[DefinitionsResponse](t, ts.do(t, http.MethodGet, "/definitions", body.Token, "t1", nil))
	assert.Contains(t, defs.Definitions, "namespace llm")
	assert.NotContains(t, defs.Definitions, "namespace approval")
}

func TestExecutePauseResumeOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := initSession(t, ts, "t1")

	resp := ts.do(t, http.MethodPost, "/execute", token, "t1", ExecuteRequest{
		Code: `const r = await atp.llm.call({prompt: "Say hello in 2 words"});` + "\n" + `return {r};`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paused := decode[ExecutionResponse](t, resp)
	require.Equal(t, "paused", paused.Status)
	require.NotNil(t, paused.Callback)
	assert.Equal(t, models.CallbackLLM, paused.Callback.Kind)
	assert.JSONEq(t, `{"prompt": "Say hello in 2 words"}`, string(paused.Callback.Payload))

	resp = ts.do(t, http.MethodPost, "/resume/"+paused.ExecutionID, token, "t1", map[string]any{
		"result": "Hello world",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := decode[ExecutionResponse](t, resp)
	require.Equal(t, "completed", completed.Status)
	assert.Equal(t, map[string]any{"r": "Hello world"}, completed.Result)
	require.NotNil(t, completed.Stats)
	assert.Equal(t, 1, completed.Stats.LLMCalls)
}

func TestClientToolPausesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := initSession(t, ts, "t1")

	resp := ts.do(t, http.MethodPost, "/provide/tools", token, "t1", ProvideToolsRequest{
		Tools: []models.ClientTool{{
			Namespace: "mail",
			Name:      "send_email",
			Metadata:  models.ToolMetadata{OperationType: models.OperationWrite},
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token = resp.Header.Get("X-Session-Token")
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/execute", token, "t1", ExecuteRequest{
		Code: `return await api.mail.send_email({to: "a@b.c", body: "hi"});`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paused := decode[ExecutionResponse](t, resp)
	require.Equal(t, "paused", paused.Status)
	require.NotNil(t, paused.Callback)
	assert.Equal(t, models.CallbackTool, paused.Callback.Kind)
	assert.Equal(t, "mail.send_email", paused.Callback.Operation)

	resp = ts.do(t, http.MethodPost, "/resume/"+paused.ExecutionID, token, "t1", map[string]any{
		"result": map[string]any{"delivered": true},
	})
	completed := decode[ExecutionResponse](t, resp)
	require.Equal(t, "completed", completed.Status)
	assert.Equal(t, map[string]any{"delivered": true}, completed.Result)
}

func TestCrossTenantResumeForbidden(t *testing.T) {
	ts := newTestServer(t)
	tokenT1 := initSession(t, ts, "t1")
	tokenT2 := initSession(t, ts, "t2")

	resp := ts.do(t, http.MethodPost, "/execute", tokenT1, "t1", ExecuteRequest{
		Code: `return await atp.llm.call({prompt: "hi"});`,
	})
	paused := decode[ExecutionResponse](t, resp)
	require.Equal(t, "paused", paused.Status)

	resp = ts.do(t, http.MethodPost, "/resume/"+paused.ExecutionID, tokenT2, "t2", map[string]any{
		"result": "stolen",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[ExecutionResponse](t, resp)
	assert.Equal(t, models.ErrForbidden, body.Error.Kind)
}

func TestResumeUnknownExecutionIs404(t *testing.T) {
	ts := newTestServer(t)
	token := initSession(t, ts, "t1")

	resp := ts.do(t, http.MethodPost, "/resume/does-not-exist", token, "t1", map[string]any{"result": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[ExecutionResponse](t, resp)
	assert.Equal(t, models.ErrNotFound, body.Error.Kind)
}

func TestExecuteOversizedCodeIs413(t *testing.T) {
	ts := newTestServer(t)
	token := initSession(t, ts, "t1")

	big := "// " + strings.Repeat("x", 65<<10)
	resp := ts.do(t, http.MethodPost, "/execute", token, "t1", ExecuteRequest{Code: big})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestInitValidation(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/init", "", "", InitRequest{})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDisconnectRevokesToken(t *testing.T) {
	ts := newTestServer(t)
	token := initSession(t, ts, "t1")

	resp := ts.do(t, http.MethodPost, "/disconnect", token, "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/definitions", token, "t1", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestExecuteFailureBodies(t *testing.T) {
	ts := newTestServer(t)
	token := initSession(t, ts, "t1")

	t.Run("parse error is a failed body on 200", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/execute", token, "t1", ExecuteRequest{Code: "const = ;"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[ExecutionResponse](t, resp)
		assert.Equal(t, "failed", body.Status)
		assert.Equal(t, models.ErrParse, body.Error.Kind)
	})

	t.Run("timeout reports its own status", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/execute", token, "t1", ExecuteRequest{
			Code:   `while (true) {}`,
			Config: ExecuteConfig{TimeoutMS: 100},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[ExecutionResponse](t, resp)
		assert.Equal(t, "timeout", body.Status)
		assert.Equal(t, models.ErrTimeout, body.Error.Kind)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/metrics", "", "", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", "", "", nil)
	body := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, strings.HasPrefix(body.Version, "atp/"), fmt.Sprintf("got %q", body.Version))
}
