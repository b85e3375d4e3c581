package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
	"github.com/look4regev/agent-tool-protocol/pkg/provenance"
	"github.com/look4regev/agent-tool-protocol/pkg/store"
	"github.com/look4regev/agent-tool-protocol/pkg/tools"
)

var (
	testSessionSecret    = []byte("0123456789abcdef0123456789abcdef")
	testProvenanceSecret = []byte("fedcba9876543210fedcba9876543210")
)

// testSource provides the server-side tools the scenarios need: an erroring
// tool, a lookup returning a restricted-reader value, and a send_email sink.
type testSource struct {
	ns     string
	invoke func(name string, args map[string]any) (any, error)
	defs   []tools.Def
}

func (s *testSource) Namespace() string { return s.ns }
func (s *testSource) Tools() []tools.Def {
	return s.defs
}
func (s *testSource) Invoke(_ context.Context, name string, args map[string]any) (any, error) {
	return s.invoke(name, args)
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry()

	require.NoError(t, registry.Register(&testSource{
		ns:   "x",
		defs: []tools.Def{{Name: "f"}},
		invoke: func(name string, args map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}))
	require.NoError(t, registry.Register(&testSource{
		ns:   "directory",
		defs: []tools.Def{{Name: "lookup"}},
		invoke: func(name string, args map[string]any) (any, error) {
			return tools.Result{Value: "cust-4711", Readers: []string{"alice@example.com"}}, nil
		},
	}))
	require.NoError(t, registry.Register(&testSource{
		ns:   "mail",
		defs: []tools.Def{{Name: "send_email", Metadata: models.ToolMetadata{OperationType: models.OperationWrite}}},
		invoke: func(name string, args map[string]any) (any, error) {
			return "sent", nil
		},
	}))
	return registry
}

func newTestOrchestrator(t *testing.T, st store.Store, metrics *store.Metrics) *Orchestrator {
	t.Helper()
	return New(Config{
		ExecTimeout:         10 * time.Second,
		MaxLLMCalls:         100,
		MaxMemoryBytes:      256 << 20,
		MaxCodeSize:         1 << 20,
		ProvenanceMode:      models.ProvenanceAST,
		CheckpointEvery:     10,
		ExecutionTTL:        time.Hour,
		MaxProvenanceTokens: 100,
		MetadataTTL:         time.Hour,
		ProvenanceFetch:     100 * time.Millisecond,
	}, st, testRegistry(t), provenance.NewSigner(testProvenanceSecret, time.Hour), metrics)
}

func newMemoryStore(t *testing.T, maxPause time.Duration) (*store.MemoryStore, *store.Metrics) {
	t.Helper()
	metrics := store.NewMetrics(prometheus.NewRegistry())
	st := store.NewMemoryStore(maxPause, metrics)
	t.Cleanup(func() { _ = st.Close() })
	return st, metrics
}

func execCfg() models.ExecConfig {
	return models.ExecConfig{Services: []string{"llm", "approval", "embedding"}}
}

func TestExecute_SingleLLMCall(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	result := o.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `const r = await atp.llm.call({prompt: "Say hello in 2 words"});` + "\n" + `return {r};`,
		Config:   execCfg(),
	})
	require.Equal(t, models.StatusPaused, result.Status, "error: %+v", result.Err)
	require.NotNil(t, result.Pending)
	assert.Equal(t, models.CallbackLLM, result.Pending.Kind)
	assert.Equal(t, "call", result.Pending.Operation)
	assert.Equal(t, uint32(0), result.Pending.Seq)
	assert.JSONEq(t, `{"prompt": "Say hello in 2 words"}`, string(result.Pending.Payload))

	resumed := o.Resume(ctx, ResumeRequest{
		TenantID:    "t1",
		ExecutionID: result.ExecutionID,
		Result:      json.RawMessage(`"Hello world"`),
	})
	require.Equal(t, models.StatusCompleted, resumed.Status, "error: %+v", resumed.Err)
	assert.Equal(t, map[string]any{"r": "Hello world"}, resumed.Value)
	require.NotNil(t, resumed.Stats)
	assert.Equal(t, 1, resumed.Stats.LLMCalls)

	// The record is gone after completion.
	_, err := st.Get(ctx, "t1", result.ExecutionID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(1), snap.TotalPauses)
	assert.Equal(t, int64(1), snap.TotalResumes)
}

func TestExecute_SequentialLLMCalls(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	code := `const a = await atp.llm.call({prompt: "one"});
const b = await atp.llm.call({prompt: "two"});
return {a, b};`

	first := o.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code, Config: execCfg()})
	require.Equal(t, models.StatusPaused, first.Status, "error: %+v", first.Err)
	assert.JSONEq(t, `{"prompt": "one"}`, string(first.Pending.Payload))

	second := o.Resume(ctx, ResumeRequest{
		TenantID: "t1", ExecutionID: first.ExecutionID, Result: json.RawMessage(`"ONE"`),
	})
	require.Equal(t, models.StatusPaused, second.Status, "error: %+v", second.Err)
	assert.Equal(t, uint32(1), second.Pending.Seq)
	assert.JSONEq(t, `{"prompt": "two"}`, string(second.Pending.Payload))

	// Paused-record invariant: history seqs are [0..k-1], pending seq is k.
	record, err := st.Get(ctx, "t1", first.ExecutionID)
	require.NoError(t, err)
	require.Len(t, record.History, 1)
	assert.Equal(t, uint32(0), record.History[0].Seq)
	require.NotNil(t, record.History[0].Result)
	assert.Equal(t, uint32(1), record.Pending.Seq)

	final := o.Resume(ctx, ResumeRequest{
		TenantID: "t1", ExecutionID: first.ExecutionID, Result: json.RawMessage(`"TWO"`),
	})
	require.Equal(t, models.StatusCompleted, final.Status, "error: %+v", final.Err)
	assert.Equal(t, map[string]any{"a": "ONE", "b": "TWO"}, final.Value)
	assert.Equal(t, 2, final.Stats.LLMCalls)
}

func TestExecute_ParallelBatch(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	code := `const out = await atp.parallel([
  () => atp.llm.call({prompt: "a"}),
  () => atp.llm.call({prompt: "b"}),
  () => atp.llm.call({prompt: "c"}),
]);
return out;`

	paused := o.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code, Config: execCfg()})
	require.Equal(t, models.StatusPaused, paused.Status, "error: %+v", paused.Err)
	require.Len(t, paused.Pending.Batch, 3)

	subIDs := make([]string, 3)
	for i, item := range paused.Pending.Batch {
		subIDs[i] = item.SubID
		assert.Equal(t, models.CallbackLLM, item.Kind)
	}

	// Results resolve in arbitrary order; association is by sub_id.
	resumed := o.Resume(ctx, ResumeRequest{
		TenantID:    "t1",
		ExecutionID: paused.ExecutionID,
		Results: []models.BatchResult{
			{SubID: subIDs[1], Result: json.RawMessage(`"B"`)},
			{SubID: subIDs[0], Result: json.RawMessage(`"A"`)},
			{SubID: subIDs[2], Result: json.RawMessage(`"C"`)},
		},
	})
	require.Equal(t, models.StatusCompleted, resumed.Status, "error: %+v", resumed.Err)
	assert.Equal(t, []any{"A", "B", "C"}, resumed.Value, "results come back in source order")
	assert.Equal(t, 3, resumed.Stats.LLMCalls)
}

func TestExecute_BatchedMapCallback(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	code := `const prompts = ["a", "b", "c"];
const out = await Promise.all(prompts.map(async (p) => await atp.llm.call({prompt: p})));
return out;`

	paused := o.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code, Config: execCfg()})
	require.Equal(t, models.StatusPaused, paused.Status, "error: %+v", paused.Err)
	require.Len(t, paused.Pending.Batch, 3, "the map callback batches into one pause")

	results := make([]models.BatchResult, 0, 3)
	for i, item := range paused.Pending.Batch {
		results = append(results, models.BatchResult{
			SubID:  item.SubID,
			Result: json.RawMessage(fmt.Sprintf(`"R%d"`, i)),
		})
	}
	resumed := o.Resume(ctx, ResumeRequest{
		TenantID: "t1", ExecutionID: paused.ExecutionID, Results: results,
	})
	require.Equal(t, models.StatusCompleted, resumed.Status, "error: %+v", resumed.Err)
	assert.Equal(t, []any{"R0", "R1", "R2"}, resumed.Value)
}

func TestResume_PartialBatchIsStale(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	code := `return await atp.parallel([() => atp.llm.call({prompt: "a"}), () => atp.llm.call({prompt: "b"})]);`
	paused := o.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code, Config: execCfg()})
	require.Equal(t, models.StatusPaused, paused.Status)
	require.Len(t, paused.Pending.Batch, 2)

	resumed := o.Resume(ctx, ResumeRequest{
		TenantID:    "t1",
		ExecutionID: paused.ExecutionID,
		Results:     []models.BatchResult{{SubID: paused.Pending.Batch[0].SubID, Result: json.RawMessage(`"A"`)}},
	})
	require.Equal(t, models.StatusFailed, resumed.Status)
	assert.Equal(t, models.ErrStaleResume, resumed.Err.Kind)
}

func TestResume_CrossInstance(t *testing.T) {
	st, _ := newMemoryStore(t, time.Hour)
	metricsA := store.NewMetrics(prometheus.NewRegistry())
	metricsB := store.NewMetrics(prometheus.NewRegistry())
	instanceA := newTestOrchestrator(t, st, metricsA)
	instanceB := newTestOrchestrator(t, st, metricsB)
	ctx := context.Background()

	paused := instanceA.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `const r = await atp.llm.call({prompt: "hi"}); return {r};`,
		Config:   execCfg(),
	})
	require.Equal(t, models.StatusPaused, paused.Status, "error: %+v", paused.Err)

	resumed := instanceB.Resume(ctx, ResumeRequest{
		TenantID: "t1", ExecutionID: paused.ExecutionID, Result: json.RawMessage(`"Hello world"`),
	})
	require.Equal(t, models.StatusCompleted, resumed.Status, "error: %+v", resumed.Err)
	assert.Equal(t, map[string]any{"r": "Hello world"}, resumed.Value)

	assert.Equal(t, int64(1), metricsA.Snapshot().TotalPauses)
	assert.Equal(t, int64(1), metricsB.Snapshot().TotalResumes)
}

func TestResume_Expired(t *testing.T) {
	st, metrics := newMemoryStore(t, 50*time.Millisecond)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	paused := o.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `return await atp.llm.call({prompt: "hi"});`,
		Config:   execCfg(),
	})
	require.Equal(t, models.StatusPaused, paused.Status)

	time.Sleep(100 * time.Millisecond)
	resumed := o.Resume(ctx, ResumeRequest{
		TenantID: "t1", ExecutionID: paused.ExecutionID, Result: json.RawMessage(`"late"`),
	})
	require.Equal(t, models.StatusFailed, resumed.Status)
	assert.Equal(t, models.ErrExpired, resumed.Err.Kind)
	assert.GreaterOrEqual(t, metrics.Snapshot().TotalExpired, int64(1))

	// Gone afterwards.
	again := o.Resume(ctx, ResumeRequest{
		TenantID: "t1", ExecutionID: paused.ExecutionID, Result: json.RawMessage(`"late"`),
	})
	assert.Equal(t, models.ErrNotFound, again.Err.Kind)
}

func TestResume_TenantMismatchForbidden(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	paused := o.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `return await atp.llm.call({prompt: "hi"});`,
		Config:   execCfg(),
	})
	require.Equal(t, models.StatusPaused, paused.Status)

	resumed := o.Resume(ctx, ResumeRequest{
		TenantID: "t2", ExecutionID: paused.ExecutionID, Result: json.RawMessage(`"x"`),
	})
	require.Equal(t, models.StatusFailed, resumed.Status)
	assert.Equal(t, models.ErrForbidden, resumed.Err.Kind)
}

func TestExecute_ExfiltrationBlocked(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	code := `const contact = await api.directory.lookup({name: "alice"});
return await api.mail.send_email({to: contact, body: "hello"});`

	result := o.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code, Config: execCfg()})
	require.Equal(t, models.StatusFailed, result.Status)
	require.NotNil(t, result.Err)
	assert.Equal(t, models.ErrSecurityViolation, result.Err.Kind)
	assert.Equal(t, "prevent_data_exfiltration", result.Err.Policy)
}

func TestExecute_ToolErrorRecovered(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	code := `try {
  await api.x.f({});
  return {ok: false};
} catch (e) {
  return {ok: true, msg: String(e.message)};
}`

	result := o.Execute(ctx, ExecuteRequest{TenantID: "t1", Code: code, Config: execCfg()})
	require.Equal(t, models.StatusCompleted, result.Status, "error: %+v", result.Err)
	value, ok := result.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, value["ok"])
	assert.Contains(t, fmt.Sprint(value["msg"]), "boom")
}

func TestExecute_UncaughtToolErrorFails(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)

	result := o.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1",
		Code:     `await api.x.f({}); return 1;`,
		Config:   execCfg(),
	})
	require.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, models.ErrExecution, result.Err.Kind)
}

func TestExecute_ParseError(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)

	result := o.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1",
		Code:     `const = ;`,
		Config:   execCfg(),
	})
	require.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, models.ErrParse, result.Err.Kind)
}

func TestExecute_Timeout(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)

	cfg := execCfg()
	cfg.Timeout = 100 * time.Millisecond
	result := o.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1",
		Code:     `while (true) {}`,
		Config:   cfg,
	})
	require.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, models.ErrTimeout, result.Err.Kind)
}

func TestExecute_LLMCallLimit(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	cfg := execCfg()
	cfg.MaxLLMCalls = 1
	paused := o.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code: `const a = await atp.llm.call({prompt: "one"});
const b = await atp.llm.call({prompt: "two"});
return {a, b};`,
		Config: cfg,
	})
	require.Equal(t, models.StatusPaused, paused.Status, "error: %+v", paused.Err)

	resumed := o.Resume(ctx, ResumeRequest{
		TenantID: "t1", ExecutionID: paused.ExecutionID, Result: json.RawMessage(`"ONE"`),
	})
	require.Equal(t, models.StatusFailed, resumed.Status)
	assert.Equal(t, models.ErrLLMCallsExceeded, resumed.Err.Kind)
}

func TestExecute_UnregisteredServiceFailsInUserCode(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)

	result := o.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1",
		Code:     `return await atp.llm.call({prompt: "hi"});`,
		Config:   models.ExecConfig{}, // no services registered
	})
	require.Equal(t, models.StatusFailed, result.Status)
	assert.Equal(t, models.ErrExecution, result.Err.Kind)
}

func TestExecute_ProvenanceTokensOnTaintedResult(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)

	result := o.Execute(context.Background(), ExecuteRequest{
		TenantID: "t1",
		Code:     `const contact = await api.directory.lookup({name: "alice"}); return {contact};`,
		Config:   execCfg(),
	})
	require.Equal(t, models.StatusCompleted, result.Status, "error: %+v", result.Err)
	require.NotEmpty(t, result.Tokens)
	assert.Equal(t, "$.contact", result.Tokens[0].Path)
	assert.Contains(t, result.Tokens[0].Token, ".")
}

func TestCancel(t *testing.T) {
	st, metrics := newMemoryStore(t, time.Hour)
	o := newTestOrchestrator(t, st, metrics)
	ctx := context.Background()

	paused := o.Execute(ctx, ExecuteRequest{
		TenantID: "t1",
		Code:     `return await atp.llm.call({prompt: "hi"});`,
		Config:   execCfg(),
	})
	require.Equal(t, models.StatusPaused, paused.Status)

	cancelled := o.Cancel(ctx, "t1", paused.ExecutionID)
	assert.Equal(t, models.ErrCancelled, cancelled.Err.Kind)

	resumed := o.Resume(ctx, ResumeRequest{
		TenantID: "t1", ExecutionID: paused.ExecutionID, Result: json.RawMessage(`"x"`),
	})
	assert.Equal(t, models.ErrNotFound, resumed.Err.Kind)
}
