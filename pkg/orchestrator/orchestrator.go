// Package orchestrator coordinates one execution across the transformer,
// sequencer, state manager, provenance engine, sandbox bridge, and the
// durable state store. It owns the execute and resume entry points the HTTP
// shell calls.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
	"github.com/look4regev/agent-tool-protocol/pkg/provenance"
	"github.com/look4regev/agent-tool-protocol/pkg/sandbox"
	"github.com/look4regev/agent-tool-protocol/pkg/sequencer"
	"github.com/look4regev/agent-tool-protocol/pkg/serializer"
	"github.com/look4regev/agent-tool-protocol/pkg/state"
	"github.com/look4regev/agent-tool-protocol/pkg/store"
	"github.com/look4regev/agent-tool-protocol/pkg/tools"
	"github.com/look4regev/agent-tool-protocol/pkg/transform"
)

// Config holds the orchestrator-wide execution defaults.
type Config struct {
	ExecTimeout     time.Duration
	MaxLLMCalls     int
	MaxMemoryBytes  int64
	MaxCodeSize     int
	ProvenanceMode  models.ProvenanceMode
	CheckpointEvery int

	ExecutionTTL        time.Duration
	MaxProvenanceTokens int
	MetadataTTL         time.Duration
	ProvenanceFetch     time.Duration
}

// Orchestrator wires the engine components per request.
type Orchestrator struct {
	cfg      Config
	store    store.Store
	registry *tools.Registry
	signer   *provenance.Signer
	metrics  *store.Metrics
}

// New creates an orchestrator. signer may be nil when provenance is disabled.
func New(cfg Config, st store.Store, registry *tools.Registry, signer *provenance.Signer, metrics *store.Metrics) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: st, registry: registry, signer: signer, metrics: metrics}
}

// ExecuteRequest is one execute call.
type ExecuteRequest struct {
	TenantID string
	Code     string
	Config   models.ExecConfig
	Hints    []string
}

// ResumeRequest supplies the callback result for a paused execution.
type ResumeRequest struct {
	TenantID    string
	ExecutionID string
	Result      json.RawMessage
	Results     []models.BatchResult
}

// Execute transforms and runs user code until completion or first pause.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) *models.ExecutionResult {
	executionID := uuid.New().String()

	if o.cfg.MaxCodeSize > 0 && len(req.Code) > o.cfg.MaxCodeSize {
		return failed(executionID, models.NewExecError(models.ErrValidationFailed,
			"code exceeds maximum size of %d bytes", o.cfg.MaxCodeSize))
	}

	cfg := o.normalizeConfig(req.Config)
	engine := o.newEngine(cfg.ProvenanceMode, req.TenantID, executionID, nil)
	if accepted := engine.VerifyHints(ctx, req.Hints); accepted > 0 {
		slog.Debug("Rebuilt taint from provenance hints", "execution_id", executionID, "hints", accepted)
	}

	// The wrapper makes top-level return and await legal; the transformed
	// text is cached in the record so resumes replay the identical program.
	wrapped := "async function " + sandbox.MainFunction + "() {\n" + req.Code + "\n}"
	transformed, err := transform.Transform(wrapped, transform.Options{
		ProvenanceMode: cfg.ProvenanceMode,
		TaintedDigests: engine.Registry().TaintedDigests(),
	})
	if err != nil {
		var parseErr *transform.ParseError
		if errors.As(err, &parseErr) {
			return failed(executionID, models.NewExecError(models.ErrParse, "%v", parseErr.Err))
		}
		return failed(executionID, models.NewExecError(models.ErrInternal, "transform: %v", err))
	}

	record := &models.ExecutionRecord{
		ExecutionID:     executionID,
		TenantID:        req.TenantID,
		TransformedCode: transformed.Code,
		Config:          cfg,
	}
	return o.run(ctx, record, sequencer.New(), engine)
}

// Resume loads a paused record, rebuilds the replay map with the supplied
// result, and re-drives the sandbox until it advances past the pause point.
func (o *Orchestrator) Resume(ctx context.Context, req ResumeRequest) *models.ExecutionResult {
	record, err := o.store.Get(ctx, req.TenantID, req.ExecutionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return failed(req.ExecutionID, models.NewExecError(models.ErrNotFound, "no paused execution %s", req.ExecutionID))
	case errors.Is(err, store.ErrExpired):
		return failed(req.ExecutionID, models.NewExecError(models.ErrExpired, "execution %s exceeded max pause duration", req.ExecutionID))
	case errors.Is(err, store.ErrForbidden):
		return failed(req.ExecutionID, models.NewExecError(models.ErrForbidden, "execution belongs to another tenant"))
	case err != nil:
		return failed(req.ExecutionID, models.NewExecError(models.ErrInternal, "loading execution: %v", err))
	}
	if record.TenantID != req.TenantID {
		return failed(req.ExecutionID, models.NewExecError(models.ErrForbidden, "execution belongs to another tenant"))
	}

	resolved, execErr := resolvePending(record, req)
	if execErr != nil {
		return failed(req.ExecutionID, execErr)
	}
	history := append(append([]models.CallbackRecord(nil), record.History...), *resolved)
	replay, err := sequencer.ExpandHistory(history)
	if err != nil {
		return failed(req.ExecutionID, models.NewExecError(models.ErrReplayDivergence, "expanding history: %v", err))
	}

	registry, err := provenance.RestoreRegistry(record.Provenance)
	if err != nil {
		return failed(req.ExecutionID, models.NewExecError(models.ErrInternal, "restoring provenance: %v", err))
	}
	engine := o.newEngine(record.Config.ProvenanceMode, record.TenantID, record.ExecutionID, registry)

	record.History = history
	record.Pending = nil
	o.metrics.Resume()
	return o.run(ctx, record, sequencer.NewReplay(replay), engine)
}

// Cancel ends a paused execution under tenant authorization.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, executionID string) *models.ExecutionResult {
	_, err := o.store.Get(ctx, tenantID, executionID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		return failed(executionID, models.NewExecError(models.ErrNotFound, "no paused execution %s", executionID))
	case errors.Is(err, store.ErrForbidden):
		return failed(executionID, models.NewExecError(models.ErrForbidden, "execution belongs to another tenant"))
	case err != nil:
		return failed(executionID, models.NewExecError(models.ErrInternal, "loading execution: %v", err))
	}
	if err := o.store.Delete(ctx, tenantID, executionID); err != nil {
		return failed(executionID, models.NewExecError(models.ErrInternal, "deleting execution: %v", err))
	}
	return failed(executionID, models.NewExecError(models.ErrCancelled, "execution cancelled"))
}

// run drives the sandbox bridge and handles persistence on pause or cleanup
// on completion.
func (o *Orchestrator) run(ctx context.Context, record *models.ExecutionRecord, seq *sequencer.Sequencer, engine *provenance.Engine) *models.ExecutionResult {
	catalog, err := o.registry.Mount(record.Config.ClientTools)
	if err != nil {
		return failed(record.ExecutionID, models.NewExecError(models.ErrValidationFailed, "%v", err))
	}

	states := state.New(record.Snapshots, record.Config.CheckpointEvery, o.checkpointer(ctx, record, seq))

	services := map[string]bool{}
	for _, svc := range record.Config.Services {
		services[svc] = true
	}

	bridge := sandbox.NewBridge(sandbox.Config{
		Sequencer: seq,
		States:    states,
		Engine:    engine,
		Catalog:   catalog,
		Services:  services,
		Limits: sandbox.Limits{
			Timeout:        record.Config.Timeout,
			MaxMemoryBytes: record.Config.MaxMemoryBytes,
			MaxLLMCalls:    record.Config.MaxLLMCalls,
		},
	})

	priorDuration := record.Stats.DurationMS
	outcome, runErr := bridge.Run(ctx, record.TransformedCode)
	if runErr != nil {
		var execErr *models.ExecError
		if errors.As(runErr, &execErr) {
			if execErr.Kind == models.ErrTimeout {
				// Keep the record for post-mortem; it can never be resumed
				// because no pending callback exists.
				record.Pending = nil
				record.Snapshots = states.Snapshots()
				o.persist(ctx, record)
			}
			return failed(record.ExecutionID, execErr)
		}
		return failed(record.ExecutionID, models.NewExecError(models.ErrInternal, "%v", runErr))
	}

	outcome.Stats.DurationMS += priorDuration

	if outcome.Pending != nil {
		if diverged := replayDiverged(seq, outcome.Pending, record.History); diverged != nil {
			return failed(record.ExecutionID, diverged)
		}
		record.History = seq.History()
		record.Pending = outcome.Pending
		record.PausedAt = time.Now()
		record.Snapshots = states.Snapshots()
		record.Stats = outcome.Stats
		if snap, err := engine.Registry().Snapshot(); err == nil {
			record.Provenance = snap
		}
		if err := o.persist(ctx, record); err != nil {
			return failed(record.ExecutionID, models.NewExecError(models.ErrInternal, "persisting pause: %v", err))
		}
		o.metrics.Pause()
		return &models.ExecutionResult{
			Status:      models.StatusPaused,
			ExecutionID: record.ExecutionID,
			Pending:     outcome.Pending,
		}
	}

	// Completed: drop the durable record (idempotent; also clears any
	// mid-run checkpoint a fresh execution left behind).
	if err := o.store.Delete(ctx, record.TenantID, record.ExecutionID); err != nil {
		slog.Warn("Failed to delete completed execution record",
			"execution_id", record.ExecutionID, "error", err)
	}
	tokens := engine.EmitTokens(ctx, outcome.Value)
	stats := outcome.Stats
	return &models.ExecutionResult{
		Status:      models.StatusCompleted,
		ExecutionID: record.ExecutionID,
		Value:       serializer.ToNative(outcome.Value),
		Stats:       &stats,
		Tokens:      tokens,
	}
}

func (o *Orchestrator) persist(ctx context.Context, record *models.ExecutionRecord) error {
	return o.store.Put(ctx, record, o.cfg.ExecutionTTL)
}

// checkpointer persists partial snapshots mid-run. Pure durability: a crash
// loses at most CheckpointEvery statements of captured state, never
// correctness.
func (o *Orchestrator) checkpointer(ctx context.Context, record *models.ExecutionRecord, seq *sequencer.Sequencer) state.CheckpointFunc {
	return func(snapshots []models.StatementSnapshot) {
		checkpoint := *record
		checkpoint.History = seq.History()
		checkpoint.Snapshots = snapshots
		checkpoint.PausedAt = time.Now()
		if err := o.store.Put(ctx, &checkpoint, o.cfg.ExecutionTTL); err != nil {
			slog.Debug("Checkpoint write failed", "execution_id", record.ExecutionID, "error", err)
		}
	}
}

// replayDiverged rejects a pause at a sequence number the replay map should
// have satisfied: the re-run did not reach its recorded pause site.
func replayDiverged(seq *sequencer.Sequencer, pending *models.CallbackRecord, history []models.CallbackRecord) *models.ExecError {
	var maxResolved uint32
	var any bool
	for _, rec := range history {
		top := rec.Seq
		if rec.IsBatch() {
			top = rec.Batch[len(rec.Batch)-1].Seq
		}
		if !any || top > maxResolved {
			maxResolved = top
			any = true
		}
	}
	if any && pending.Seq <= maxResolved {
		return models.NewExecError(models.ErrReplayDivergence,
			"paused at seq %d inside the resolved history (max %d)", pending.Seq, maxResolved)
	}
	return nil
}

func (o *Orchestrator) newEngine(mode models.ProvenanceMode, tenantID, executionID string, registry *provenance.Registry) *provenance.Engine {
	return provenance.NewEngine(provenance.EngineConfig{
		Mode:         mode,
		TenantID:     tenantID,
		ExecutionID:  executionID,
		Signer:       o.signer,
		Cache:        o.store,
		Registry:     registry,
		MaxTokens:    o.cfg.MaxProvenanceTokens,
		MetadataTTL:  o.cfg.MetadataTTL,
		FetchTimeout: o.cfg.ProvenanceFetch,
	})
}

func (o *Orchestrator) normalizeConfig(cfg models.ExecConfig) models.ExecConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = o.cfg.ExecTimeout
	}
	if cfg.MaxLLMCalls <= 0 {
		cfg.MaxLLMCalls = o.cfg.MaxLLMCalls
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = o.cfg.MaxMemoryBytes
	}
	if cfg.ProvenanceMode == "" {
		cfg.ProvenanceMode = o.cfg.ProvenanceMode
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = o.cfg.CheckpointEvery
	}
	return cfg
}

// resolvePending validates the supplied result against the pending callback
// and materializes the resolved record.
func resolvePending(record *models.ExecutionRecord, req ResumeRequest) (*models.CallbackRecord, *models.ExecError) {
	pending := record.Pending
	if pending == nil {
		return nil, models.NewExecError(models.ErrStaleResume, "execution has no pending callback")
	}

	resolved := *pending
	if pending.IsBatch() {
		if len(req.Results) == 0 {
			return nil, models.NewExecError(models.ErrStaleResume, "batched pause requires per-sub-id results")
		}
		supplied := map[string]bool{}
		for _, r := range req.Results {
			supplied[r.SubID] = true
		}
		if len(supplied) != len(pending.Batch) {
			return nil, models.NewExecError(models.ErrStaleResume,
				"batch expects %d results, got %d", len(pending.Batch), len(supplied))
		}
		for _, item := range pending.Batch {
			if !supplied[item.SubID] {
				return nil, models.NewExecError(models.ErrStaleResume, "missing result for sub_id %s", item.SubID)
			}
		}
		raw, err := json.Marshal(req.Results)
		if err != nil {
			return nil, models.NewExecError(models.ErrValidationFailed, "encoding batch results: %v", err)
		}
		resolved.Result = &models.CallbackResult{Value: raw}
	} else {
		if len(req.Results) > 0 {
			return nil, models.NewExecError(models.ErrStaleResume, "batched results supplied for a single pause")
		}
		resolved.Result = sequencer.ResultFromRaw(req.Result)
	}
	return &resolved, nil
}

func failed(executionID string, err *models.ExecError) *models.ExecutionResult {
	return &models.ExecutionResult{
		Status:      models.StatusFailed,
		ExecutionID: executionID,
		Err:         err,
	}
}
