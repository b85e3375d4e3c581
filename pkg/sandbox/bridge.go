package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
	"github.com/look4regev/agent-tool-protocol/pkg/provenance"
	"github.com/look4regev/agent-tool-protocol/pkg/sequencer"
	"github.com/look4regev/agent-tool-protocol/pkg/serializer"
	"github.com/look4regev/agent-tool-protocol/pkg/state"
	"github.com/look4regev/agent-tool-protocol/pkg/tools"
)

// MainFunction is the wrapper the orchestrator puts around user code so
// top-level return and await work; the bridge invokes it after loading the
// transformed program.
const MainFunction = "__atp_main"

// EntryCall returns the statement that kicks off the wrapped user program.
func EntryCall() string { return "\n" + MainFunction + "();" }

// cacheStmtBase offsets atp.cache entries into a statement-ID range that can
// never collide with transformer-assigned IDs.
const cacheStmtBase uint32 = 1 << 31

// Pause and failure signals unwound through the runtime. They are Go panics,
// so user-level try/catch cannot intercept them.
type pauseSignal struct{ record *models.CallbackRecord }

type batchSignal struct{ err *sequencer.BatchCollectError }

type fatalSignal struct {
	kind   models.ErrorKind
	policy string
	msg    string
}

// Outcome is the bridge's report of one sandbox run.
type Outcome struct {
	// Value is the completed top-level value, already serialized with
	// provenance back-references stripped. Nil when paused.
	Value *models.SerializedValue

	// Pending is the callback that paused the execution. Nil when completed.
	Pending *models.CallbackRecord

	Stats models.Stats
}

// Config wires a bridge for one run.
type Config struct {
	Sequencer *sequencer.Sequencer
	States    *state.Manager
	Engine    *provenance.Engine
	Catalog   *tools.Catalog
	Services  map[string]bool
	Limits    Limits
}

// Bridge drives one sandbox execution: it injects the atp.* and api.* host
// namespaces plus the instrumentation hooks, runs the transformed program,
// and converts pause signals and limit faults into outcomes.
type Bridge struct {
	cfg Config

	sb  Sandbox
	rt  *goja.Runtime
	ser *serializer.Serializer
	ctx context.Context

	currentStmt uint32
	stats       models.Stats
	startedAt   time.Time
}

// NewBridge creates a bridge.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{cfg: cfg}
}

// Run executes the transformed program to completion or first pause.
func (b *Bridge) Run(ctx context.Context, transformedCode string) (outcome *Outcome, err error) {
	b.sb = New(b.cfg.Limits)
	defer b.sb.Close()
	b.rt = b.sb.Runtime()
	b.ser = serializer.New(b.rt)
	b.ctx = ctx
	b.startedAt = time.Now()

	if err := b.inject(); err != nil {
		return nil, fmt.Errorf("injecting host namespace: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			switch sig := r.(type) {
			case *pauseSignal:
				outcome = &Outcome{Pending: sig.record, Stats: b.finishStats()}
				err = nil
			case *fatalSignal:
				execErr := models.NewExecError(sig.kind, "%s", sig.msg)
				execErr.Policy = sig.policy
				outcome, err = nil, execErr
			default:
				panic(r)
			}
		}
	}()

	value, runErr := b.sb.Evaluate(ctx, transformedCode+EntryCall())
	if runErr != nil {
		return nil, b.mapRunError(runErr)
	}

	settled, jsErr, ok := b.settle(value)
	if !ok {
		return nil, models.NewExecError(models.ErrInternal, "execution did not settle")
	}
	if jsErr != nil {
		return nil, models.NewExecError(models.ErrExecution, "%s", stringifyJSError(jsErr))
	}
	if b.cfg.Sequencer.UnconsumedReplay() {
		return nil, models.NewExecError(models.ErrReplayDivergence,
			"execution completed with unconsumed replay entries")
	}

	b.cfg.Engine.StripBackrefs(b.rt, settled)
	return &Outcome{Value: b.ser.Serialize(settled, nil), Stats: b.finishStats()}, nil
}

func (b *Bridge) finishStats() models.Stats {
	b.stats.DurationMS = time.Since(b.startedAt).Milliseconds()
	return b.stats
}

// settle resolves the async wrapper's promise: by the time evaluation
// returns, all microtasks have drained, so a pending promise means user code
// awaited something that never resolves.
func (b *Bridge) settle(value goja.Value) (result goja.Value, jsErr goja.Value, ok bool) {
	promise, isPromise := value.Export().(*goja.Promise)
	if !isPromise {
		return value, nil, true
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil, true
	case goja.PromiseStateRejected:
		return nil, promise.Result(), true
	default:
		return nil, nil, false
	}
}

func (b *Bridge) mapRunError(err error) error {
	switch {
	case errors.Is(err, ErrTimeout):
		return models.NewExecError(models.ErrTimeout, "execution exceeded wall-clock timeout")
	case errors.Is(err, ErrMemoryExceeded):
		return models.NewExecError(models.ErrMemoryExceeded, "execution exceeded memory limit")
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return models.NewExecError(models.ErrExecution, "%s", exception.Error())
	}
	return models.NewExecError(models.ErrInternal, "sandbox fault: %v", err)
}

func stringifyJSError(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

// raise converts a sequencer error into the proper unwind.
func (b *Bridge) raise(err error) {
	var pauseErr *sequencer.PauseError
	var collectErr *sequencer.BatchCollectError
	var toolErr *sequencer.ToolError
	var divergeErr *sequencer.DivergenceError
	switch {
	case errors.As(err, &pauseErr):
		panic(&pauseSignal{record: pauseErr.Record})
	case errors.As(err, &collectErr):
		panic(&batchSignal{err: collectErr})
	case errors.As(err, &toolErr):
		// Recovered locally: thrown inside user code, which may catch it.
		panic(b.rt.NewGoError(toolErr))
	case errors.As(err, &divergeErr):
		panic(&fatalSignal{kind: models.ErrReplayDivergence, msg: divergeErr.Error()})
	default:
		panic(b.rt.NewGoError(err))
	}
}

// seqCall routes one pause-candidate call through the sequencer and converts
// the raw result back into a sandbox value.
func (b *Bridge) seqCall(kind models.CallbackKind, operation string, payload any) goja.Value {
	raw, err := b.cfg.Sequencer.Call(kind, operation, payload)
	if err != nil {
		b.raise(err)
	}
	if len(raw) == 0 {
		return goja.Undefined()
	}
	var native any
	if err := json.Unmarshal(raw, &native); err != nil {
		return b.rt.ToValue(string(raw))
	}
	return b.rt.ToValue(native)
}

func (b *Bridge) requireService(name string) {
	if !b.cfg.Services[name] {
		panic(b.rt.NewGoError(fmt.Errorf("%s service is not registered for this session", name)))
	}
}
