package sandbox

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
	"github.com/look4regev/agent-tool-protocol/pkg/provenance"
	"github.com/look4regev/agent-tool-protocol/pkg/tools"
	"github.com/look4regev/agent-tool-protocol/pkg/transform"
)

// preamble defines the pure-JS halves of the instrumentation hooks. The
// host-side halves (__atp_taint_merge and friends) are injected separately.
const preamble = `
const __atp_ops = {
	"+": (l, r) => l + r,
	"-": (l, r) => l - r,
	"*": (l, r) => l * r,
	"/": (l, r) => l / r,
	"%": (l, r) => l % r,
};
function __atp_bin(op, l, r) { return __atp_taint_merge(__atp_ops[op](l, r), l, r); }
function __atp_tpl(lits, exprs) {
	let out = lits[0] ?? "";
	for (let i = 0; i < exprs.length; i++) {
		out += String(exprs[i]) + (lits[i + 1] ?? "");
	}
	return __atp_taint_merge(out, ...exprs);
}
function __atp_mcall(recv, name, args) { return __atp_taint_merge(recv[name](...args), recv); }
atp.parallel = (tasks) => Promise.all(__atp_parallel_run(tasks));
`

// inject builds the sandbox-visible world: the atp.* namespace, the api.*
// tree from the tool catalog, and the instrumentation hooks.
func (b *Bridge) inject() error {
	if err := b.injectAtp(); err != nil {
		return err
	}
	if err := b.injectAPI(); err != nil {
		return err
	}
	if err := b.injectHooks(); err != nil {
		return err
	}
	if _, err := b.rt.RunString(preamble); err != nil {
		return fmt.Errorf("evaluating preamble: %w", err)
	}
	return nil
}

func (b *Bridge) injectAtp() error {
	atp := b.rt.NewObject()

	llm := b.rt.NewObject()
	if err := llm.Set("call", b.llmCall); err != nil {
		return err
	}
	if err := atp.Set("llm", llm); err != nil {
		return err
	}

	approval := b.rt.NewObject()
	if err := approval.Set("request", b.approvalRequest); err != nil {
		return err
	}
	if err := atp.Set("approval", approval); err != nil {
		return err
	}

	embedding := b.rt.NewObject()
	if err := embedding.Set("embed", b.embeddingEmbed); err != nil {
		return err
	}
	if err := atp.Set("embedding", embedding); err != nil {
		return err
	}

	cache := b.rt.NewObject()
	if err := cache.Set("get", b.cacheGet); err != nil {
		return err
	}
	if err := cache.Set("set", b.cacheSet); err != nil {
		return err
	}
	if err := atp.Set("cache", cache); err != nil {
		return err
	}

	if err := atp.Set("progress", b.progress); err != nil {
		return err
	}
	if err := atp.Set("log", b.logFn); err != nil {
		return err
	}

	return b.sb.Inject("atp", atp)
}

func (b *Bridge) injectAPI() error {
	api := b.rt.NewObject()
	for groupName, fnNames := range b.cfg.Catalog.Groups() {
		group := b.rt.NewObject()
		for _, fnName := range fnNames {
			entry, _ := b.cfg.Catalog.Lookup(groupName, fnName)
			if err := group.Set(fnName, b.toolCall(entry)); err != nil {
				return err
			}
		}
		if err := api.Set(groupName, group); err != nil {
			return err
		}
	}
	return b.sb.Inject("api", api)
}

func (b *Bridge) injectHooks() error {
	hooks := map[string]any{
		transform.HookStatement: b.statementHook,
		transform.HookLiteral:   b.literalHook,
		transform.HookBatchMap:  b.batchMap,
		"__atp_taint_merge":     b.taintMerge,
		"__atp_parallel_run":    b.parallelRun,
	}
	for name, fn := range hooks {
		if err := b.sb.Inject(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// llmCall pauses with an llm callback; the agent's host process answers it.
func (b *Bridge) llmCall(call goja.FunctionCall) goja.Value {
	b.requireService("llm")
	if b.cfg.Limits.MaxLLMCalls > 0 && b.stats.LLMCalls >= b.cfg.Limits.MaxLLMCalls {
		panic(&fatalSignal{
			kind: models.ErrLLMCallsExceeded,
			msg:  fmt.Sprintf("llm call limit of %d exceeded", b.cfg.Limits.MaxLLMCalls),
		})
	}
	b.stats.LLMCalls++
	result := b.seqCall(models.CallbackLLM, "call", exportArg(call, 0))
	b.cfg.Engine.TagValue(b.rt, result,
		provenance.Source{Kind: provenance.SourceLLM, Timestamp: time.Now()},
		provenance.PublicReaders())
	return result
}

func (b *Bridge) approvalRequest(call goja.FunctionCall) goja.Value {
	b.requireService("approval")
	b.stats.ApprovalCalls++
	return b.seqCall(models.CallbackApproval, "request", exportArg(call, 0))
}

func (b *Bridge) embeddingEmbed(call goja.FunctionCall) goja.Value {
	b.requireService("embedding")
	return b.seqCall(models.CallbackEmbedding, "embed", exportArg(call, 0))
}

// cacheGet and cacheSet ride on the statement-snapshot layer, keyed into a
// reserved statement-ID range, so cache entries persist and replay with the
// execution record.
func (b *Bridge) cacheGet(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	if sv, ok := b.cfg.States.Lookup(cacheStmtID(key)); ok {
		return b.ser.Deserialize(sv)
	}
	return goja.Undefined()
}

func (b *Bridge) cacheSet(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	b.cfg.States.RecordResult(cacheStmtID(key), b.ser.Serialize(call.Argument(1), nil))
	return goja.Undefined()
}

func cacheStmtID(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return cacheStmtBase | (h.Sum32() >> 1)
}

func (b *Bridge) progress(call goja.FunctionCall) goja.Value {
	slog.Info("Execution progress", "message", call.Argument(0).String())
	return goja.Undefined()
}

func (b *Bridge) logFn(call goja.FunctionCall) goja.Value {
	level := call.Argument(0).String()
	message := call.Argument(1).String()
	switch level {
	case "debug":
		slog.Debug("User code log", "message", message)
	case "warn":
		slog.Warn("User code log", "message", message)
	case "error":
		slog.Error("User code log", "message", message)
	default:
		slog.Info("User code log", "message", message)
	}
	return goja.Undefined()
}

// statementHook records the statement boundary: the current statement ID for
// call-site memoization, plus a lazy variable snapshot when one is not
// already present from a prior run.
func (b *Bridge) statementHook(call goja.FunctionCall) goja.Value {
	id := uint32(call.Argument(0).ToInteger())
	b.currentStmt = id
	if b.cfg.States.Has(id) {
		return goja.Undefined()
	}

	vars := map[string]*models.SerializedValue{}
	if thunk, ok := goja.AssertFunction(call.Argument(1)); ok {
		env, err := thunk(goja.Undefined())
		if err == nil && env != nil {
			if obj, ok := env.(*goja.Object); ok {
				scope := map[string]goja.Value{}
				for _, key := range obj.Keys() {
					scope[key] = obj.Get(key)
				}
				for name, value := range scope {
					vars[name] = b.ser.Serialize(value, scope)
				}
			}
		}
	}
	b.cfg.States.OnStatement(id, vars)
	return goja.Undefined()
}

// literalHook returns a hooked literal unchanged: its digest was tainted by a
// verified hint, so the digest registry already resolves it to that taint.
func (b *Bridge) literalHook(call goja.FunctionCall) goja.Value {
	return call.Argument(0)
}

// taintMerge propagates taint from source values onto a derived value; the
// JS halves of the operator and template hooks call it.
func (b *Bridge) taintMerge(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		return goja.Undefined()
	}
	derived := call.Argument(0)
	b.cfg.Engine.MergeTaint(b.rt, derived, call.Arguments[1:]...)
	return derived
}

// toolCall builds the host function behind one api.{group}.{fn} member.
func (b *Bridge) toolCall(entry tools.Entry) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := map[string]any{}
		if len(call.Arguments) > 0 {
			if m, ok := call.Argument(0).Export().(map[string]any); ok {
				args = m
			}
		}
		if err := entry.ValidateArgs(args); err != nil {
			panic(b.rt.NewGoError(err))
		}

		decision := b.cfg.Engine.CheckToolCall(entry.FullName(), entry.Metadata, args)
		switch decision.Action {
		case provenance.ActionBlock:
			panic(&fatalSignal{kind: models.ErrSecurityViolation, policy: decision.Policy, msg: decision.Reason})
		case provenance.ActionApprove:
			b.stats.ApprovalCalls++
			result := b.seqCall(models.CallbackApproval, "request", map[string]any{
				"message": decision.Reason,
				"tool":    entry.FullName(),
			})
			if !approvalGranted(result) {
				panic(&fatalSignal{kind: models.ErrApprovalDenied, policy: decision.Policy,
					msg: fmt.Sprintf("approval denied for %s", entry.FullName())})
			}
		}

		if entry.Pausing() {
			result := b.seqCall(models.CallbackTool, entry.FullName(), args)
			b.cfg.Engine.TagValue(b.rt, result,
				provenance.Source{Kind: provenance.SourceTool, ToolName: entry.FullName(), Timestamp: time.Now()},
				provenance.PublicReaders())
			return result
		}
		return b.serverToolCall(entry, args)
	}
}

// serverToolCall runs an in-process tool, with snapshot memoization for
// deterministic tools.
func (b *Bridge) serverToolCall(entry tools.Entry, args map[string]any) goja.Value {
	stmt := b.currentStmt
	if entry.Cacheable {
		if sv, ok := b.cfg.States.Lookup(stmt); ok {
			return b.ser.Deserialize(sv)
		}
	}

	out, err := entry.Source.Invoke(b.ctx, entry.Name, args)
	if err != nil {
		// Recovered locally as a thrown error inside user code.
		panic(b.rt.NewGoError(err))
	}

	readers := provenance.PublicReaders()
	if restricted, ok := out.(tools.Result); ok {
		out = restricted.Value
		if !restricted.Public {
			readers = provenance.Restricted(restricted.Readers...)
		}
	}

	value := b.rt.ToValue(out)
	b.cfg.Engine.TagValue(b.rt, value,
		provenance.Source{Kind: provenance.SourceTool, ToolName: entry.FullName(), Timestamp: time.Now()},
		readers)
	if entry.Cacheable {
		b.cfg.States.RecordResult(stmt, b.ser.Serialize(value, nil))
	}
	return value
}

func approvalGranted(result goja.Value) bool {
	obj, ok := result.(*goja.Object)
	if !ok {
		return result.ToBoolean()
	}
	return obj.Get("approved").ToBoolean()
}

// parallelRun drives atp.parallel's task list through a batch scope.
func (b *Bridge) parallelRun(call goja.FunctionCall) goja.Value {
	arr, ok := call.Argument(0).(*goja.Object)
	if !ok {
		panic(b.rt.NewGoError(fmt.Errorf("atp.parallel expects an array of functions")))
	}
	length := int(arr.Get("length").ToInteger())
	taskRuns := make([]func() (goja.Value, error), 0, length)
	for i := 0; i < length; i++ {
		task, ok := goja.AssertFunction(arr.Get(strconv.Itoa(i)))
		if !ok {
			panic(b.rt.NewGoError(fmt.Errorf("atp.parallel task %d is not a function", i)))
		}
		taskRuns = append(taskRuns, func() (goja.Value, error) {
			return task(goja.Undefined())
		})
	}
	return b.runBatch(taskRuns)
}

// batchMap is the rewritten form of an eligible arr.map(async fn) site.
func (b *Bridge) batchMap(call goja.FunctionCall) goja.Value {
	arr, ok := call.Argument(0).(*goja.Object)
	if !ok {
		panic(b.rt.NewGoError(fmt.Errorf("batched callback expects an array receiver")))
	}
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(b.rt.NewGoError(fmt.Errorf("batched callback expects a function")))
	}
	length := int(arr.Get("length").ToInteger())
	taskRuns := make([]func() (goja.Value, error), 0, length)
	for i := 0; i < length; i++ {
		item := arr.Get(strconv.Itoa(i))
		index := b.rt.ToValue(i)
		taskRuns = append(taskRuns, func() (goja.Value, error) {
			return fn(goja.Undefined(), item, index, arr)
		})
	}
	return b.runBatch(taskRuns)
}

// runBatch runs each sub-task inside one batch scope. Sub-tasks that would
// pause are collected into a single pending record; if every task was
// satisfied from replay, the per-task promises are returned in source order.
func (b *Bridge) runBatch(taskRuns []func() (goja.Value, error)) goja.Value {
	b.cfg.Sequencer.BeginBatch()
	results := b.rt.NewArray()
	for i, run := range taskRuns {
		value := b.runBatchTask(run)
		_ = results.Set(strconv.Itoa(i), value)
	}
	if pending := b.cfg.Sequencer.EndBatch(); pending != nil {
		panic(&pauseSignal{record: pending})
	}
	return results
}

// runBatchTask invokes one sub-task, absorbing its batch-collect unwind.
func (b *Bridge) runBatchTask(run func() (goja.Value, error)) (value goja.Value) {
	defer func() {
		if r := recover(); r != nil {
			if _, collected := r.(*batchSignal); collected {
				value = goja.Undefined()
				return
			}
			panic(r)
		}
	}()
	v, err := run()
	if err != nil {
		panic(b.rt.NewGoError(err))
	}
	return v
}

func exportArg(call goja.FunctionCall, i int) any {
	arg := call.Argument(i)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return nil
	}
	return arg.Export()
}
