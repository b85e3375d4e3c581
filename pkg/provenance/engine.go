package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// BackrefProp is the non-enumerable property carrying a metadata ID on tagged
// objects. It never survives into serialized results.
const BackrefProp = "__atp_prov"

// MetadataCache is the shared, tenant-partitioned store for metadata
// referenced by cross-boundary tokens. Implemented by the execution state
// store backends.
type MetadataCache interface {
	PutMetadata(ctx context.Context, tenantID, ref string, md json.RawMessage, ttl time.Duration) error
	GetMetadata(ctx context.Context, tenantID, ref string) (json.RawMessage, error)
}

// EngineConfig wires an Engine for one execution.
type EngineConfig struct {
	Mode         models.ProvenanceMode
	TenantID     string
	ExecutionID  string
	Signer       *Signer
	Cache        MetadataCache
	Policies     []Policy
	Registry     *Registry
	MaxTokens    int
	MetadataTTL  time.Duration
	FetchTimeout time.Duration
}

// Engine is the per-execution provenance and policy evaluator.
type Engine struct {
	mode         models.ProvenanceMode
	tenantID     string
	executionID  string
	registry     *Registry
	signer       *Signer
	cache        MetadataCache
	policies     []Policy
	maxTokens    int
	metadataTTL  time.Duration
	fetchTimeout time.Duration
}

// NewEngine creates an engine. A nil Registry starts empty; policies default
// to the built-in chain.
func NewEngine(cfg EngineConfig) *Engine {
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies(nil)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 5000
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 100 * time.Millisecond
	}
	return &Engine{
		mode:         cfg.Mode,
		tenantID:     cfg.TenantID,
		executionID:  cfg.ExecutionID,
		registry:     reg,
		signer:       cfg.Signer,
		cache:        cfg.Cache,
		policies:     policies,
		maxTokens:    maxTokens,
		metadataTTL:  cfg.MetadataTTL,
		fetchTimeout: fetchTimeout,
	}
}

// Enabled reports whether taint tracking is active.
func (e *Engine) Enabled() bool { return e.mode != models.ProvenanceNone }

// Mode returns the configured provenance mode.
func (e *Engine) Mode() models.ProvenanceMode { return e.mode }

// Registry exposes the taint map, mainly for snapshotting into the durable
// record.
func (e *Engine) Registry() *Registry { return e.registry }

// TagValue attaches provenance to a value returned across the host->sandbox
// boundary. Objects get a non-enumerable back-reference (applied deeply so
// property reads observe the tag); primitives are indexed by content digest.
func (e *Engine) TagValue(rt *goja.Runtime, v goja.Value, source Source, readers Readers) *Metadata {
	if !e.Enabled() || v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	md := e.registry.Register(&Metadata{Source: source, Readers: readers})
	e.tag(rt, v, md, map[*goja.Object]bool{})
	return md
}

func (e *Engine) tag(rt *goja.Runtime, v goja.Value, md *Metadata, seen map[*goja.Object]bool) {
	obj, isObj := v.(*goja.Object)
	if !isObj {
		exported := v.Export()
		switch exported.(type) {
		case string, float64, int64, bool:
			e.registry.TagDigest(Digest(exported), md.ID)
		}
		return
	}
	if seen[obj] {
		return
	}
	seen[obj] = true
	_ = obj.DefineDataProperty(BackrefProp, rt.ToValue(md.ID), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	for _, key := range obj.Keys() {
		e.tag(rt, obj.Get(key), md, seen)
	}
}

// MergeTaint propagates the taint of source values onto a derived value: the
// AST-mode hook behind operators, template interpolations, and method calls.
func (e *Engine) MergeTaint(rt *goja.Runtime, derived goja.Value, sources ...goja.Value) {
	if !e.Enabled() || derived == nil {
		return
	}
	var merged *Metadata
	for _, src := range sources {
		md := e.ProvenanceOf(src)
		if md == nil {
			continue
		}
		if merged == nil {
			merged = &Metadata{Source: md.Source, Readers: md.Readers, Dependencies: []string{md.ID}}
			continue
		}
		merged.Dependencies = append(merged.Dependencies, md.ID)
		merged.Readers = intersectReaders(merged.Readers, md.Readers)
		if md.Source.Kind != merged.Source.Kind {
			// Mixed origins degrade to the least trusted contributor.
			merged.Source = leastTrusted(merged.Source, md.Source)
		}
	}
	if merged == nil {
		return
	}
	e.registry.Register(merged)
	e.tag(rt, derived, merged, map[*goja.Object]bool{})
}

// ProvenanceOf resolves taint for a sandbox value: back-reference first, then
// the primitive digest registry.
func (e *Engine) ProvenanceOf(v goja.Value) *Metadata {
	if !e.Enabled() || v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if obj, ok := v.(*goja.Object); ok {
		ref := obj.Get(BackrefProp)
		if ref != nil && !goja.IsUndefined(ref) {
			if md, ok := e.registry.ByID(ref.String()); ok {
				return md
			}
		}
		return nil
	}
	return e.ProvenanceOfNative(v.Export())
}

// ProvenanceOfNative resolves taint for an exported Go value by content
// digest. Exported objects lose the back-reference (it is non-enumerable),
// so nested primitives are the tracked unit on this path.
func (e *Engine) ProvenanceOfNative(v any) *Metadata {
	if !e.Enabled() {
		return nil
	}
	switch v.(type) {
	case string, float64, int64, bool:
		if md, ok := e.registry.ByDigest(Digest(v)); ok {
			return md
		}
	}
	return nil
}

// VerifyHints verifies client-supplied provenance tokens and rebuilds the
// taint map from the metadata cache. Invalid tokens are skipped (logged);
// a slow cache is bounded by the per-fetch timeout.
func (e *Engine) VerifyHints(ctx context.Context, hints []string) int {
	if !e.Enabled() || e.signer == nil {
		return 0
	}
	accepted := 0
	for _, hint := range hints {
		payload, err := e.signer.Verify(hint, e.tenantID)
		if err != nil {
			slog.Warn("Rejected provenance hint", "error", err)
			continue
		}
		md, err := e.fetchMetadata(ctx, payload.MetadataRef)
		if err != nil {
			slog.Warn("Provenance hint metadata unavailable", "ref", payload.MetadataRef, "error", err)
			continue
		}
		e.registry.Register(md)
		e.registry.TagDigest(payload.ValueDigest, md.ID)
		accepted++
	}
	return accepted
}

func (e *Engine) fetchMetadata(ctx context.Context, ref string) (*Metadata, error) {
	if e.cache == nil {
		return nil, fmt.Errorf("no metadata cache configured")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	raw, err := e.cache.GetMetadata(fetchCtx, e.tenantID, ref)
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &md, nil
}

// EmitTokens walks a completed result and issues one token per distinct
// tagged primitive, bounded by the per-response token cap. Metadata is
// written to the shared cache; the token carries only the reference.
func (e *Engine) EmitTokens(ctx context.Context, root *models.SerializedValue) []models.PathToken {
	if !e.Enabled() || e.signer == nil || root == nil {
		return nil
	}
	var tokens []models.PathToken
	emitted := map[string]bool{}

	var walk func(sv *models.SerializedValue, path string)
	walk = func(sv *models.SerializedValue, path string) {
		if sv == nil || len(tokens) >= e.maxTokens {
			return
		}
		switch sv.Kind {
		case models.KindString, models.KindNumber, models.KindBool:
			digest := Digest(nativePrimitive(sv))
			if emitted[digest] {
				return
			}
			md, ok := e.registry.ByDigest(digest)
			if !ok {
				return
			}
			emitted[digest] = true
			ref := "md_" + uuid.NewString()[:12]
			raw, err := json.Marshal(md)
			if err != nil {
				return
			}
			if e.cache != nil {
				if err := e.cache.PutMetadata(ctx, e.tenantID, ref, raw, e.metadataTTL); err != nil {
					slog.Warn("Failed to cache provenance metadata", "ref", ref, "error", err)
					return
				}
			}
			token, err := e.signer.Issue(e.tenantID, e.executionID, digest, ref)
			if err != nil {
				return
			}
			tokens = append(tokens, models.PathToken{Path: path, Token: token})
		case models.KindArray, models.KindSet:
			for i, item := range sv.Items {
				walk(item, path+"["+strconv.Itoa(i)+"]")
			}
		case models.KindObject:
			for _, p := range sv.Props {
				walk(p.Value, joinPath(path, p.Name))
			}
		case models.KindMap:
			for _, entry := range sv.Entries {
				if entry.Key != nil && entry.Key.Kind == models.KindString {
					walk(entry.Value, joinPath(path, entry.Key.String))
				}
			}
		}
	}
	walk(root, "$")
	return tokens
}

func nativePrimitive(sv *models.SerializedValue) any {
	switch sv.Kind {
	case models.KindString:
		return sv.String
	case models.KindNumber:
		return sv.Number
	case models.KindBool:
		return sv.Bool
	default:
		return nil
	}
}

func joinPath(base, name string) string {
	if base == "$" {
		return "$." + name
	}
	return base + "." + name
}

// StripBackrefs removes every back-reference property from a value before it
// is serialized into the final result. Both recursive enumeration and
// own-property-names stripping are applied: non-enumerable properties must
// not survive.
func (e *Engine) StripBackrefs(rt *goja.Runtime, v goja.Value) {
	if v == nil {
		return
	}
	stripper, err := rt.RunString(`(root) => {
		const seen = new Set();
		const strip = (o) => {
			if (o === null || typeof o !== "object" || seen.has(o)) return;
			seen.add(o);
			for (const name of Object.getOwnPropertyNames(o)) {
				if (name === "` + BackrefProp + `") {
					delete o[name];
					continue;
				}
				strip(o[name]);
			}
		};
		strip(root);
	}`)
	if err != nil {
		return
	}
	fn, ok := goja.AssertFunction(stripper)
	if !ok {
		return
	}
	_, _ = fn(goja.Undefined(), v)
}

// CheckToolCall runs the policy chain in registration order and returns the
// first non-allow decision.
func (e *Engine) CheckToolCall(toolName string, meta models.ToolMetadata, args map[string]any) Decision {
	site := CallSite{
		ToolName:   toolName,
		Metadata:   meta,
		Args:       args,
		Provenance: e.ProvenanceOfNative,
	}
	for _, policy := range e.policies {
		decision := policy.Evaluate(site)
		if decision.Allowed() {
			continue
		}
		return decision
	}
	return Decision{Action: ActionAllow}
}

func intersectReaders(a, b Readers) Readers {
	if a.Public {
		return b
	}
	if b.Public {
		return a
	}
	allowed := map[string]bool{}
	for _, r := range b.Readers {
		allowed[r] = true
	}
	var out []string
	for _, r := range a.Readers {
		if allowed[r] {
			out = append(out, r)
		}
	}
	return Readers{Readers: out}
}

// leastTrusted orders source kinds by trust: llm < tool < user/system.
func leastTrusted(a, b Source) Source {
	rank := func(k SourceKind) int {
		switch k {
		case SourceLLM:
			return 0
		case SourceTool:
			return 1
		default:
			return 2
		}
	}
	if rank(a.Kind) <= rank(b.Kind) {
		return a
	}
	return b
}
