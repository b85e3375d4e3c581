// Package tools builds the api.{group}.{fn} surface user code sees, from
// server-side tool sources and client-tool descriptors, and validates call
// arguments against each tool's input schema.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// Result wraps a tool's return value with provenance restrictions. Sources
// return this instead of a bare value when the result must not be readable
// by every party; Public and Readers mirror provenance.Readers.
type Result struct {
	Value   any
	Public  bool
	Readers []string
}

// Def describes one server-side tool.
type Def struct {
	Name        string
	Description string
	InputSchema []byte
	Metadata    models.ToolMetadata

	// Deferred marks a server tool whose invocation pauses like a client
	// tool instead of executing in-process.
	Deferred bool

	// Cacheable marks a deterministic tool whose results may be satisfied
	// from statement snapshots on replay.
	Cacheable bool
}

// Source is an in-process tool group mounted under api.{namespace}. The
// OpenAPI and MCP adapters implement this interface outside the engine.
type Source interface {
	Namespace() string
	Tools() []Def
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Registry holds the process-global server-side tool sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: map[string]Source{}}
}

// Register mounts a source. Namespaces must be unique.
func (r *Registry) Register(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := src.Namespace()
	if _, exists := r.sources[ns]; exists {
		return fmt.Errorf("tool namespace %q already registered", ns)
	}
	r.sources[ns] = src
	return nil
}

// Sources returns the registered sources.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	return out
}

// Entry is one resolvable tool in a catalog.
type Entry struct {
	Group    string
	Name     string
	Metadata models.ToolMetadata

	// Client is set for tools whose handler lives in the agent; invoking
	// them always pauses.
	Client bool

	// Deferred server tools also pause; others run in-process via Source.
	Deferred  bool
	Cacheable bool
	Source    Source

	schema *jsonschema.Schema
}

// FullName returns the dotted tool path.
func (e Entry) FullName() string { return e.Group + "." + e.Name }

// Pausing reports whether invoking this tool suspends the execution.
func (e Entry) Pausing() bool { return e.Client || e.Deferred }

// Catalog is the per-execution api.* tree: server sources plus the client
// tools snapshotted into the execution's config.
type Catalog struct {
	entries map[string]map[string]Entry
}

// Mount builds a catalog from the registry and the execution's client tools.
// Client tools shadow server tools of the same name.
func (r *Registry) Mount(clientTools []models.ClientTool) (*Catalog, error) {
	c := &Catalog{entries: map[string]map[string]Entry{}}
	for _, src := range r.Sources() {
		for _, def := range src.Tools() {
			schema, err := compileSchema(def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s.%s: %w", src.Namespace(), def.Name, err)
			}
			c.add(Entry{
				Group:     src.Namespace(),
				Name:      def.Name,
				Metadata:  def.Metadata,
				Deferred:  def.Deferred,
				Cacheable: def.Cacheable,
				Source:    src,
				schema:    schema,
			})
		}
	}
	for _, tool := range clientTools {
		schema, err := compileSchema(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("client tool %s: %w", tool.FullName(), err)
		}
		c.add(Entry{
			Group:    tool.Namespace,
			Name:     tool.Name,
			Metadata: tool.Metadata,
			Client:   true,
			schema:   schema,
		})
	}
	return c, nil
}

func (c *Catalog) add(e Entry) {
	group, ok := c.entries[e.Group]
	if !ok {
		group = map[string]Entry{}
		c.entries[e.Group] = group
	}
	group[e.Name] = e
}

// Lookup resolves a tool by group and name.
func (c *Catalog) Lookup(group, name string) (Entry, bool) {
	e, ok := c.entries[group][name]
	return e, ok
}

// Groups returns group names to tool names, for namespace injection.
func (c *Catalog) Groups() map[string][]string {
	out := make(map[string][]string, len(c.entries))
	for group, entries := range c.entries {
		for name := range entries {
			out[group] = append(out[group], name)
		}
	}
	return out
}

// ValidateArgs checks call arguments against the tool's input schema. Tools
// without a schema accept anything.
func (e Entry) ValidateArgs(args map[string]any) error {
	if e.schema == nil {
		return nil
	}
	if err := e.schema.Validate(anyMap(args)); err != nil {
		return fmt.Errorf("arguments for %s rejected by schema: %w", e.FullName(), err)
	}
	return nil
}

// anyMap converts to the plain-any form the validator expects.
func anyMap(args map[string]any) any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing input schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	schema, err := compiler.Compile("tool.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling input schema: %w", err)
	}
	return schema, nil
}
