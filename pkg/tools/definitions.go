package tools

import (
	"sort"
	"strings"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// Definitions renders the TypeScript-style declaration text served by
// /definitions, filtered by the session's registered services.
func Definitions(services []string, clientTools []models.ClientTool, registry *Registry) string {
	registered := map[string]bool{}
	for _, svc := range services {
		registered[svc] = true
	}

	var b strings.Builder
	b.WriteString("declare namespace atp {\n")
	if registered["llm"] {
		b.WriteString("  namespace llm {\n")
		b.WriteString("    function call(request: { prompt: string; system?: string; model?: string }): Promise<string>;\n")
		b.WriteString("  }\n")
	}
	if registered["approval"] {
		b.WriteString("  namespace approval {\n")
		b.WriteString("    function request(request: { message: string }): Promise<{ approved: boolean }>;\n")
		b.WriteString("  }\n")
	}
	if registered["embedding"] {
		b.WriteString("  namespace embedding {\n")
		b.WriteString("    function embed(request: { text: string }): Promise<number[]>;\n")
		b.WriteString("  }\n")
	}
	b.WriteString("  namespace cache {\n")
	b.WriteString("    function get(key: string): Promise<unknown>;\n")
	b.WriteString("    function set(key: string, value: unknown): Promise<void>;\n")
	b.WriteString("  }\n")
	b.WriteString("  function parallel<T>(tasks: Array<() => Promise<T>>): Promise<T[]>;\n")
	b.WriteString("  function progress(message: string): void;\n")
	b.WriteString("  function log(level: string, message: string): void;\n")
	b.WriteString("}\n")

	groups := map[string][]string{}
	if registry != nil {
		for _, src := range registry.Sources() {
			for _, def := range src.Tools() {
				groups[src.Namespace()] = append(groups[src.Namespace()], def.Name)
			}
		}
	}
	for _, tool := range clientTools {
		groups[tool.Namespace] = append(groups[tool.Namespace], tool.Name)
	}
	if len(groups) == 0 {
		return b.String()
	}

	names := make([]string, 0, len(groups))
	for group := range groups {
		names = append(names, group)
	}
	sort.Strings(names)

	b.WriteString("declare namespace api {\n")
	for _, group := range names {
		fns := groups[group]
		sort.Strings(fns)
		b.WriteString("  namespace " + group + " {\n")
		for _, fn := range fns {
			b.WriteString("    function " + fn + "(args: Record<string, unknown>): Promise<unknown>;\n")
		}
		b.WriteString("  }\n")
	}
	b.WriteString("}\n")
	return b.String()
}
