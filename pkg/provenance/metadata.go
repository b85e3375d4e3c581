// Package provenance tracks the origin of values flowing through an
// execution, signs hints crossing process boundaries, and evaluates security
// policies at tool-call sites. It exists to stop tool-sourced data from being
// exfiltrated through later tool calls.
package provenance

import (
	"strings"
	"time"
)

// SourceKind classifies where a value came from.
type SourceKind string

// Source kinds.
const (
	SourceUser   SourceKind = "user"
	SourceTool   SourceKind = "tool"
	SourceLLM    SourceKind = "llm"
	SourceSystem SourceKind = "system"
)

// Source records the origin of a tagged value.
type Source struct {
	Kind      SourceKind `json:"kind"`
	ToolName  string     `json:"tool_name,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Readers is the authorization predicate attached to tagged data: either
// public, or a restricted set of identifiers the value may flow to.
type Readers struct {
	Public  bool     `json:"public"`
	Readers []string `json:"readers,omitempty"`
}

// PublicReaders returns the unrestricted reader set.
func PublicReaders() Readers { return Readers{Public: true} }

// Restricted returns a reader set limited to the given identifiers.
func Restricted(readers ...string) Readers {
	return Readers{Readers: readers}
}

// Admits reports whether a value with this reader set may flow to recipient
// within a call to toolName. The special form "tool:{name}" admits re-flow
// within the same tool only.
func (r Readers) Admits(recipient, toolName string) bool {
	if r.Public {
		return true
	}
	for _, reader := range r.Readers {
		if reader == recipient {
			return true
		}
		if name, ok := strings.CutPrefix(reader, "tool:"); ok && name == toolName {
			return true
		}
	}
	return false
}

// Metadata is the provenance attached to a value. Values reference it either
// through a non-enumerable back-reference property (objects) or a
// content-digest registry entry (primitives).
type Metadata struct {
	ID           string   `json:"id"`
	Source       Source   `json:"source"`
	Readers      Readers  `json:"readers"`
	Dependencies []string `json:"dependencies,omitempty"`
}
