// Package transform parses user code and emits a semantically equivalent
// program carrying stable statement IDs, pause-site accounting, provenance
// hooks, and batch rewrites. The transformed text is cached in the execution
// record, so statement IDs and sequence numbers survive pause and resume by
// construction.
package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// Instrumentation hooks the transformed code calls into. The bridge injects
// host functions under these names.
const (
	HookStatement = "__atp_stmt"
	HookBinaryOp  = "__atp_bin"
	HookTemplate  = "__atp_tpl"
	HookMethod    = "__atp_mcall"
	HookLiteral   = "__atp_lit"
	HookBatchMap  = "__atp_batch_map"
)

// Options configures a transformation.
type Options struct {
	ProvenanceMode models.ProvenanceMode

	// TaintedDigests marks string literals whose content digest is already
	// tainted (from verified hints); matching literal sites are hooked.
	TaintedDigests map[string]bool
}

// PauseSite records one pause-candidate call site found at transform time.
type PauseSite struct {
	Path    string
	Batched bool
}

// Statement describes one executable statement: its ID and source line.
type Statement struct {
	ID   uint32
	Line int
}

// Result is the transformed program plus its static accounting.
type Result struct {
	Code       string
	Statements []Statement
	PauseSites []PauseSite
}

// ParseError wraps a syntax error in the user program.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Transform instruments the source. The same source and options always yield
// the same output; statement IDs are assigned in source order.
func Transform(source string, opts Options) (*Result, error) {
	program, err := parser.ParseFile(nil, "user.js", source, 0)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	t := &pass{
		src:     source,
		opts:    opts,
		program: program,
	}
	t.walkStatements(program.Body, newScope())

	return &Result{
		Code:       t.apply(),
		Statements: t.statements,
		PauseSites: t.pauseSites,
	}, nil
}

// edit is a replacement of [start, end) in the original source; start == end
// is a pure insertion. Offsets are 0-based.
type edit struct {
	start, end int
	text       string
	order      int
}

type pass struct {
	src     string
	opts    Options
	program *ast.Program

	edits      []edit
	nextStmtID uint32
	statements []Statement
	pauseSites []PauseSite

	// noEdit suppresses edits while walking a region that is being replaced
	// wholesale, so accounting still happens without overlapping rewrites.
	noEdit int
}

func (p *pass) astMode() bool {
	return p.opts.ProvenanceMode == models.ProvenanceAST
}

func (p *pass) insert(pos int, text string) {
	if p.noEdit > 0 {
		return
	}
	p.edits = append(p.edits, edit{start: pos, end: pos, text: text, order: len(p.edits)})
}

func (p *pass) replace(start, end int, text string) {
	if p.noEdit > 0 {
		return
	}
	p.edits = append(p.edits, edit{start: start, end: end, text: text, order: len(p.edits)})
}

// apply merges all edits over the original source in one pass. Edits never
// overlap; at equal offsets, pure insertions precede range replacements (the
// inserted text belongs before the consumed region), and insertions keep
// creation order, which is outermost-first because wrappers emit their edits
// before walking children.
func (p *pass) apply() string {
	edits := append([]edit(nil), p.edits...)
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start < edits[j].start
		}
		iIns := edits[i].start == edits[i].end
		jIns := edits[j].start == edits[j].end
		if iIns != jIns {
			return iIns
		}
		return edits[i].order < edits[j].order
	})

	var out strings.Builder
	pos := 0
	for _, e := range edits {
		if e.start > pos {
			out.WriteString(p.src[pos:e.start])
			pos = e.start
		}
		out.WriteString(e.text)
		if e.end > pos {
			pos = e.end
		}
	}
	out.WriteString(p.src[pos:])
	return out.String()
}

// off converts a 1-based parser index to a 0-based source offset.
func off(idx file.Idx) int { return int(idx) - 1 }

// slice returns the original text of a node.
func (p *pass) slice(node ast.Node) string {
	return p.src[off(node.Idx0()):off(node.Idx1())]
}
