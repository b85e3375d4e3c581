package transform

import (
	"strconv"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/token"

	"github.com/look4regev/agent-tool-protocol/pkg/provenance"
)

// Injected namespaces whose member calls are pause-candidates. Any api.* call
// is counted even when the concrete target is unknown at transform time.
var pausePrefixes = []string{"atp.llm.", "atp.approval.", "atp.embedding."}

// builtinRoots are receivers whose method calls never carry taint and are
// left unhooked.
var builtinRoots = map[string]bool{
	"atp": true, "api": true,
	"JSON": true, "Math": true, "Object": true, "Array": true, "Promise": true,
	"String": true, "Number": true, "Boolean": true, "Date": true, "RegExp": true,
	"console": true, "Error": true, "Symbol": true, "Reflect": true,
	"Map": true, "Set": true, "globalThis": true,
}

// taintedOps are the binary operators instrumented under AST provenance mode.
var taintedOps = map[token.Token]bool{
	token.PLUS:      true,
	token.MINUS:     true,
	token.MULTIPLY:  true,
	token.SLASH:     true,
	token.REMAINDER: true,
}

// isPausePath reports whether a dotted callee path is a pause-candidate.
func isPausePath(path string) bool {
	if strings.HasPrefix(path, "api.") {
		return true
	}
	for _, prefix := range pausePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// dottedPath flattens a DotExpression chain rooted at an identifier; ok is
// false for computed access or non-identifier roots.
func dottedPath(expr ast.Expression) (string, bool) {
	switch e := expr.(type) {
	case *ast.Identifier:
		return e.Name.String(), true
	case *ast.DotExpression:
		base, ok := dottedPath(e.Left)
		if !ok {
			return "", false
		}
		return base + "." + e.Identifier.Name.String(), true
	default:
		return "", false
	}
}

func pathRoot(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

func (p *pass) walkExpr(expr ast.Expression, sc *scope) {
	switch e := expr.(type) {
	case *ast.CallExpression:
		p.walkCall(e, sc)
	case *ast.AssignExpression:
		p.walkExpr(e.Left, sc)
		p.walkExpr(e.Right, sc)
	case *ast.BinaryExpression:
		// Wrapper edits come before the children's so same-offset
		// insertions nest outermost-first.
		if p.astMode() && taintedOps[e.Operator] && !e.Comparison {
			p.rewriteBinary(e)
		}
		p.walkExpr(e.Left, sc)
		p.walkExpr(e.Right, sc)
	case *ast.ConditionalExpression:
		p.walkExpr(e.Test, sc)
		p.walkExpr(e.Consequent, sc)
		p.walkExpr(e.Alternate, sc)
	case *ast.UnaryExpression:
		p.walkExpr(e.Operand, sc)
	case *ast.AwaitExpression:
		p.walkExpr(e.Argument, sc)
	case *ast.DotExpression:
		p.walkExpr(e.Left, sc)
	case *ast.BracketExpression:
		p.walkExpr(e.Left, sc)
		p.walkExpr(e.Member, sc)
	case *ast.NewExpression:
		p.walkExpr(e.Callee, sc)
		for _, arg := range e.ArgumentList {
			p.walkExpr(arg, sc)
		}
	case *ast.ArrayLiteral:
		for _, item := range e.Value {
			if item != nil {
				p.walkExpr(item, sc)
			}
		}
	case *ast.ObjectLiteral:
		for _, prop := range e.Value {
			p.walkProperty(prop, sc)
		}
	case *ast.SequenceExpression:
		for _, item := range e.Sequence {
			p.walkExpr(item, sc)
		}
	case *ast.SpreadElement:
		p.walkExpr(e.Expression, sc)
	case *ast.TemplateLiteral:
		p.walkTemplate(e, sc)
	case *ast.StringLiteral:
		if p.astMode() && p.opts.TaintedDigests[provenance.Digest(e.Value.String())] {
			p.rewriteLiteral(e)
		}
	case *ast.FunctionLiteral:
		p.walkFunctionLiteral(e, sc)
	case *ast.ArrowFunctionLiteral:
		p.walkArrowLiteral(e, sc)
	}
}

func (p *pass) walkProperty(prop ast.Property, sc *scope) {
	switch pr := prop.(type) {
	case *ast.PropertyKeyed:
		// Keys are not expression sites; only computed keys evaluate.
		if pr.Computed {
			p.walkExpr(pr.Key, sc)
		}
		p.walkExpr(pr.Value, sc)
	case *ast.PropertyShort:
		if pr.Initializer != nil {
			p.walkExpr(pr.Initializer, sc)
		}
	case *ast.SpreadElement:
		p.walkExpr(pr.Expression, sc)
	}
}

func (p *pass) walkCall(call *ast.CallExpression, sc *scope) {
	if path, ok := dottedPath(call.Callee); ok {
		if isPausePath(path) {
			p.pauseSites = append(p.pauseSites, PauseSite{Path: path})
		}
	}

	if p.tryBatchRewrite(call, sc) {
		return
	}

	// Method calls on possibly tool-sourced receivers get a propagation hook
	// under AST mode. Builtins and the injected namespaces are exempt.
	if p.astMode() {
		if dot, ok := call.Callee.(*ast.DotExpression); ok {
			if recvPath, ok := dottedPath(dot.Left); ok && !builtinRoots[pathRoot(recvPath)] {
				p.rewriteMethodCall(call, dot)
				// Children still need walking for nested sites.
			}
		}
	}

	p.walkExpr(call.Callee, sc)
	for _, arg := range call.ArgumentList {
		p.walkExpr(arg, sc)
	}
}

// rewriteBinary turns `L op R` into __atp_bin("op", L, R): each operand is
// evaluated exactly once and the helper merges taint onto the result.
func (p *pass) rewriteBinary(e *ast.BinaryExpression) {
	p.insert(off(e.Left.Idx0()), HookBinaryOp+`("`+e.Operator.String()+`", `)
	p.replace(off(e.Left.Idx1()), off(e.Right.Idx0()), ", ")
	p.insert(off(e.Right.Idx1()), ")")
}

// walkTemplate rewrites an untagged template literal into
// __atp_tpl([...strings], [...exprs]) so interpolation taint propagates. The
// interpolated expressions are walked with edits suppressed: the wholesale
// replacement carries their original text.
func (p *pass) walkTemplate(e *ast.TemplateLiteral, sc *scope) {
	rewrite := p.astMode() && e.Tag == nil && len(e.Expressions) > 0 && p.noEdit == 0
	if rewrite {
		p.noEdit++
	}
	for _, expr := range e.Expressions {
		p.walkExpr(expr, sc)
	}
	if rewrite {
		p.noEdit--
	}
	if e.Tag != nil {
		p.walkExpr(e.Tag, sc)
	}
	if !rewrite {
		return
	}

	var lits []string
	for _, elem := range e.Elements {
		lits = append(lits, strconv.Quote(elem.Parsed.String()))
	}
	var exprs []string
	for _, expr := range e.Expressions {
		exprs = append(exprs, "("+p.slice(expr)+")")
	}
	p.replace(off(e.Idx0()), off(e.Idx1()),
		HookTemplate+"(["+strings.Join(lits, ", ")+"], ["+strings.Join(exprs, ", ")+"])")
}

// rewriteMethodCall turns `recv.m(a, b)` into __atp_mcall((recv), "m", [a, b]).
func (p *pass) rewriteMethodCall(call *ast.CallExpression, dot *ast.DotExpression) {
	p.insert(off(call.Idx0()), HookMethod+"((")
	argStart := off(call.LeftParenthesis) + 1
	p.replace(off(dot.Left.Idx1()), argStart, `), "`+dot.Identifier.Name.String()+`", [`)
	p.replace(off(call.RightParenthesis), off(call.Idx1()), "])")
}

// rewriteLiteral hooks a literal whose digest is already tainted so the
// registry observes it on evaluation.
func (p *pass) rewriteLiteral(e *ast.StringLiteral) {
	p.insert(off(e.Idx0()), HookLiteral+"(")
	p.insert(off(e.Idx1()), ")")
}
