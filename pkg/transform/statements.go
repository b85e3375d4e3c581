package transform

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja/ast"
)

// scope tracks the identifier bindings visible at the current statement, for
// variable-snapshot thunks.
type scope struct {
	frames []map[string]bool
}

func newScope() *scope {
	return &scope{frames: []map[string]bool{{}}}
}

func (s *scope) push() { s.frames = append(s.frames, map[string]bool{}) }
func (s *scope) pop()  { s.frames = s.frames[:len(s.frames)-1] }

func (s *scope) declare(name string) {
	s.frames[len(s.frames)-1][name] = true
}

func (s *scope) visible() []string {
	var names []string
	seen := map[string]bool{}
	for _, frame := range s.frames {
		// Sorted per frame so the emitted thunk text is stable across runs.
		frameNames := make([]string, 0, len(frame))
		for name := range frame {
			frameNames = append(frameNames, name)
		}
		sort.Strings(frameNames)
		for _, name := range frameNames {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// walkStatements instruments one block's statement list: a statement hook
// before each executable statement, then recursion into nested blocks and
// expressions.
func (p *pass) walkStatements(list []ast.Statement, sc *scope) {
	for _, stmt := range list {
		if p.instrumentable(stmt) {
			id := p.nextStmtID
			p.nextStmtID++
			p.statements = append(p.statements, Statement{ID: id, Line: p.lineOf(stmt)})
			p.insert(off(stmt.Idx0()), p.statementHook(id, sc.visible()))
		}
		p.walkStatement(stmt, sc)
	}
}

// instrumentable excludes hoisted declarations and empty statements: a hook
// in front of them would observe nothing.
func (p *pass) instrumentable(stmt ast.Statement) bool {
	switch stmt.(type) {
	case *ast.FunctionDeclaration, *ast.ClassDeclaration, *ast.EmptyStatement:
		return false
	default:
		return true
	}
}

func (p *pass) lineOf(stmt ast.Statement) int {
	// Line numbers are informational only; count newlines up to the offset.
	return strings.Count(p.src[:off(stmt.Idx0())], "\n") + 1
}

// statementHook emits __atp_stmt(id) or, when bindings are visible,
// __atp_stmt(id, () => ({a, b})) so the host can snapshot them lazily.
func (p *pass) statementHook(id uint32, names []string) string {
	if len(names) == 0 {
		return HookStatement + "(" + strconv.FormatUint(uint64(id), 10) + "); "
	}
	return HookStatement + "(" + strconv.FormatUint(uint64(id), 10) +
		", () => ({" + strings.Join(names, ", ") + "})); "
}

func (p *pass) walkStatement(stmt ast.Statement, sc *scope) {
	switch s := stmt.(type) {
	case *ast.VariableStatement:
		for _, binding := range s.List {
			p.walkBinding(binding, sc)
		}
	case *ast.LexicalDeclaration:
		for _, binding := range s.List {
			p.walkBinding(binding, sc)
		}
	case *ast.ExpressionStatement:
		p.walkExpr(s.Expression, sc)
	case *ast.ReturnStatement:
		if s.Argument != nil {
			p.walkExpr(s.Argument, sc)
		}
	case *ast.ThrowStatement:
		p.walkExpr(s.Argument, sc)
	case *ast.IfStatement:
		p.walkExpr(s.Test, sc)
		p.walkNestedStatement(s.Consequent, sc)
		if s.Alternate != nil {
			p.walkNestedStatement(s.Alternate, sc)
		}
	case *ast.BlockStatement:
		sc.push()
		p.walkStatements(s.List, sc)
		sc.pop()
	case *ast.ForStatement:
		sc.push()
		if s.Initializer != nil {
			p.walkForInit(s.Initializer, sc)
		}
		if s.Test != nil {
			p.walkExpr(s.Test, sc)
		}
		if s.Update != nil {
			p.walkExpr(s.Update, sc)
		}
		p.walkNestedStatement(s.Body, sc)
		sc.pop()
	case *ast.ForOfStatement:
		sc.push()
		p.declareForInto(s.Into, sc)
		p.walkExpr(s.Source, sc)
		p.walkNestedStatement(s.Body, sc)
		sc.pop()
	case *ast.ForInStatement:
		sc.push()
		p.declareForInto(s.Into, sc)
		p.walkExpr(s.Source, sc)
		p.walkNestedStatement(s.Body, sc)
		sc.pop()
	case *ast.WhileStatement:
		p.walkExpr(s.Test, sc)
		p.walkNestedStatement(s.Body, sc)
	case *ast.DoWhileStatement:
		p.walkNestedStatement(s.Body, sc)
		p.walkExpr(s.Test, sc)
	case *ast.SwitchStatement:
		p.walkExpr(s.Discriminant, sc)
		for _, c := range s.Body {
			if c.Test != nil {
				p.walkExpr(c.Test, sc)
			}
			sc.push()
			p.walkStatements(c.Consequent, sc)
			sc.pop()
		}
	case *ast.TryStatement:
		sc.push()
		p.walkStatements(s.Body.List, sc)
		sc.pop()
		if s.Catch != nil {
			sc.push()
			if s.Catch.Parameter != nil {
				p.declareTarget(s.Catch.Parameter, sc)
			}
			p.walkStatements(s.Catch.Body.List, sc)
			sc.pop()
		}
		if s.Finally != nil {
			sc.push()
			p.walkStatements(s.Finally.List, sc)
			sc.pop()
		}
	case *ast.LabelledStatement:
		p.walkNestedStatement(s.Statement, sc)
	case *ast.FunctionDeclaration:
		// Function names stay out of snapshot thunks; deserialized
		// functions re-resolve against the new context anyway.
		p.walkFunctionLiteral(s.Function, sc)
	}
}

// walkNestedStatement handles a statement position that is not a block list
// member (single-statement if/loop bodies); blocks get full instrumentation,
// bare statements only expression walking.
func (p *pass) walkNestedStatement(stmt ast.Statement, sc *scope) {
	if block, ok := stmt.(*ast.BlockStatement); ok {
		sc.push()
		p.walkStatements(block.List, sc)
		sc.pop()
		return
	}
	p.walkStatement(stmt, sc)
}

func (p *pass) walkBinding(binding *ast.Binding, sc *scope) {
	if binding.Initializer != nil {
		p.walkExpr(binding.Initializer, sc)
	}
	p.declareTarget(binding.Target, sc)
}

func (p *pass) declareTarget(target ast.BindingTarget, sc *scope) {
	if ident, ok := target.(*ast.Identifier); ok {
		sc.declare(ident.Name.String())
	}
	// Destructuring patterns are left out of snapshot thunks; their members
	// reappear once used in later declarations.
}

func (p *pass) walkForInit(init ast.ForLoopInitializer, sc *scope) {
	switch t := init.(type) {
	case *ast.ForLoopInitializerExpression:
		p.walkExpr(t.Expression, sc)
	case *ast.ForLoopInitializerVarDeclList:
		for _, binding := range t.List {
			p.walkBinding(binding, sc)
		}
	case *ast.ForLoopInitializerLexicalDecl:
		for _, binding := range t.LexicalDeclaration.List {
			p.walkBinding(binding, sc)
		}
	}
}

func (p *pass) declareForInto(into ast.ForInto, sc *scope) {
	switch t := into.(type) {
	case *ast.ForIntoVar:
		p.declareTarget(t.Binding.Target, sc)
	case *ast.ForDeclaration:
		p.declareTarget(t.Target, sc)
	case *ast.ForIntoExpression:
		p.walkExpr(t.Expression, sc)
	}
}

func (p *pass) walkFunctionLiteral(fn *ast.FunctionLiteral, sc *scope) {
	sc.push()
	for _, param := range fn.ParameterList.List {
		p.declareTarget(param.Target, sc)
	}
	p.walkStatements(fn.Body.List, sc)
	sc.pop()
}

func (p *pass) walkArrowLiteral(fn *ast.ArrowFunctionLiteral, sc *scope) {
	sc.push()
	for _, param := range fn.ParameterList.List {
		p.declareTarget(param.Target, sc)
	}
	switch body := fn.Body.(type) {
	case *ast.BlockStatement:
		p.walkStatements(body.List, sc)
	case *ast.ExpressionBody:
		p.walkExpr(body.Expression, sc)
	}
	sc.pop()
}
