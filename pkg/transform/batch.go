package transform

import (
	"github.com/dop251/goja/ast"
)

// smallArrayMax is the literal-length bound under which a callback containing
// conditionals may still be batched.
const smallArrayMax = 10

// tryBatchRewrite detects `arr.map(async fn)` / `arr.forEach(async fn)` sites
// whose callback performs exactly one pause-candidate call and rewrites them
// into a single batched callback: __atp_batch_map((arr), (fn)). The decision
// is a pure function of the callback's AST plus the receiver's size hint.
func (p *pass) tryBatchRewrite(call *ast.CallExpression, sc *scope) bool {
	if p.noEdit > 0 || len(call.ArgumentList) != 1 {
		return false
	}
	dot, ok := call.Callee.(*ast.DotExpression)
	if !ok {
		return false
	}
	method := dot.Identifier.Name.String()
	if method != "map" && method != "forEach" {
		return false
	}
	// The receiver must not itself be a pause namespace.
	if path, ok := dottedPath(dot.Left); ok && builtinRoots[pathRoot(path)] {
		return false
	}

	shape, ok := callbackShape(call.ArgumentList[0])
	if !ok || !shape.async {
		return false
	}

	var an batchAnalysis
	if shape.expr != nil {
		an.analyzeExpr(shape.expr)
	} else {
		an.analyzeBody(shape.body)
	}
	if an.pauseCalls != 1 || an.loops || an.try_ || an.branches || an.earlyReturn || an.nestedPause {
		return false
	}
	if an.conditionals && !isSmallArrayLiteral(dot.Left) {
		return false
	}

	fn := call.ArgumentList[0]
	p.insert(off(call.Idx0()), HookBatchMap+"((")
	p.replace(off(dot.Left.Idx1()), off(fn.Idx0()), "), (")
	p.replace(off(fn.Idx1()), off(call.Idx1()), "))")

	// Walk the receiver and callback normally; their edits land inside
	// regions the rewrite left untouched.
	p.walkExpr(dot.Left, sc)
	before := len(p.pauseSites)
	p.walkExpr(fn, sc)
	for i := before; i < len(p.pauseSites); i++ {
		p.pauseSites[i].Batched = true
	}
	return true
}

type callback struct {
	async bool
	body  []ast.Statement
	expr  ast.Expression
}

func callbackShape(arg ast.Expression) (callback, bool) {
	switch fn := arg.(type) {
	case *ast.ArrowFunctionLiteral:
		switch body := fn.Body.(type) {
		case *ast.BlockStatement:
			return callback{async: fn.Async, body: body.List}, true
		case *ast.ExpressionBody:
			return callback{async: fn.Async, expr: body.Expression}, true
		}
		return callback{}, false
	case *ast.FunctionLiteral:
		return callback{async: fn.Async, body: fn.Body.List}, true
	default:
		return callback{}, false
	}
}

// batchAnalysis classifies a callback body against the batch-eligibility
// rules: exactly one pause-candidate call, no loops, try, break/continue, or
// early return, no pauses inside nested functions, and conditionals only for
// known-small receivers.
type batchAnalysis struct {
	pauseCalls   int
	loops        bool
	try_         bool
	branches     bool
	earlyReturn  bool
	conditionals bool
	nestedPause  bool
	depth        int
}

func (a *batchAnalysis) analyzeBody(list []ast.Statement) {
	for i, stmt := range list {
		last := i == len(list)-1
		a.analyzeStmt(stmt, last)
	}
}

func (a *batchAnalysis) analyzeStmt(stmt ast.Statement, last bool) {
	switch s := stmt.(type) {
	case *ast.ExpressionStatement:
		a.analyzeExpr(s.Expression)
	case *ast.ReturnStatement:
		if !last {
			a.earlyReturn = true
		}
		if s.Argument != nil {
			a.analyzeExpr(s.Argument)
		}
	case *ast.VariableStatement:
		for _, b := range s.List {
			if b.Initializer != nil {
				a.analyzeExpr(b.Initializer)
			}
		}
	case *ast.LexicalDeclaration:
		for _, b := range s.List {
			if b.Initializer != nil {
				a.analyzeExpr(b.Initializer)
			}
		}
	case *ast.IfStatement:
		a.conditionals = true
		a.analyzeExpr(s.Test)
		a.analyzeStmt(s.Consequent, false)
		if s.Alternate != nil {
			a.analyzeStmt(s.Alternate, false)
		}
	case *ast.BlockStatement:
		a.analyzeBody(s.List)
	case *ast.ForStatement, *ast.ForOfStatement, *ast.ForInStatement,
		*ast.WhileStatement, *ast.DoWhileStatement:
		a.loops = true
	case *ast.TryStatement:
		a.try_ = true
	case *ast.BranchStatement:
		a.branches = true
	case *ast.ThrowStatement:
		a.analyzeExpr(s.Argument)
	}
}

func (a *batchAnalysis) analyzeExpr(expr ast.Expression) {
	switch e := expr.(type) {
	case *ast.CallExpression:
		if path, ok := dottedPath(e.Callee); ok && isPausePath(path) {
			if a.depth > 0 {
				a.nestedPause = true
			} else {
				a.pauseCalls++
			}
		}
		a.analyzeExpr(e.Callee)
		for _, arg := range e.ArgumentList {
			a.analyzeExpr(arg)
		}
	case *ast.AwaitExpression:
		a.analyzeExpr(e.Argument)
	case *ast.ConditionalExpression:
		a.conditionals = true
		a.analyzeExpr(e.Test)
		a.analyzeExpr(e.Consequent)
		a.analyzeExpr(e.Alternate)
	case *ast.BinaryExpression:
		a.analyzeExpr(e.Left)
		a.analyzeExpr(e.Right)
	case *ast.AssignExpression:
		a.analyzeExpr(e.Left)
		a.analyzeExpr(e.Right)
	case *ast.UnaryExpression:
		a.analyzeExpr(e.Operand)
	case *ast.DotExpression:
		a.analyzeExpr(e.Left)
	case *ast.BracketExpression:
		a.analyzeExpr(e.Left)
		a.analyzeExpr(e.Member)
	case *ast.ObjectLiteral:
		for _, prop := range e.Value {
			if keyed, ok := prop.(*ast.PropertyKeyed); ok {
				a.analyzeExpr(keyed.Value)
			}
		}
	case *ast.ArrayLiteral:
		for _, item := range e.Value {
			if item != nil {
				a.analyzeExpr(item)
			}
		}
	case *ast.TemplateLiteral:
		for _, sub := range e.Expressions {
			a.analyzeExpr(sub)
		}
	case *ast.ArrowFunctionLiteral:
		a.depth++
		switch body := e.Body.(type) {
		case *ast.BlockStatement:
			a.analyzeBody(body.List)
		case *ast.ExpressionBody:
			a.analyzeExpr(body.Expression)
		}
		a.depth--
	case *ast.FunctionLiteral:
		a.depth++
		a.analyzeBody(e.Body.List)
		a.depth--
	}
}

// isSmallArrayLiteral reports whether the receiver is an array literal with
// fewer than smallArrayMax elements: the only size hint available statically.
func isSmallArrayLiteral(expr ast.Expression) bool {
	arr, ok := expr.(*ast.ArrayLiteral)
	return ok && len(arr.Value) < smallArrayMax
}
