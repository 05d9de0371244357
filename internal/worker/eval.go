package worker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// pyError models one of the cell language's raised exceptions: Name is the
// exception class (ZeroDivisionError, NameError, TypeError, ...), Value is
// its message. It is returned as a Go error from exec/evalExpr and out of
// Evaluator.RunCell; Worker.runCell converts it into a
// workerproto.ExecutionError via toExecutionError.
type pyError struct {
	Name  string
	Value string
}

func (e *pyError) Error() string { return e.Name + ": " + e.Value }

func newError(name, format string, args ...any) *pyError {
	return &pyError{Name: name, Value: fmt.Sprintf(format, args...)}
}

// errInterrupted is raised when the evaluator notices ctx has been
// cancelled; it unwinds exactly like any other pyError.
var errInterrupted = &pyError{Name: "KeyboardInterrupt", Value: "Execution interrupted by user"}

// Control-flow signals thread through the same error-return plumbing as
// pyError so that break/continue/return can cross however many nested
// if/while/for statements sit between them and their target without a
// second return channel.
type breakSignal struct{}

func (breakSignal) Error() string { return "break outside loop" }

type continueSignal struct{}

func (continueSignal) Error() string { return "continue outside loop" }

type returnSignal struct{ value any }

func (returnSignal) Error() string { return "return outside function" }

// Emitter receives a cell's side-effecting output as it is produced: print
// statements, the trailing expression's result, and side-effect display
// calls. Raised-but-uncaught errors do not pass through it: RunCell returns
// them and the worker publishes them itself.
type Emitter interface {
	Stream(name workerproto.StreamName, text string)
	// Result publishes the cell's trailing-expression value as an
	// execute_result, distinct from Display's display_data.
	Result(data workerproto.MIMEBundle)
	Display(data workerproto.MIMEBundle)
}

// Evaluator walks the AST produced by parseCell against a persistent
// Namespace, grounded on the same "evaluate statements against accumulated
// package state" model the teacher's goexec evaluator uses for Go cells,
// reimplemented by hand since the grammar here isn't Go.
type Evaluator struct {
	ns  *Namespace
	out Emitter

	// openFigures tracks figures created by figure() during the current
	// cell that haven't yet been shown explicitly; RunCell flushes and
	// clears this buffer after user code returns, win or lose.
	openFigures []*figureBuilder

	// lastValue and lastValueOK hold the value of the cell's last top-level
	// statement when that statement is a bare expression, so the caller can
	// echo it without a second evaluation (which would re-run any side
	// effects, such as a trailing print(x) or figure().show()).
	lastValue   any
	lastValueOK bool
}

func NewEvaluator(ns *Namespace, out Emitter) *Evaluator {
	return &Evaluator{ns: ns, out: out}
}

// trackFigure registers a freshly created figure as "open" until shown.
func (e *Evaluator) trackFigure(fb *figureBuilder) {
	e.openFigures = append(e.openFigures, fb)
}

// flushOpenFigures serializes and displays any figure that accumulated
// traces but was never explicitly shown, then clears the buffer, matching
// the "figures are captured after the code returns" contract.
func (e *Evaluator) flushOpenFigures() {
	for _, fb := range e.openFigures {
		if fb.shown || len(fb.traces) == 0 {
			continue
		}
		if bundle, err := fb.MIMEBundle(); err == nil {
			e.out.Display(bundle)
		}
	}
	e.openFigures = nil
}

// RunCell executes every top-level statement in order, stopping at the
// first error. If the last statement is a bare expression, its value is
// captured (not displayed) for TakeLastValue, implementing the implicit
// "echo last value" behavior without evaluating that expression twice.
func (e *Evaluator) RunCell(ctx context.Context, stmts []Stmt) error {
	s := &scope{ns: e.ns}
	defer e.flushOpenFigures()
	for i, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			return errInterrupted
		}
		if i == len(stmts)-1 {
			if es, ok := stmt.(*ExprStmt); ok && es.IsExpr {
				v, err := e.evalExpr(ctx, s, es.X)
				if err != nil {
					return err
				}
				e.lastValue, e.lastValueOK = v, true
				continue
			}
		}
		if err := e.exec(ctx, s, stmt); err != nil {
			return err
		}
	}
	return nil
}

// TakeLastValue returns the captured value of a trailing bare-expression
// statement, if the most recent RunCell ended with one, and clears it.
func (e *Evaluator) TakeLastValue() (any, bool) {
	v, ok := e.lastValue, e.lastValueOK
	e.lastValue, e.lastValueOK = nil, false
	return v, ok
}

func (e *Evaluator) exec(ctx context.Context, s *scope, stmt Stmt) error {
	if err := ctx.Err(); err != nil {
		return errInterrupted
	}
	switch st := stmt.(type) {
	case *ExprStmt:
		_, err := e.evalExpr(ctx, s, st.X)
		return err
	case *AssignStmt:
		v, err := e.evalExpr(ctx, s, st.X)
		if err != nil {
			return err
		}
		s.set(st.Name, v)
		return nil
	case *ImportStmt:
		// Imports are recorded but otherwise inert: the language has no
		// standard library to resolve them against.
		return nil
	case *PassStmt:
		return nil
	case *BreakStmt:
		return breakSignal{}
	case *ContinueStmt:
		return continueSignal{}
	case *ReturnStmt:
		var v any
		if st.X != nil {
			var err error
			v, err = e.evalExpr(ctx, s, st.X)
			if err != nil {
				return err
			}
		}
		return returnSignal{v}
	case *AssertStmt:
		v, err := e.evalExpr(ctx, s, st.X)
		if err != nil {
			return err
		}
		if !truthy(v) {
			return newError("AssertionError", "")
		}
		return nil
	case *ShellStmt:
		return e.execShell(ctx, st)
	case *IfStmt:
		return e.execIf(ctx, s, st)
	case *WhileStmt:
		return e.execWhile(ctx, s, st)
	case *ForStmt:
		return e.execFor(ctx, s, st)
	case *FuncDef:
		e.ns.SetFunc(st)
		return nil
	default:
		return errors.Errorf("unhandled statement type %T", stmt)
	}
}

func (e *Evaluator) execBlock(ctx context.Context, s *scope, body []Stmt) error {
	for _, st := range body {
		if err := e.exec(ctx, s, st); err != nil {
			return err
		}
	}
	return nil
}

func (e *Evaluator) execIf(ctx context.Context, s *scope, st *IfStmt) error {
	cond, err := e.evalExpr(ctx, s, st.Cond)
	if err != nil {
		return err
	}
	if truthy(cond) {
		return e.execBlock(ctx, s, st.Body)
	}
	for _, ei := range st.ElseIfs {
		c, err := e.evalExpr(ctx, s, ei.Cond)
		if err != nil {
			return err
		}
		if truthy(c) {
			return e.execBlock(ctx, s, ei.Body)
		}
	}
	if st.Else != nil {
		return e.execBlock(ctx, s, st.Else)
	}
	return nil
}

func (e *Evaluator) execWhile(ctx context.Context, s *scope, st *WhileStmt) error {
	for {
		if err := ctx.Err(); err != nil {
			return errInterrupted
		}
		cond, err := e.evalExpr(ctx, s, st.Cond)
		if err != nil {
			return err
		}
		if !truthy(cond) {
			return nil
		}
		if err := e.execBlock(ctx, s, st.Body); err != nil {
			if _, ok := err.(breakSignal); ok {
				return nil
			}
			if _, ok := err.(continueSignal); ok {
				continue
			}
			return err
		}
	}
}

func (e *Evaluator) execFor(ctx context.Context, s *scope, st *ForStmt) error {
	step := st.Step
	if step == 0 {
		return newError("ValueError", "range() step argument must not be zero")
	}
	for i := st.Start; (step > 0 && i < st.Stop) || (step < 0 && i > st.Stop); i += step {
		if err := ctx.Err(); err != nil {
			return errInterrupted
		}
		s.set(st.Var, float64(i))
		if err := e.execBlock(ctx, s, st.Body); err != nil {
			if _, ok := err.(breakSignal); ok {
				return nil
			}
			if _, ok := err.(continueSignal); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Evaluator) evalExpr(ctx context.Context, s *scope, expr Expr) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errInterrupted
	}
	switch x := expr.(type) {
	case *NumberLit:
		return x.Value, nil
	case *StringLit:
		return x.Value, nil
	case *BoolLit:
		return x.Value, nil
	case *NoneLit:
		return nil, nil
	case *NameExpr:
		if v, ok := s.get(x.Name); ok {
			return v, nil
		}
		if _, ok := e.ns.GetFunc(x.Name); ok {
			return x.Name, nil // resolved at call time
		}
		if x.Name == "sys" {
			return sysModule{}, nil
		}
		if isBuiltin(x.Name) {
			return x.Name, nil
		}
		return nil, newError("NameError", "name %q is not defined", x.Name)
	case *ListLit:
		vals := make([]any, 0, len(x.Elems))
		for _, el := range x.Elems {
			v, err := e.evalExpr(ctx, s, el)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil
	case *UnaryExpr:
		return e.evalUnary(ctx, s, x)
	case *BinaryExpr:
		return e.evalBinary(ctx, s, x)
	case *IndexExpr:
		return e.evalIndex(ctx, s, x)
	case *AttrExpr:
		return e.evalAttr(ctx, s, x)
	case *CallExpr:
		return e.evalCall(ctx, s, x)
	default:
		return nil, errors.Errorf("unhandled expression type %T", expr)
	}
}

func (e *Evaluator) evalUnary(ctx context.Context, s *scope, x *UnaryExpr) (any, error) {
	v, err := e.evalExpr(ctx, s, x.X)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "not":
		return !truthy(v), nil
	case "-":
		f, err := asNumber(v)
		if err != nil {
			return nil, err
		}
		return -f, nil
	case "+":
		return asNumber(v)
	default:
		return nil, errors.Errorf("unhandled unary operator %q", x.Op)
	}
}

func (e *Evaluator) evalBinary(ctx context.Context, s *scope, x *BinaryExpr) (any, error) {
	if x.Op == "and" {
		l, err := e.evalExpr(ctx, s, x.X)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return l, nil
		}
		return e.evalExpr(ctx, s, x.Y)
	}
	if x.Op == "or" {
		l, err := e.evalExpr(ctx, s, x.X)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return l, nil
		}
		return e.evalExpr(ctx, s, x.Y)
	}
	l, err := e.evalExpr(ctx, s, x.X)
	if err != nil {
		return nil, err
	}
	r, err := e.evalExpr(ctx, s, x.Y)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "+":
		if ls, ok := l.(string); ok {
			rs, ok := r.(string)
			if !ok {
				return nil, newError("TypeError", "can only concatenate str to str")
			}
			return ls + rs, nil
		}
		return numOp(l, r, func(a, b float64) (float64, error) { return a + b, nil })
	case "-":
		return numOp(l, r, func(a, b float64) (float64, error) { return a - b, nil })
	case "*":
		return numOp(l, r, func(a, b float64) (float64, error) { return a * b, nil })
	case "/":
		return numOp(l, r, func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, newError("ZeroDivisionError", "division by zero")
			}
			return a / b, nil
		})
	case "//":
		return numOp(l, r, func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, newError("ZeroDivisionError", "integer division or modulo by zero")
			}
			return math.Floor(a / b), nil
		})
	case "%":
		return numOp(l, r, func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, newError("ZeroDivisionError", "modulo by zero")
			}
			return math.Mod(a, b), nil
		})
	case "**":
		return numOp(l, r, func(a, b float64) (float64, error) { return math.Pow(a, b), nil })
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(l, r, x.Op)
	case "in":
		return contains(r, l)
	default:
		return nil, errors.Errorf("unhandled binary operator %q", x.Op)
	}
}

func (e *Evaluator) evalIndex(ctx context.Context, s *scope, x *IndexExpr) (any, error) {
	v, err := e.evalExpr(ctx, s, x.X)
	if err != nil {
		return nil, err
	}
	idx, err := e.evalExpr(ctx, s, x.Index)
	if err != nil {
		return nil, err
	}
	n, err := asNumber(idx)
	if err != nil {
		return nil, err
	}
	i := int(n)
	switch c := v.(type) {
	case []any:
		if i < 0 {
			i += len(c)
		}
		if i < 0 || i >= len(c) {
			return nil, newError("IndexError", "list index out of range")
		}
		return c[i], nil
	case string:
		r := []rune(c)
		if i < 0 {
			i += len(r)
		}
		if i < 0 || i >= len(r) {
			return nil, newError("IndexError", "string index out of range")
		}
		return string(r[i]), nil
	default:
		return nil, newError("TypeError", "object is not subscriptable")
	}
}

// sysModule is what the bare name "sys" evaluates to; it has no state of
// its own, only the two stream attributes below.
type sysModule struct{}

// sysStream is sys.stdout or sys.stderr: a write-only handle onto the
// matching event-channel stream, so `sys.stderr.write(...)` reaches the
// same Emitter.Stream path a shell cell's stderr does.
type sysStream struct{ name workerproto.StreamName }

func (e *Evaluator) evalAttr(ctx context.Context, s *scope, x *AttrExpr) (any, error) {
	// Figure-builder method chains (fig.add_trace(...).show()) and the
	// sys.stdout/sys.stderr stream handles are the only attribute accesses
	// supported; see figure.go for the figureBuilder receiver.
	v, err := e.evalExpr(ctx, s, x.X)
	if err != nil {
		return nil, err
	}
	switch recv := v.(type) {
	case *figureBuilder:
		return boundFigureMethod{fb: recv, name: x.Name}, nil
	case sysModule:
		switch x.Name {
		case "stdout":
			return sysStream{workerproto.StreamStdout}, nil
		case "stderr":
			return sysStream{workerproto.StreamStderr}, nil
		}
	}
	return nil, newError("AttributeError", "no attribute %q", x.Name)
}

func (e *Evaluator) evalCall(ctx context.Context, s *scope, x *CallExpr) (any, error) {
	args := make([]any, 0, len(x.Args))
	for _, a := range x.Args {
		v, err := e.evalExpr(ctx, s, a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	if bm, ok := x.Fn.(*AttrExpr); ok {
		recv, err := e.evalExpr(ctx, s, bm.X)
		if err != nil {
			return nil, err
		}
		switch r := recv.(type) {
		case *figureBuilder:
			return callFigureMethod(e.out, r, bm.Name, args)
		case sysStream:
			return e.callSysStreamMethod(r, bm.Name, args)
		}
		return nil, newError("AttributeError", "no method %q", bm.Name)
	}

	name, ok := x.Fn.(*NameExpr)
	if !ok {
		return nil, newError("TypeError", "object is not callable")
	}
	if fn, ok := e.ns.GetFunc(name.Name); ok {
		return e.callUserFunc(ctx, fn, args)
	}
	return callBuiltin(e, name.Name, args)
}

func (e *Evaluator) callUserFunc(ctx context.Context, fn *FuncDef, args []any) (any, error) {
	if len(args) != len(fn.Params) {
		return nil, newError("TypeError", "%s() takes %d arguments but %d were given", fn.Name, len(fn.Params), len(args))
	}
	local := make(map[string]any, len(fn.Params))
	for i, p := range fn.Params {
		local[p] = args[i]
	}
	callScope := &scope{ns: e.ns, local: local}
	if err := e.execBlock(ctx, callScope, fn.Body); err != nil {
		if rs, ok := err.(returnSignal); ok {
			return rs.value, nil
		}
		return nil, err
	}
	return nil, nil
}

// callSysStreamMethod implements sys.stdout.write/sys.stderr.write, the
// only method either stream handle supports.
func (e *Evaluator) callSysStreamMethod(r sysStream, name string, args []any) (any, error) {
	if name != "write" {
		return nil, newError("AttributeError", "no method %q", name)
	}
	text, err := oneString("write", args)
	if err != nil {
		return nil, err
	}
	e.out.Stream(r.name, text)
	return float64(len(text)), nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

func asNumber(v any) (float64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, newError("TypeError", "expected a number, got %s", typeName(v))
	}
	return f, nil
}

func numOp(l, r any, f func(a, b float64) (float64, error)) (any, error) {
	lf, err := asNumber(l)
	if err != nil {
		return nil, err
	}
	rf, err := asNumber(r)
	if err != nil {
		return nil, err
	}
	return f(lf, rf)
}

func equal(l, r any) bool {
	return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r) && typeName(l) == typeName(r)
}

func compare(l, r any, op string) (any, error) {
	lf, err := asNumber(l)
	if err != nil {
		return nil, err
	}
	rf, err := asNumber(r)
	if err != nil {
		return nil, err
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, errors.Errorf("unhandled comparison %q", op)
}

func contains(container, item any) (any, error) {
	switch c := container.(type) {
	case []any:
		for _, e := range c {
			if equal(e, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		sub, ok := item.(string)
		if !ok {
			return nil, newError("TypeError", "'in <string>' requires string as left operand")
		}
		return strings.Contains(c, sub), nil
	default:
		return nil, newError("TypeError", "argument is not iterable")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case float64:
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func toDisplayString(v any) string {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case nil:
		return "None"
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = toDisplayString(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", x)
	}
}
