package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusnb/nimbus/internal/workerproto"
)

type fakeEmitter struct {
	streams     []string
	streamNames []workerproto.StreamName
	results     []workerproto.MIMEBundle
	displays    []workerproto.MIMEBundle
}

func (f *fakeEmitter) Stream(name workerproto.StreamName, text string) {
	f.streams = append(f.streams, text)
	f.streamNames = append(f.streamNames, name)
}
func (f *fakeEmitter) Result(data workerproto.MIMEBundle)           { f.results = append(f.results, data) }
func (f *fakeEmitter) Display(data workerproto.MIMEBundle)          { f.displays = append(f.displays, data) }

func run(t *testing.T, ns *Namespace, em *fakeEmitter, source string) error {
	t.Helper()
	stmts, err := parseCell(source)
	require.NoError(t, err)
	return NewEvaluator(ns, em).RunCell(context.Background(), stmts)
}

func TestAssignAndPrint(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	require.NoError(t, run(t, ns, em, "x = 21\nprint(x * 2)"))
	assert.Equal(t, []string{"42\n"}, em.streams)
	v, ok := ns.Get("x")
	require.True(t, ok)
	assert.Equal(t, float64(21), v)
}

func TestNamespacePersistsAcrossCells(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	require.NoError(t, run(t, ns, em, "x = 1"))
	require.NoError(t, run(t, ns, em, "x = x + 1"))
	v, _ := ns.Get("x")
	assert.Equal(t, float64(2), v)
}

func TestDivisionByZero(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	err := run(t, ns, em, "x = 1 / 0")
	require.Error(t, err)
	pe, ok := err.(*pyError)
	require.True(t, ok)
	assert.Equal(t, "ZeroDivisionError", pe.Name)
}

func TestNameError(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	err := run(t, ns, em, "print(undefined_name)")
	require.Error(t, err)
	pe, ok := err.(*pyError)
	require.True(t, ok)
	assert.Equal(t, "NameError", pe.Name)
}

func TestIfElse(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	require.NoError(t, run(t, ns, em, "x = 5\nif x > 10:\n    y = 1\nelif x > 3:\n    y = 2\nelse:\n    y = 3"))
	v, _ := ns.Get("y")
	assert.Equal(t, float64(2), v)
}

func TestForRange(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	require.NoError(t, run(t, ns, em, "total = 0\nfor i in range(5):\n    total = total + i"))
	v, _ := ns.Get("total")
	assert.Equal(t, float64(10), v)
}

func TestWhileBreak(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	require.NoError(t, run(t, ns, em, "i = 0\nwhile True:\n    i = i + 1\n    if i == 3:\n        break"))
	v, _ := ns.Get("i")
	assert.Equal(t, float64(3), v)
}

func TestFuncDefAndCall(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	require.NoError(t, run(t, ns, em, "def square(n):\n    return n * n\nresult = square(6)"))
	v, _ := ns.Get("result")
	assert.Equal(t, float64(36), v)
}

func TestAssertFailure(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	err := run(t, ns, em, "assert 1 == 2")
	require.Error(t, err)
	pe, ok := err.(*pyError)
	require.True(t, ok)
	assert.Equal(t, "AssertionError", pe.Name)
}

func TestLastExpressionValueCaptured(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	stmts, err := parseCell("x = 40\nx + 2")
	require.NoError(t, err)
	ev := NewEvaluator(ns, em)
	require.NoError(t, ev.RunCell(context.Background(), stmts))
	v, ok := ev.TakeLastValue()
	require.True(t, ok)
	assert.Equal(t, float64(42), v)
	// Taking it again yields nothing: it is consumed, not re-evaluated.
	_, ok = ev.TakeLastValue()
	assert.False(t, ok)
}

func TestLastStatementNotCaptured(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	stmts, err := parseCell("x = 1")
	require.NoError(t, err)
	ev := NewEvaluator(ns, em)
	require.NoError(t, ev.RunCell(context.Background(), stmts))
	_, ok := ev.TakeLastValue()
	assert.False(t, ok)
}

func TestLastStatementFunctionCallNotCaptured(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	stmts, err := parseCell("def f():\n    return 5\nf()")
	require.NoError(t, err)
	ev := NewEvaluator(ns, em)
	require.NoError(t, ev.RunCell(context.Background(), stmts))
	_, ok := ev.TakeLastValue()
	assert.False(t, ok, "a last-line function call must not be re-captured as the echoed result")
}

func TestSysStderrWrite(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	stmts, err := parseCell("import sys\nsys.stderr.write(\"oops\\n\")")
	require.NoError(t, err)
	ev := NewEvaluator(ns, em)
	require.NoError(t, ev.RunCell(context.Background(), stmts))
	require.Equal(t, []string{"oops\n"}, em.streams)
	require.Equal(t, []workerproto.StreamName{workerproto.StreamStderr}, em.streamNames)
	_, ok := ev.TakeLastValue()
	assert.False(t, ok, "the write() call must not also be echoed as an execute_result")
}

func TestSysStdoutWrite(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	require.NoError(t, run(t, ns, em, "sys.stdout.write(\"hi\")"))
	assert.Equal(t, []string{"hi"}, em.streams)
	assert.Equal(t, []workerproto.StreamName{workerproto.StreamStdout}, em.streamNames)
}

func TestInterrupt(t *testing.T) {
	ns := newNamespace()
	em := &fakeEmitter{}
	stmts, err := parseCell("while True:\n    x = 1")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewEvaluator(ns, em).RunCell(ctx, stmts)
	require.Error(t, err)
	assert.Equal(t, errInterrupted, err)
}
