// Package worker implements the Worker Process: a long-lived subprocess
// that owns a persistent namespace, executes one cell at a time against it,
// and reports progress on the event channel while replying to commands on
// the command channel.
package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/nimbusnb/nimbus/internal/workerproto"
)

func pid() int { return os.Getpid() }

// Worker is the top-level orchestrator: it owns the namespace, the command
// listener, and the event publisher, and serializes cell execution so at
// most one runs at a time.
type Worker struct {
	ns        *Namespace
	listener  *workerproto.CommandListener
	publisher *workerproto.EventPublisher

	mu      sync.Mutex // guards running/cancel; held only to register/clear them
	running bool
	current int // cell_index of the in-flight execute, valid only while running
	cancel  context.CancelFunc
}

// New starts listening on cmdAddr and binds the event publisher on
// eventAddr. Neither address needs to be reachable yet from the Kernel
// Client's perspective; Serve blocks and accepts connections as they come.
func New(cmdAddr, eventAddr string) (*Worker, error) {
	listener, err := workerproto.ListenCommand(cmdAddr)
	if err != nil {
		return nil, err
	}
	publisher, err := workerproto.NewEventPublisher(eventAddr)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	return &Worker{ns: newNamespace(), listener: listener, publisher: publisher}, nil
}

// CommandAddr exposes the bound command-channel address, useful when the
// caller asked for ":0" and needs the actual port to report back. There is
// no accessor for the event channel's address.
func (w *Worker) CommandAddr() string { return w.listener.Addr() }

// Serve accepts command connections until the listener is closed or a
// shutdown command is processed.
func (w *Worker) Serve() error {
	go w.heartbeatLoop()
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			klog.V(2).Infof("worker: command listener stopped: %v", err)
			return err
		}
		go w.handleConn(conn)
	}
}

// Close tears down the listener and publisher; Serve's Accept loop then
// returns an error and the caller's process exits.
func (w *Worker) Close() error {
	errPub := w.publisher.Close()
	errLn := w.listener.Close()
	if errLn != nil {
		return errLn
	}
	return errPub
}

func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		w.mu.Lock()
		idle := !w.running
		w.mu.Unlock()
		if idle {
			_ = w.publisher.Publish(workerproto.Event{Type: workerproto.EventHeartbeat, Timestamp: time.Now()})
		}
	}
}

func (w *Worker) handleConn(conn *workerproto.CommandServerConn) {
	cmd, err := conn.ReadCommand()
	if err != nil {
		klog.V(2).Infof("worker: failed to read command: %v", err)
		_ = conn.Close()
		return
	}
	switch cmd.Type {
	case workerproto.CommandPing:
		_ = conn.WriteReply(workerproto.Reply{OK: true, PID: pid()})
	case workerproto.CommandExecute:
		w.handleExecute(cmd, conn)
	case workerproto.CommandInterrupt:
		w.handleInterrupt(cmd)
		_ = conn.WriteReply(workerproto.Reply{OK: true})
	case workerproto.CommandShutdown:
		_ = conn.WriteReply(workerproto.Reply{OK: true})
		go func() { _ = w.Close() }()
	default:
		_ = conn.WriteReply(workerproto.Reply{OK: false, Error: "unknown command type"})
	}
}

// handleExecute runs one cell to completion before replying, per the
// command channel's contract: execute_cell's reply is held until the cell
// finishes, all progress travels over the event channel in the meantime.
func (w *Worker) handleExecute(cmd workerproto.Command, conn *workerproto.CommandServerConn) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		_ = conn.WriteReply(workerproto.Reply{OK: false, Error: "a cell is already running"})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.current = cmd.CellIndex
	w.cancel = cancel
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.cancel = nil
		w.mu.Unlock()
		cancel()
	}()

	w.runCell(ctx, cmd)
	_ = conn.WriteReply(workerproto.Reply{OK: true, PID: pid()})
}

func (w *Worker) handleInterrupt(cmd workerproto.Command) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if cmd.CellIndexSet && cmd.CellIndex != w.current {
		return // targets a different (already finished) cell: no-op
	}
	if w.cancel != nil {
		w.cancel()
	}
}

// emitter adapts the event publisher plus carriage-return squashing to the
// Emitter interface the evaluator writes through.
type emitter struct {
	pub            *workerproto.EventPublisher
	cellIndex      int
	executionCount int
	cr             crSquasher
}

func (em *emitter) Stream(name workerproto.StreamName, text string) {
	for _, chunk := range em.cr.feed(name, text) {
		eventType := workerproto.EventStream
		if chunk.isUpdate {
			eventType = workerproto.EventStreamUpdate
		}
		_ = em.pub.Publish(workerproto.Event{
			Type: eventType, CellIndex: em.cellIndex,
			StreamName: name, Text: chunk.text,
		})
	}
}

func (em *emitter) Display(data workerproto.MIMEBundle) {
	_ = em.pub.Publish(workerproto.Event{Type: workerproto.EventDisplayData, CellIndex: em.cellIndex, Data: data})
}

func (em *emitter) Result(data workerproto.MIMEBundle) {
	_ = em.pub.Publish(workerproto.Event{
		Type: workerproto.EventExecuteResult, CellIndex: em.cellIndex,
		ExecutionCount: em.executionCount, Data: data,
	})
}

func (w *Worker) runCell(ctx context.Context, cmd workerproto.Command) {
	start := time.Now()
	_ = w.publisher.Publish(workerproto.Event{
		Type: workerproto.EventExecutionStart, CellIndex: cmd.CellIndex, ExecutionCount: cmd.ExecutionCount,
	})

	em := &emitter{pub: w.publisher, cellIndex: cmd.CellIndex, executionCount: cmd.ExecutionCount}
	ev := NewEvaluator(w.ns, em)

	var runErr error
	if IsShellCell(cmd.Code) {
		runErr = ev.RunShellCell(ctx, cmd.Code)
	} else {
		runErr = w.runParsedCell(ctx, ev, cmd)
	}

	result := workerproto.ExecutionResult{
		Status:         workerproto.StatusOK,
		ExecutionCount: cmd.ExecutionCount,
		ExecutionTime:  time.Since(start),
	}
	if runErr != nil {
		result.Status = workerproto.StatusError
		result.Error = toExecutionError(runErr)
		_ = w.publisher.Publish(workerproto.Event{
			Type: workerproto.EventExecutionError, CellIndex: cmd.CellIndex, Error: result.Error,
		})
	}
	_ = w.publisher.Publish(workerproto.Event{
		Type: workerproto.EventExecutionComplete, CellIndex: cmd.CellIndex, Result: &result,
	})
}

// runParsedCell parses and evaluates the cell. If its last statement was a
// bare expression, RunCell captured its value instead of discarding it; that
// value is displayed here as the implicit "echo last value" result.
func (w *Worker) runParsedCell(ctx context.Context, ev *Evaluator, cmd workerproto.Command) error {
	stmts, err := parseCell(cmd.Code)
	if err != nil {
		return newError("SyntaxError", "%s", err.Error())
	}
	if err := ev.RunCell(ctx, stmts); err != nil {
		return err
	}
	if v, ok := ev.TakeLastValue(); ok && v != nil {
		ev.out.Result(workerproto.MIMEBundle{"text/plain": toDisplayString(v)})
	}
	return nil
}

func toExecutionError(err error) *workerproto.ExecutionError {
	if pe, ok := err.(*pyError); ok {
		return &workerproto.ExecutionError{Name: pe.Name, Value: pe.Value, Traceback: []string{pe.Error()}}
	}
	return &workerproto.ExecutionError{Name: "Error", Value: err.Error(), Traceback: []string{err.Error()}}
}
