// Package kernelclient implements the Kernel Client: the notebook server's
// façade over the Worker Protocol's command and event channels. It owns
// spawn/respawn of the Worker Process, demultiplexes the event channel onto
// one in-flight execution at a time, and enforces the one-cell-at-a-time
// invariant with a lock, the same "own the subprocess, poll-connect with a
// deadline, guard Start/Stop with a mutex" shape the teacher's
// goplsclient.Client uses to manage its long-lived gopls subprocess.
package kernelclient

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// State mirrors the Kernel Client state machine: idle -> spawning -> ready
// -> running -> {ready | draining}; draining leads back to spawning.
type State string

const (
	StateIdle      State = "idle"
	StateSpawning  State = "spawning"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateDraining  State = "draining"
	StateBackendDown State = "backend_down"
)

// Timing constants from the concurrency model: liveness probe 500ms,
// interrupt escalation 5s.
const (
	LivenessProbeTimeout  = 500 * time.Millisecond
	InterruptEscalation   = 5 * time.Second
	spawnConnectPoll      = 100 * time.Millisecond
	spawnConnectTimeout   = 5 * time.Second
)

// ErrBackendDown is returned when the worker cannot be reached and cannot
// be respawned.
var ErrBackendDown = errors.New("BackendDown: worker process unreachable")

// ErrAlreadyRunning is returned when Execute is called while another cell
// is in flight.
var ErrAlreadyRunning = errors.New("AlreadyRunning: a cell is already executing")

// Spawner starts a fresh worker process bound to the given command/event
// addresses and returns once it has been launched (not necessarily ready).
// The default spawns a `nimbusworker` subprocess; the Remote Bridge does not
// supply a Spawner, it redirects an existing Client with SetEndpoints.
type Spawner func(cmdAddr, eventAddr string) (*exec.Cmd, error)

// LocalSpawner returns a Spawner that execs workerBinary with flags binding
// it to the given addresses, detached into its own process group so it
// survives a SIGINT delivered to this process's group (the same isolation
// the teacher's gopls subprocess uses, for the same reason: a Ctrl-C aimed
// at the foreground server must not also kill the worker mid-cell).
func LocalSpawner(workerBinary string) Spawner {
	return func(cmdAddr, eventAddr string) (*exec.Cmd, error) {
		cmd := exec.Command(workerBinary, "-cmd-addr", cmdAddr, "-event-addr", eventAddr)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return nil, errors.Wrapf(err, "failed to start worker process %q", workerBinary)
		}
		return cmd, nil
	}
}

// Client is the Kernel Client: it owns the command/event channel addresses,
// the worker subprocess, and serializes execution.
type Client struct {
	spawn    Spawner
	cmdAddr  string
	eventAddr string

	spawnMu sync.Mutex // serializes Spawn so concurrent callers don't double-start
	proc    *exec.Cmd
	sub     *workerproto.EventSubscriber

	execMu sync.Mutex // held for the duration of one execute_cell
	mu     sync.Mutex // guards state/executionCount/sink
	state  State
	executionCount int

	// sink, when non-nil, is where the demux goroutine below forwards
	// events matching sinkCellIndex; set for the duration of one Execute
	// call. Events that arrive with no sink registered (heartbeats between
	// cells, or stragglers) are simply dropped.
	sink          chan<- workerproto.Event
	sinkCellIndex int
}

// New returns a Client that spawns workers via spawn and binds them to the
// given addresses (e.g. "127.0.0.1:5555" / "127.0.0.1:5556"). It starts in
// StateIdle; the first Execute or explicit Spawn brings up a worker.
func New(spawn Spawner, cmdAddr, eventAddr string) *Client {
	return &Client{spawn: spawn, cmdAddr: cmdAddr, eventAddr: eventAddr, state: StateIdle}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetEndpoints atomically swaps the command/event addresses this client
// targets, tearing down any connection to the old worker first. Used by the
// Remote Bridge to switch between local and remote workers.
func (c *Client) SetEndpoints(cmdAddr, eventAddr string) {
	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()
	c.teardownLocked()
	c.cmdAddr, c.eventAddr = cmdAddr, eventAddr
	c.setState(StateIdle)
}

// ping issues a short-timeout liveness probe against the command channel.
func (c *Client) ping() bool {
	reply, err := workerproto.CallCommand(c.cmdAddr, workerproto.Command{Type: workerproto.CommandPing}, LivenessProbeTimeout)
	return err == nil && reply.OK
}

// ensureReady probes the worker and, if unreachable, spawns (or respawns)
// one. Idempotent and safe under concurrent callers via spawnMu.
func (c *Client) ensureReady(ctx context.Context) error {
	if c.ping() {
		c.ensureSubscriber()
		c.setState(StateReady)
		return nil
	}

	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()

	if c.ping() { // someone else respawned it while we waited for the lock
		c.ensureSubscriber()
		c.setState(StateReady)
		return nil
	}

	c.setState(StateSpawning)
	c.teardownLocked()

	proc, err := c.spawn(c.cmdAddr, c.eventAddr)
	if err != nil {
		c.setState(StateBackendDown)
		return errors.WithMessage(ErrBackendDown, err.Error())
	}
	c.proc = proc

	deadline := time.Now().Add(spawnConnectTimeout)
	for {
		if c.ping() {
			break
		}
		if time.Now().After(deadline) {
			c.setState(StateBackendDown)
			return ErrBackendDown
		}
		select {
		case <-ctx.Done():
			c.setState(StateBackendDown)
			return ctx.Err()
		case <-time.After(spawnConnectPoll):
		}
	}

	sub, err := workerproto.DialEventSubscriber(c.eventAddr)
	if err != nil {
		c.setState(StateBackendDown)
		return errors.WithMessage(err, "failed to connect to worker event channel after spawn")
	}
	c.sub = sub
	go c.demux(sub)
	c.setState(StateReady)
	return nil
}

func (c *Client) ensureSubscriber() {
	if c.sub != nil {
		return
	}
	sub, err := workerproto.DialEventSubscriber(c.eventAddr)
	if err != nil {
		klog.V(2).Infof("kernelclient: failed to attach event subscriber: %v", err)
		return
	}
	c.sub = sub
	go c.demux(sub)
}

// demux is the sole reader of sub for its entire lifetime (until sub.Close,
// which happens on teardownLocked). It forwards events to whichever sink is
// currently registered by Execute, and drops anything else: a heartbeat
// with nobody executing, or an event tagged for a cell whose execute has
// already completed and unregistered its sink.
func (c *Client) demux(sub *workerproto.EventSubscriber) {
	for {
		ev, err := sub.Recv()
		if err != nil {
			return
		}
		c.mu.Lock()
		sink, cellIndex := c.sink, c.sinkCellIndex
		c.mu.Unlock()
		if sink == nil || ev.CellIndex != cellIndex {
			continue
		}
		sink <- ev
	}
}

// teardownLocked kills the current worker process (if any) and closes the
// event subscriber. Caller must hold spawnMu.
func (c *Client) teardownLocked() {
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
	if c.proc != nil && c.proc.Process != nil {
		_ = c.proc.Process.Kill()
		_ = c.proc.Wait()
		c.proc = nil
	}
}

// Spawn brings up a worker if one isn't already reachable. Exported so
// callers can warm the worker before the first Execute.
func (c *Client) Spawn(ctx context.Context) error {
	return c.ensureReady(ctx)
}

// Reset tears down the current worker and respawns a fresh one, clearing
// the execution count.
func (c *Client) Reset(ctx context.Context) error {
	c.setState(StateDraining)
	c.spawnMu.Lock()
	c.teardownLocked()
	c.spawnMu.Unlock()
	c.mu.Lock()
	c.executionCount = 0
	c.mu.Unlock()
	c.setState(StateSpawning)
	return c.ensureReady(ctx)
}

// Interrupt sends an interrupt command, optionally targeting a specific
// cell index. It does not wait for the in-flight execute to finish; the
// caller observes completion via the execute's own event stream. If the
// worker hasn't returned to StateReady within InterruptEscalation, a
// watchdog tears it down and respawns it out from under the stuck execute,
// which then surfaces ConnectionLost.
func (c *Client) Interrupt(cellIndex int, cellIndexSet bool) error {
	cmd := workerproto.Command{Type: workerproto.CommandInterrupt, CellIndex: cellIndex, CellIndexSet: cellIndexSet}
	_, err := workerproto.CallCommand(c.cmdAddr, cmd, LivenessProbeTimeout)
	if err != nil {
		return err
	}
	go c.escalateIfStuck()
	return nil
}

func (c *Client) escalateIfStuck() {
	time.Sleep(InterruptEscalation)
	if c.State() != StateRunning {
		return
	}
	c.spawnMu.Lock()
	c.teardownLocked()
	c.spawnMu.Unlock()
	if err := c.ensureReady(context.Background()); err != nil {
		klog.Errorf("kernelclient: respawn after interrupt escalation failed: %v", err)
	}
}

// Execute runs one cell and returns a channel of events terminated by
// exactly one execution_complete, matching §4.3's "lazy, finite,
// non-restartable sequence" contract. The channel is closed after the
// terminal event is sent.
func (c *Client) Execute(ctx context.Context, cellIndex int, source string) (<-chan workerproto.Event, error) {
	if !c.execMu.TryLock() {
		return nil, ErrAlreadyRunning
	}

	if err := c.ensureReady(ctx); err != nil {
		c.execMu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.executionCount++
	execCount := c.executionCount
	c.mu.Unlock()
	c.setState(StateRunning)

	out := make(chan workerproto.Event, 16)
	events := make(chan workerproto.Event, 16)
	c.mu.Lock()
	c.sink, c.sinkCellIndex = events, cellIndex
	c.mu.Unlock()

	replyErr := make(chan error, 1)
	go func() {
		cmd := workerproto.Command{
			Type: workerproto.CommandExecute, Code: source,
			CellIndex: cellIndex, ExecutionCount: execCount,
		}
		_, err := workerproto.CallCommand(c.cmdAddr, cmd, 0)
		replyErr <- err
	}()

	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			c.sink, c.sinkCellIndex = nil, 0
			c.mu.Unlock()
		}()
		defer c.execMu.Unlock()
		defer c.setState(StateReady)

		for {
			select {
			case ev := <-events:
				out <- ev
				if ev.Type == workerproto.EventExecutionComplete {
					return
				}
			case err := <-replyErr:
				if err != nil {
					c.synthesizeConnectionLost(out, cellIndex, execCount)
					return
				}
			case <-ctx.Done():
				c.synthesizeConnectionLost(out, cellIndex, execCount)
				return
			}
		}
	}()

	return out, nil
}

// synthesizeConnectionLost emits the error/completion pair §4.2 requires
// when a channel reconnect or worker death orphans an in-flight cell.
func (c *Client) synthesizeConnectionLost(out chan<- workerproto.Event, cellIndex, execCount int) {
	synthErr := &workerproto.ExecutionError{Name: "ConnectionLost", Value: "lost connection to worker process"}
	out <- workerproto.Event{Type: workerproto.EventExecutionError, CellIndex: cellIndex, Error: synthErr}
	out <- workerproto.Event{
		Type: workerproto.EventExecutionComplete, CellIndex: cellIndex,
		Result: &workerproto.ExecutionResult{Status: workerproto.StatusError, ExecutionCount: execCount, Error: synthErr},
	}
	c.setState(StateBackendDown)
}
