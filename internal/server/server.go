// Package server implements the Notebook Server: a WebSocket hub that
// accepts one client connection per browser tab, dispatches each inbound
// message to a handler concurrently with any other in-flight message from
// the same client, and fans events and broadcasts back out, grounded on
// the teacher's pack-wide precedent for a JSON-over-websocket request/event
// transport (ClayWarren-e2b-go's Sandbox.ws), adapted from a JSON-RPC
// client transport to a {type, data} envelope server.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nimbusnb/nimbus/common"
	"github.com/nimbusnb/nimbus/internal/kernelclient"
	"github.com/nimbusnb/nimbus/internal/notebook"
	"github.com/nimbusnb/nimbus/internal/session"
	"github.com/nimbusnb/nimbus/internal/util"
	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// Envelope is the wire shape for every message in both directions:
// {type: string, data: object}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound message types, per the external-interfaces message set.
const (
	OutNotebookData      = "notebook_data"
	OutNotebookUpdated   = "notebook_updated"
	OutNotebookSaved     = "notebook_saved"
	OutExecutionStart    = "execution_start"
	OutStreamOutput      = "stream_output"
	OutExecuteResult     = "execute_result"
	OutExecutionError    = "execution_error"
	OutExecutionComplete = "execution_complete"
	OutKernelRestarted   = "kernel_restarted"
	OutPodStatusUpdate   = "pod_status_update"
	OutError             = "error"
)

// CompletionProvider is a stub for the out-of-scope LSP completion
// collaborator (§1 Out of scope): a concrete implementation could wrap a
// jsonrpc2-based gopls bridge, but no completion request is wired to one
// from this server since it sits outside the execution core.
type CompletionProvider interface {
	Complete(ctx context.Context, source string, offset int) ([]string, error)
}

// Server is the Notebook Server: it owns the Session and Kernel Client for
// exactly one running notebook process, and every connected client.
type Server struct {
	sess   *session.Session
	kernel *kernelclient.Client

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients common.Set[*clientConn]
}

// New returns a Server wired to sess and kernel.
func New(sess *session.Session, kernel *kernelclient.Client) *Server {
	return &Server{
		sess:     sess,
		kernel:   kernel,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  common.MakeSet[*clientConn](),
	}
}

// clientConn wraps one browser tab's connection. gorilla/websocket
// connections support exactly one concurrent writer, so every outbound
// write goes through writeMu even though inbound messages are dispatched
// concurrently.
type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *clientConn) send(msgType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.WithMessage(err, "failed to encode outbound message")
	}
	env := Envelope{Type: msgType, Data: raw}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// ServeHTTP upgrades the connection and serves it until the client
// disconnects. Inbound messages are dispatched to goroutines so that, e.g.,
// an interrupt_kernel is processed while an execute_cell is still streaming
// — the Kernel Client, not this dispatch loop, is the serialization point
// for execution.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.V(2).Infof("server: websocket upgrade failed: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	client := &clientConn{ws: ws, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	s.clients.Insert(client)
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.clients.Delete(client)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	snapshot := s.sess.Snapshot()
	if err := client.send(OutNotebookData, snapshot); err != nil {
		return
	}

	var wg sync.WaitGroup
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			break // disconnect cancels client.ctx via the deferred cancel above
		}
		wg.Add(1)
		go func(env Envelope) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					klog.Errorf("server: panic handling %q: %v\n%s", env.Type, r, util.GetStackTrace())
					_ = client.send(OutError, map[string]string{"message": "internal error handling " + env.Type})
				}
			}()
			s.dispatch(client, env)
		}(env)
	}
	wg.Wait()
}

func (s *Server) dispatch(c *clientConn, env Envelope) {
	switch env.Type {
	case "execute_cell":
		s.handleExecuteCell(c, env)
	case "add_cell":
		s.handleAddCell(c, env)
	case "delete_cell":
		s.handleDeleteCell(c, env)
	case "move_cell":
		s.handleMoveCell(c, env)
	case "update_cell":
		s.handleUpdateCell(c, env)
	case "interrupt_kernel":
		s.handleInterruptKernel(c, env)
	case "reset_kernel":
		s.handleResetKernel(c)
	case "load_notebook":
		_ = c.send(OutNotebookData, s.sess.Snapshot())
	case "save_notebook":
		s.handleSaveNotebook(c)
	default:
		_ = c.send(OutError, map[string]string{"message": "unknown message type " + env.Type})
	}
}

type cellIndexPayload struct {
	CellIndex int `json:"cell_index"`
}

func (s *Server) handleExecuteCell(c *clientConn, env Envelope) {
	var p cellIndexPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		_ = c.send(OutError, map[string]string{"message": "malformed execute_cell"})
		return
	}
	snap := s.sess.Snapshot()
	if p.CellIndex < 0 || p.CellIndex >= len(snap.Cells) {
		_ = c.send(OutError, map[string]string{"message": "cell_index out of range"})
		return
	}
	cell := snap.Cells[p.CellIndex]
	if cell.Kind != notebook.KindCode {
		_ = c.send(OutError, map[string]string{"message": "cannot execute a markdown cell"})
		return
	}

	events, err := s.kernel.Execute(c.ctx, p.CellIndex, cell.Source)
	if err != nil {
		_ = c.send(OutExecutionError, map[string]string{"error": err.Error()})
		return
	}

	var outputs []notebook.Output
	var result workerproto.ExecutionResult
	for ev := range events {
		outputs = appendOutput(outputs, ev)
		forwardEvent(c, ev)
		if ev.Type == workerproto.EventExecutionComplete && ev.Result != nil {
			result = *ev.Result
		}
	}

	if err := s.sess.ApplyExecutionResult(p.CellIndex, result, outputs); err != nil {
		klog.V(2).Infof("server: failed to apply execution result: %v", err)
	}
}

// forwardEvent translates one workerproto.Event into the client-facing
// message set. stream and stream_update both travel as stream_output; an
// update is tagged with is_update so the UI can replace in place.
func forwardEvent(c *clientConn, ev workerproto.Event) {
	switch ev.Type {
	case workerproto.EventExecutionStart:
		_ = c.send(OutExecutionStart, map[string]any{"cell_index": ev.CellIndex, "execution_count": ev.ExecutionCount})
	case workerproto.EventStream, workerproto.EventStreamUpdate:
		_ = c.send(OutStreamOutput, map[string]any{
			"cell_index": ev.CellIndex, "name": ev.StreamName, "text": ev.Text,
			"is_update": ev.Type == workerproto.EventStreamUpdate,
		})
	case workerproto.EventExecuteResult:
		_ = c.send(OutExecuteResult, map[string]any{"cell_index": ev.CellIndex, "execution_count": ev.ExecutionCount, "data": ev.Data})
	case workerproto.EventDisplayData:
		_ = c.send(OutStreamOutput, map[string]any{"cell_index": ev.CellIndex, "data": ev.Data}) // display_data shares the stream/display channel client-side
	case workerproto.EventExecutionError:
		_ = c.send(OutExecutionError, ev.Error)
	case workerproto.EventExecutionComplete:
		_ = c.send(OutExecutionComplete, map[string]any{"cell_index": ev.CellIndex, "result": ev.Result})
	}
}

func appendOutput(outputs []notebook.Output, ev workerproto.Event) []notebook.Output {
	switch ev.Type {
	case workerproto.EventStream:
		if n := len(outputs); n > 0 && outputs[n-1].Type == notebook.OutputStream && outputs[n-1].StreamName == string(ev.StreamName) {
			outputs[n-1].Text += ev.Text
			return outputs
		}
		return append(outputs, notebook.StreamOutput(string(ev.StreamName), ev.Text))
	case workerproto.EventStreamUpdate:
		return append(outputs, notebook.StreamOutput(string(ev.StreamName), ev.Text))
	case workerproto.EventExecuteResult:
		return append(outputs, notebook.ExecuteResultOutput(ev.ExecutionCount, ev.Data))
	case workerproto.EventDisplayData:
		return append(outputs, notebook.DisplayDataOutput(ev.Data))
	case workerproto.EventExecutionError:
		if ev.Error != nil {
			return append(outputs, notebook.ErrorOutput(ev.Error.Name, ev.Error.Value, ev.Error.Traceback))
		}
	}
	return outputs
}

func (s *Server) handleAddCell(c *clientConn, env Envelope) {
	var p struct {
		CellIndex int            `json:"cell_index"`
		Kind      notebook.Kind  `json:"cell_type"`
		Source    string         `json:"source"`
		Full      *notebook.Cell `json:"full,omitempty"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		_ = c.send(OutError, map[string]string{"message": "malformed add_cell"})
		return
	}
	if err := s.sess.AddCell(p.CellIndex, p.Kind, p.Source, p.Full); err != nil {
		_ = c.send(OutError, map[string]string{"message": err.Error()})
		return
	}
	s.broadcast(OutNotebookUpdated, s.sess.Snapshot())
}

func (s *Server) handleDeleteCell(c *clientConn, env Envelope) {
	var p cellIndexPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		_ = c.send(OutError, map[string]string{"message": "malformed delete_cell"})
		return
	}
	if err := s.sess.DeleteCell(p.CellIndex); err != nil {
		_ = c.send(OutError, map[string]string{"message": err.Error()})
		return
	}
	s.broadcast(OutNotebookUpdated, s.sess.Snapshot())
}

func (s *Server) handleMoveCell(c *clientConn, env Envelope) {
	var p struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		_ = c.send(OutError, map[string]string{"message": "malformed move_cell"})
		return
	}
	if err := s.sess.MoveCell(p.From, p.To); err != nil {
		_ = c.send(OutError, map[string]string{"message": err.Error()})
		return
	}
	s.broadcast(OutNotebookUpdated, s.sess.Snapshot())
}

func (s *Server) handleUpdateCell(c *clientConn, env Envelope) {
	var p struct {
		CellIndex int    `json:"cell_index"`
		Source    string `json:"source"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		_ = c.send(OutError, map[string]string{"message": "malformed update_cell"})
		return
	}
	if err := s.sess.UpdateCellSource(p.CellIndex, p.Source); err != nil {
		_ = c.send(OutError, map[string]string{"message": err.Error()})
	}
	// No broadcast: other clients only need to see this on the next
	// structural change or explicit save/load.
}

func (s *Server) handleInterruptKernel(c *clientConn, env Envelope) {
	var p struct {
		CellIndex    int  `json:"cell_index"`
		CellIndexSet bool `json:"cell_index_set"`
	}
	_ = json.Unmarshal(env.Data, &p) // absent cell_index means "whatever is running"
	if err := s.kernel.Interrupt(p.CellIndex, p.CellIndexSet); err != nil {
		_ = c.send(OutError, map[string]string{"message": err.Error()})
	}
	// The interrupted execute's own event stream produces the eventual
	// execution_error/execution_complete; nothing is synthesized here.
}

func (s *Server) handleResetKernel(c *clientConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.kernel.Reset(ctx); err != nil {
		_ = c.send(OutError, map[string]string{"message": err.Error()})
		return
	}
	if err := s.sess.ClearAllOutputs(); err != nil {
		klog.V(2).Infof("server: failed to clear outputs after reset: %v", err)
	}
	s.broadcast(OutKernelRestarted, map[string]string{})
	s.broadcast(OutNotebookUpdated, s.sess.Snapshot())
}

func (s *Server) handleSaveNotebook(c *clientConn) {
	if err := s.sess.Save(""); err != nil {
		_ = c.send(OutError, map[string]string{"message": err.Error()})
		return
	}
	_ = c.send(OutNotebookSaved, map[string]bool{"ok": true})
}

// broadcast sends msgType/data to every currently connected client,
// observed by all of them in the same order since it iterates under mu.
func (s *Server) broadcast(msgType string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if err := c.send(msgType, data); err != nil {
			klog.V(2).Infof("server: broadcast to client failed: %v", err)
		}
	}
}

// BroadcastPodStatus is called by a PodMonitor tick to fan a pod_status_update
// out to every connected client.
func (s *Server) BroadcastPodStatus(data any) {
	s.broadcast(OutPodStatusUpdate, data)
}
