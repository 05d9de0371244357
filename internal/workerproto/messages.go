// Package workerproto implements the wire protocol between the Kernel Client
// (running inside the notebook server) and the Worker Process: a
// request/reply command channel and a one-to-many, ordered-per-cell event
// channel.
//
// Every message, on either channel, is a typed envelope: a self-describing
// Type field plus a type-specific payload, the same shape a Jupyter
// ComposedMsg header/content split gives you, re-expressed as a single Go
// struct per message kind instead of a generic header/content/metadata
// triple. Frames are exchanged over plain TCP (command channel, one
// connection per request) or ZMQ PUB/SUB (event channel), so there is no
// HMAC signature: the worker is reached only over loopback or an
// SSH-forwarded tunnel the bridge process alone owns.
package workerproto

import "time"

// CommandType identifies a request sent on the command channel.
type CommandType string

const (
	CommandPing      CommandType = "ping"
	CommandExecute   CommandType = "execute_cell"
	CommandInterrupt CommandType = "interrupt"
	CommandShutdown  CommandType = "shutdown"
)

// Command is a single request frame on the command channel. Exactly one
// Reply is sent back per Command.
type Command struct {
	Type CommandType `json:"type"`

	// ExecuteCell fields.
	Code           string `json:"code,omitempty"`
	CellIndex      int    `json:"cell_index,omitempty"`
	ExecutionCount int    `json:"execution_count,omitempty"`

	// Interrupt fields. CellIndexSet distinguishes "no cell_index given"
	// (interrupt whatever is running) from cell_index == 0.
	CellIndexSet bool `json:"cell_index_set,omitempty"`
}

// Reply is sent back on the same connection that carried the Command.
// For execute_cell, Reply is sent only after the cell has finished running;
// all progress in the meantime travels over the event channel.
type Reply struct {
	OK    bool   `json:"ok"`
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// EventType identifies a message published on the event channel.
type EventType string

const (
	EventExecutionStart    EventType = "execution_start"
	EventStream            EventType = "stream"
	EventStreamUpdate      EventType = "stream_update" // carriage-return progress line, replaces the prior one
	EventExecuteResult     EventType = "execute_result"
	EventDisplayData       EventType = "display_data"
	EventExecutionError    EventType = "execution_error"
	EventExecutionComplete EventType = "execution_complete"
	EventHeartbeat         EventType = "heartbeat"
)

// StreamName is stdout or stderr.
type StreamName string

const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// MIMEBundle holds a displayable value rendered under one or more MIME
// types, keyed by MIME type the way execute_result/display_data outputs are.
type MIMEBundle map[string]any

// ExecutionError mirrors Output.error: a tagged error with a traceback.
type ExecutionError struct {
	Name      string   `json:"name"`
	Value     string   `json:"value"`
	Traceback []string `json:"traceback"`
}

// ExecutionStatus is the terminal state of an execute_cell request.
type ExecutionStatus string

const (
	StatusOK    ExecutionStatus = "ok"
	StatusError ExecutionStatus = "error"
)

// ExecutionResult is the payload of execution_complete.
type ExecutionResult struct {
	Status         ExecutionStatus `json:"status"`
	ExecutionCount int             `json:"execution_count"`
	ExecutionTime  time.Duration   `json:"execution_time"`
	Error          *ExecutionError `json:"error,omitempty"`
}

// Event is a single message published on the event channel. Only the
// fields relevant to Type are populated.
type Event struct {
	Type      EventType `json:"type"`
	CellIndex int       `json:"cell_index"`

	// execution_start / (also echoed in execution_complete via Result).
	ExecutionCount int `json:"execution_count,omitempty"`

	// stream
	StreamName StreamName `json:"stream_name,omitempty"`
	Text       string     `json:"text,omitempty"`

	// execute_result / display_data
	Data MIMEBundle `json:"data,omitempty"`

	// execution_error
	Error *ExecutionError `json:"error,omitempty"`

	// execution_complete
	Result *ExecutionResult `json:"result,omitempty"`

	// heartbeat
	Timestamp time.Time `json:"ts,omitempty"`
}

// KnownReservedKeywords make a line a statement rather than an expression;
// see classify.go in the worker package.
var KnownReservedKeywords = []string{
	"import", "from", "def", "class", "if", "elif", "else", "for", "while",
	"try", "except", "finally", "with", "assert", "del", "global",
	"nonlocal", "pass", "break", "continue", "return", "raise", "yield",
}
