package workerproto

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// CommandListener accepts command-channel connections on the worker side.
// Each request/reply round trip is its own short-lived TCP connection;
// using one connection per call lets a concurrent `interrupt` reach the
// worker while an `execute_cell` call is still blocked waiting for its
// reply, without a multiplexing layer on top of a single persistent socket.
type CommandListener struct {
	ln net.Listener
}

// ListenCommand binds the command channel's TCP listener. addr is typically
// "127.0.0.1:5555" (local) or "127.0.0.1:15555" (the tunneled convention).
func ListenCommand(addr string) (*CommandListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to bind command channel on %s", addr)
	}
	return &CommandListener{ln: ln}, nil
}

// Addr returns the bound address, useful when addr was given as ":0".
func (l *CommandListener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting new command connections.
func (l *CommandListener) Close() error {
	return l.ln.Close()
}

// CommandServerConn is one accepted command connection, carrying exactly
// one Command and expecting exactly one Reply.
type CommandServerConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Accept blocks for the next incoming command connection.
func (l *CommandListener) Accept() (*CommandServerConn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &CommandServerConn{
		conn: conn,
		r:    NewBufferedReader(conn),
		w:    NewBufferedWriter(conn),
	}, nil
}

// ReadCommand reads the single Command this connection carries.
func (c *CommandServerConn) ReadCommand() (Command, error) {
	var cmd Command
	err := ReadFrame(c.r, &cmd)
	return cmd, err
}

// WriteReply sends the reply and closes the connection; only one Reply may
// ever be sent per CommandServerConn.
func (c *CommandServerConn) WriteReply(reply Reply) error {
	defer c.conn.Close()
	return WriteFrame(c.w, reply)
}

// Close aborts the connection without sending a reply, used when the
// worker fails to read the connection's command.
func (c *CommandServerConn) Close() error {
	return c.conn.Close()
}

// CallCommand performs one full request/reply round trip as a client: dial,
// send cmd, wait for reply (bounded by timeout), close. Used by the Kernel
// Client for ping/interrupt/shutdown/execute_cell alike — execute_cell
// simply uses a long or zero timeout since its reply is held until the
// cell completes.
func CallCommand(addr string, cmd Command, timeout time.Duration) (Reply, error) {
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return Reply{}, errors.WithMessagef(err, "failed to dial command channel %s", addr)
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	w := NewBufferedWriter(conn)
	if err := WriteFrame(w, cmd); err != nil {
		return Reply{}, errors.WithMessage(err, "failed to send command")
	}

	var reply Reply
	err = ReadFrame(NewBufferedReader(conn), &reply)
	if err != nil {
		if err == io.EOF {
			return Reply{}, errors.New("worker closed connection without replying")
		}
		return Reply{}, errors.WithMessage(err, "failed to read reply")
	}
	return reply, nil
}
