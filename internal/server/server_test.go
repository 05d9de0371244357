package server

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nimbusnb/nimbus/internal/kernelclient"
	"github.com/nimbusnb/nimbus/internal/notebook"
	"github.com/nimbusnb/nimbus/internal/session"
	"github.com/nimbusnb/nimbus/internal/worker"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// newTestServer wires a Server to a real in-process worker, the same
// against-the-real-thing approach kernelclient's own tests use rather than
// mocking the Kernel Client.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	eventAddr := freePort(t)
	w, err := worker.New("127.0.0.1:0", eventAddr)
	require.NoError(t, err)
	go func() { _ = w.Serve() }()
	t.Cleanup(func() { _ = w.Close() })

	kc := kernelclient.New(func(string, string) (*exec.Cmd, error) {
		panic("spawn should not be needed: the test worker is already running")
	}, w.CommandAddr(), eventAddr)

	nb := notebook.New("")
	nb.Cells = []notebook.Cell{
		{ID: notebook.NewCellID(), Kind: notebook.KindCode, Source: "x = 40\nx + 2", Metadata: map[string]any{}},
	}
	sess := session.New(nb)

	return New(sess, kc)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func recvUntil(t *testing.T, conn *websocket.Conn, msgType string, timeout time.Duration) Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == msgType {
			return env
		}
	}
}

func TestExecuteCellBroadcastsCompletion(t *testing.T) {
	s := newTestServer(t)
	httpSrv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer httpSrv.Close()

	conn := dial(t, httpSrv)
	_ = recvUntil(t, conn, OutNotebookData, time.Second)

	require.NoError(t, conn.WriteJSON(Envelope{Type: "execute_cell", Data: []byte(`{"cell_index":0}`)}))
	_ = recvUntil(t, conn, OutExecutionComplete, 5*time.Second)

	snap := s.sess.Snapshot()
	require.Len(t, snap.Cells, 1)
	require.NotNil(t, snap.Cells[0].ExecCount)
	require.Equal(t, 1, *snap.Cells[0].ExecCount)
	require.NotEmpty(t, snap.Cells[0].Outputs)
}

func TestAddCellBroadcastsNotebookUpdated(t *testing.T) {
	s := newTestServer(t)
	httpSrv := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	defer httpSrv.Close()

	conn := dial(t, httpSrv)
	_ = recvUntil(t, conn, OutNotebookData, time.Second)

	require.NoError(t, conn.WriteJSON(Envelope{
		Type: "add_cell",
		Data: []byte(`{"cell_index":1,"cell_type":"markdown","source":"notes"}`),
	}))
	env := recvUntil(t, conn, OutNotebookUpdated, time.Second)
	require.NotEmpty(t, env.Data)

	snap := s.sess.Snapshot()
	require.Len(t, snap.Cells, 2)
	require.Equal(t, notebook.KindMarkdown, snap.Cells[1].Kind)
}
