package kernelclient

import (
	"context"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusnb/nimbus/internal/worker"
	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// freePort reserves an ephemeral TCP port and immediately releases it, for
// handing to the ZMQ event channel which has no "bound to :0, tell me the
// port" accessor the way net.Listener does.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// startTestWorker brings up a real worker.Worker on loopback ports so these
// tests exercise the actual wire protocol instead of a mock.
func startTestWorker(t *testing.T) (cmdAddr, eventAddr string) {
	t.Helper()
	eventAddr = freePort(t)
	w, err := worker.New("127.0.0.1:0", eventAddr)
	require.NoError(t, err)
	go func() { _ = w.Serve() }()
	t.Cleanup(func() { _ = w.Close() })
	return w.CommandAddr(), eventAddr
}

func noSpawn(string, string) (*exec.Cmd, error) {
	panic("spawn should not be needed: the test worker is already running")
}

func TestExecuteRoundTrip(t *testing.T) {
	cmdAddr, eventAddr := startTestWorker(t)
	c := New(noSpawn, cmdAddr, eventAddr)

	events, err := c.Execute(context.Background(), 0, "x = 40\nx + 2")
	require.NoError(t, err)

	var saw []workerproto.EventType
	for ev := range events {
		saw = append(saw, ev.Type)
	}
	require.NotEmpty(t, saw)
	assert.Equal(t, workerproto.EventExecutionStart, saw[0])
	assert.Equal(t, workerproto.EventExecutionComplete, saw[len(saw)-1])
}

func TestAlreadyRunning(t *testing.T) {
	cmdAddr, eventAddr := startTestWorker(t)
	c := New(noSpawn, cmdAddr, eventAddr)

	_, err := c.Execute(context.Background(), 0, "!sleep 1")
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), 1, "1 + 1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestInterruptNoOpWhenIdle(t *testing.T) {
	cmdAddr, eventAddr := startTestWorker(t)
	c := New(noSpawn, cmdAddr, eventAddr)
	require.NoError(t, c.Spawn(context.Background()))
	assert.NoError(t, c.Interrupt(0, false))
}

func TestPing(t *testing.T) {
	cmdAddr, eventAddr := startTestWorker(t)
	c := New(noSpawn, cmdAddr, eventAddr)
	require.Eventually(t, c.ping, time.Second, 10*time.Millisecond)
}
