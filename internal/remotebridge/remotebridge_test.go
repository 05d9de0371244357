package remotebridge

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseSSHConnection(t *testing.T) {
	cases := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "ssh root@1.2.3.4 -p 22022", want: Endpoint{User: "root", Host: "1.2.3.4", Port: 22022}},
		{in: "ssh ubuntu@example.com -p 22", want: Endpoint{User: "ubuntu", Host: "example.com", Port: 22}},
		{in: "ssh ubuntu@9.9.9.9", wantErr: true}, // lambdalabs.toPod form has no -p; caller must default
		{in: "not an ssh string", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseSSHConnection(c.in)
		if c.wantErr {
			assert.Error(t, err, "input %q", c.in)
			continue
		}
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestClassifyDialError(t *testing.T) {
	timeoutErr := &net.OpError{Op: "dial", Err: &net.DNSError{IsTimeout: true}}
	assert.Equal(t, "connect-timeout", classifyDialError(timeoutErr))

	nonTimeout := &net.OpError{Op: "dial", Err: errString("refused")}
	assert.Equal(t, "ssh-auth", classifyDialError(nonTimeout))
}

type errString string

func (e errString) Error() string { return string(e) }
func (e errString) Timeout() bool { return false }

func TestSSHAuthMethodsFailsWithNoAgentOrKeys(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())
	_, err := sshAuthMethods()
	assert.Error(t, err)
}

// testSSHServer starts an in-process SSH server accepting any password and
// forwarding direct-tcpip channels to whatever address the client asks for —
// exactly what client.Dial relies on when startForward opens a channel to
// the remote worker's address.
func testSSHServer(t *testing.T) (addr string, hostKey ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(t, conn, config)
		}
	}()
	return ln.Addr().String(), signer.PublicKey()
}

type directTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

func serveSSHConn(t *testing.T, conn net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var payload directTCPIPPayload
		if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
			_ = newChannel.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(requests)
		go bridgeToTarget(channel, net.JoinHostPort(payload.Addr, strconv.Itoa(int(payload.Port))))
	}
}

func bridgeToTarget(channel ssh.Channel, target string) {
	defer channel.Close()
	conn, err := net.DialTimeout("tcp", target, 2*time.Second)
	if err != nil {
		return
	}
	defer conn.Close()
	done := make(chan struct{}, 2)
	go func() { buf := make([]byte, 4096); copyLoop(conn, channel, buf); done <- struct{}{} }()
	go func() { buf := make([]byte, 4096); copyLoop(channel, conn, buf); done <- struct{}{} }()
	<-done
}

func copyLoop(dst interface{ Write([]byte) (int, error) }, src interface{ Read([]byte) (int, error) }, buf []byte) {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func startEchoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartForwardRelaysBytesThroughSSHChannel(t *testing.T) {
	sshAddr, hostKey := testSSHServer(t)
	echoPort := startEchoServer(t)

	client, err := ssh.Dial("tcp", sshAddr, &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.Password("anything")},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, localAddr, err := startForward(ctx, client, echoPort)
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.DialTimeout("tcp", localAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("hello through the tunnel")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)
}

func TestProbeUntilReadySucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()
	err = probeUntilReady(context.Background(), ln.Addr().String())
	assert.NoError(t, err)
}

func TestProbeUntilReadyTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := probeUntilReady(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
