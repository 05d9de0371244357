package remotebridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// remoteWorkerPath is where the staged binary lands on the pod.
const remoteWorkerPath = "/tmp/nimbusworker"

// BinaryDeployer is the default Deployer: it uploads a local nimbusworker
// binary byte-for-byte over an SSH session's stdin (the same "cat > file"
// idiom any SSH-based deploy script uses when there's no SFTP subsystem
// guaranteed to be enabled) and starts it detached so it outlives the
// session that launched it.
type BinaryDeployer struct {
	// LocalBinaryPath is the nimbusworker binary to stage, built for the
	// pod's architecture (typically linux/amd64).
	LocalBinaryPath string
}

func (d *BinaryDeployer) Deploy(ctx context.Context, client *ssh.Client, cmdPort, eventPort int) error {
	if err := d.upload(client); err != nil {
		return errors.WithMessage(err, "failed to upload worker binary")
	}
	if err := d.start(client, cmdPort, eventPort); err != nil {
		return errors.WithMessage(err, "failed to start remote worker")
	}
	return nil
}

func (d *BinaryDeployer) upload(client *ssh.Client) error {
	f, err := os.Open(d.LocalBinaryPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open local worker binary %q", d.LocalBinaryPath)
	}
	defer f.Close()

	session, err := client.NewSession()
	if err != nil {
		return errors.WithMessage(err, "failed to open SSH session for upload")
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return errors.WithMessage(err, "failed to open stdin pipe")
	}
	cmd := fmt.Sprintf("cat > %s && chmod +x %s", remoteWorkerPath, remoteWorkerPath)
	if err := session.Start(cmd); err != nil {
		return errors.WithMessage(err, "failed to start remote upload command")
	}
	if _, err := io.Copy(stdin, bufio.NewReader(f)); err != nil {
		return errors.WithMessage(err, "failed to stream worker binary")
	}
	if err := stdin.Close(); err != nil {
		return errors.WithMessage(err, "failed to close upload stdin")
	}
	return session.Wait()
}

func (d *BinaryDeployer) start(client *ssh.Client, cmdPort, eventPort int) error {
	session, err := client.NewSession()
	if err != nil {
		return errors.WithMessage(err, "failed to open SSH session to start worker")
	}
	defer session.Close()

	cmd := fmt.Sprintf(
		"nohup %s -cmd-addr 127.0.0.1:%d -event-addr 127.0.0.1:%d >/tmp/nimbusworker.log 2>&1 & disown",
		remoteWorkerPath, cmdPort, eventPort,
	)
	return session.Run(cmd)
}
