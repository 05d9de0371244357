package worker

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/nimbusnb/nimbus/internal/workerproto"
)

// IsShellCell reports whether source is whole-cell shell-command mode: the
// first non-blank character is '!'.
func IsShellCell(source string) bool {
	trimmed := strings.TrimLeft(source, " \t\r\n")
	return strings.HasPrefix(trimmed, "!")
}

// execShell runs a `!`-prefixed line as `/bin/bash -c cmdStr`, the same
// shell-escape convention the teacher's specialcmd.execShell uses, streaming
// stdout/stderr back line by line as they're produced rather than buffering
// the whole command to completion first.
func (e *Evaluator) execShell(ctx context.Context, st *ShellStmt) error {
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", st.Command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WithMessage(err, "failed to open shell command stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.WithMessage(err, "failed to open shell command stderr")
	}
	if err := cmd.Start(); err != nil {
		return errors.WithMessagef(err, "failed to start shell command %q", st.Command)
	}

	done := make(chan struct{}, 2)
	go e.pipeStream(stdout, workerproto.StreamStdout, done)
	go e.pipeStream(stderr, workerproto.StreamStderr, done)
	<-done
	<-done

	err = cmd.Wait()
	if ctx.Err() != nil {
		return errInterrupted
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return newError("ShellCommandError", "%s (exit status %d)", st.Command, exitErr.ExitCode())
		}
		return errors.WithMessagef(err, "shell command %q failed", st.Command)
	}
	return nil
}

// RunShellCell handles whole-cell shell-command mode: the first non-blank
// character of the cell is '!', so the parse/eval path is bypassed
// entirely and the remainder of the cell runs as one subprocess command.
func (e *Evaluator) RunShellCell(ctx context.Context, source string) error {
	trimmed := strings.TrimLeft(source, " \t\r\n")
	cmd := strings.TrimPrefix(trimmed, "!")
	return e.execShell(ctx, &ShellStmt{Command: cmd})
}

func (e *Evaluator) pipeStream(r io.Reader, name workerproto.StreamName, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e.out.Stream(name, scanner.Text()+"\n")
	}
}
