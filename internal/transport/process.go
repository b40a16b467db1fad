// Package transport adapts the external agent CLIs the workflow executor can
// drive into the executor.Transport boundary. Each backend spawns (or
// connects to) one agent's own protocol client from pkg/{claudecode,amp,
// codex,opencode,copilot} and normalizes its message stream into
// executor.AgentMessage. Grounded on the teacher's subprocess-lifecycle
// idiom in internal/worktree/manager.go (exec.CommandContext, piped stdio,
// context-scoped Wait) rather than its much larger agentctl adapter
// subsystem, which manages long-lived interactive sessions this daemon's
// one-shot-per-stage execution model doesn't need.
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/JoshuaAFerguson/apex/internal/executor"
)

// spawnedProcess is a running agent CLI subprocess wired up for line-based
// stdin/stdout protocol communication.
type spawnedProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *stderrBuffer
}

// spawn starts name with args in dir, merging extraEnv over the current
// process environment, and returns piped stdin/stdout.
func spawn(ctx context.Context, dir, name string, args []string, extraEnv map[string]string) (*spawnedProcess, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := newStderrBuffer()
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &spawnedProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *spawnedProcess) wait() error {
	return p.cmd.Wait()
}

func (p *spawnedProcess) close() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// stderrBuffer keeps the last few KB of a subprocess's stderr so adapters can
// fold it into an error message when the CLI exits without a structured
// error event.
type stderrBuffer struct {
	buf []byte
}

func newStderrBuffer() *stderrBuffer { return &stderrBuffer{} }

func (b *stderrBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	const max = 8 * 1024
	if len(b.buf) > max {
		b.buf = b.buf[len(b.buf)-max:]
	}
	return len(p), nil
}

func (b *stderrBuffer) String() string { return string(b.buf) }

// sendText emits a single MessageText AgentMessage, skipping empty deltas.
func sendText(ch chan<- executor.AgentMessage, text string) {
	if text == "" {
		return
	}
	ch <- executor.AgentMessage{Kind: executor.MessageText, Content: text}
}
