package agents

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxCommandOutput = 10 * 1024 * 1024 // 10MB
	commandWaitDelay        = 5 * time.Second

	// exitTempFail (EX_TEMPFAIL) marks a command failure as retryable.
	exitTempFail = 75
)

// CommandAgent runs an external program once per step. The program receives
// the AgentContext as JSON on stdin and writes its Result as JSON on stdout.
// Stdout that is not a Result object is taken as the output itself, with full
// confidence. When streaming, every stderr line that decodes as a Progress
// with a message is forwarded.
type CommandAgent struct {
	AgentID   string
	Command   string
	Args      []string
	Env       map[string]string
	Dir       string
	MaxOutput int64
}

var _ Capability = (*CommandAgent)(nil)

// NewCommandAgent creates a CommandAgent from an argv.
func NewCommandAgent(id string, argv []string) (*CommandAgent, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("agent %q: command is required", id)
	}
	return &CommandAgent{AgentID: id, Command: argv[0], Args: argv[1:]}, nil
}

func (c *CommandAgent) ID() string { return c.AgentID }

func (c *CommandAgent) Execute(ctx context.Context, ac *AgentContext) (*Result, error) {
	return c.ExecuteStreaming(ctx, ac, nil)
}

func (c *CommandAgent) ExecuteStreaming(ctx context.Context, ac *AgentContext, emit func(Progress)) (*Result, error) {
	input, err := json.Marshal(ac)
	if err != nil {
		return nil, fmt.Errorf("encode agent context: %w", err)
	}

	limit := c.MaxOutput
	if limit <= 0 {
		limit = defaultMaxCommandOutput
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = commandWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: limit}
	errSink := &progressWriter{tail: &limitedWriter{w: &stderr, limit: limit}, emit: emit}
	cmd.Stderr = errSink

	runErr := cmd.Run()
	errSink.flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", c.Command, runErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.Error()
		}
		return Fail(fmt.Sprintf("%s exited with %d: %s", c.Command, exitErr.ExitCode(), lastLine(msg)),
			exitErr.ExitCode() == exitTempFail), nil
	}

	return decodeCommandResult(bytes.TrimSpace(stdout.Bytes()))
}

func decodeCommandResult(out []byte) (*Result, error) {
	if len(out) == 0 {
		return Succeed(nil, 1), nil
	}
	if !json.Valid(out) {
		return Fail("command output is not valid JSON", false), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err == nil {
		if _, ok := fields["success"]; ok {
			var res Result
			if err := json.Unmarshal(out, &res); err != nil {
				return nil, fmt.Errorf("decode command result: %w", err)
			}
			return &res, nil
		}
	}
	return Succeed(json.RawMessage(out), 1), nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// limitedWriter discards bytes beyond limit. Write always reports the full
// length so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}

// progressWriter splits stderr into lines. Progress lines go to emit, all
// other lines to tail.
type progressWriter struct {
	mu      sync.Mutex
	tail    io.Writer
	emit    func(Progress)
	partial []byte
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.partial = append(pw.partial, p...)
	for {
		i := bytes.IndexByte(pw.partial, '\n')
		if i < 0 {
			break
		}
		pw.line(pw.partial[:i+1])
		pw.partial = pw.partial[i+1:]
	}
	return len(p), nil
}

func (pw *progressWriter) flush() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if len(pw.partial) > 0 {
		pw.line(pw.partial)
		pw.partial = nil
	}
}

func (pw *progressWriter) line(b []byte) {
	if pw.emit != nil {
		var p Progress
		sc := bufio.NewScanner(bytes.NewReader(b))
		if sc.Scan() && json.Unmarshal(sc.Bytes(), &p) == nil && p.Message != "" {
			pw.emit(p)
			return
		}
	}
	_, _ = pw.tail.Write(b)
}
