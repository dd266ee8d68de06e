package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/signalnine/benchloop/internal/logging"
)

const DefaultBinary = "claude"

// BuildArgs renders the CLI flags for a non-interactive stream-json session.
func BuildArgs(opts SpawnOptions) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	return args
}

// mergeEnv overlays extra onto base.
func mergeEnv(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// envList renders env as KEY=VALUE pairs in a stable order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// CLIRunner runs the agent CLI as a local subprocess.
type CLIRunner struct {
	Binary string
	Env    map[string]string
	Logger *slog.Logger
}

func (r *CLIRunner) Spawn(ctx context.Context, opts SpawnOptions) (Session, error) {
	logger := logging.OrDefault(r.Logger)
	binary := r.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	if _, err := os.Stat(opts.WorkDir); err != nil {
		return nil, &SpawnError{Op: "workdir", Err: err}
	}

	cmd := exec.CommandContext(ctx, binary, BuildArgs(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), envList(mergeEnv(r.Env, opts.Env))...)
	cmd.WaitDelay = killGrace
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Op: "stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Op: "start " + binary, Err: err}
	}
	logger.Debug("agent started", "binary", binary, "pid", cmd.Process.Pid, "workdir", opts.WorkDir, "model", opts.Model)

	s := NewSession(func() error { return cmd.Process.Kill() })
	go func() {
		start := time.Now()
		var stream io.Reader = stdout
		if opts.Transcript != nil {
			stream = io.TeeReader(stdout, opts.Transcript)
		}
		res, decErr := DecodeStream(stream, s.Emit)
		waitErr := cmd.Wait()

		res.ExitCode = exitCode(waitErr)
		res.Stderr = stderr.String()
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		if decErr != nil {
			logger.Warn("agent stream decode failed", "error", decErr)
		}
		if waitErr != nil && res.ExitCode < 0 {
			res.Err = waitErr
		}
		logger.Debug("agent exited", "exit_code", res.ExitCode, "session_id", res.SessionID, "cost_usd", res.CostUSD)
		s.Finish(res)
	}()
	return s, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal.
		return 137
	}
	return -1
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
