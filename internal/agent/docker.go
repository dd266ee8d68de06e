package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/signalnine/benchloop/internal/docker"
	"github.com/signalnine/benchloop/internal/logging"
)

// DockerRunner runs the agent CLI inside a container with the workspace
// bind-mounted. The stream is decoded from the container logs after exit,
// so text events arrive in one burst.
type DockerRunner struct {
	Image       string
	Binary      string
	Env         map[string]string
	Timeout     time.Duration
	CPULimit    float64
	MemoryLimit int64
	Logger      *slog.Logger

	// Run defaults to docker.RunContainer.
	Run func(ctx context.Context, opts *docker.RunOpts) (*docker.RunResult, error)
}

func (r *DockerRunner) Spawn(ctx context.Context, opts SpawnOptions) (Session, error) {
	logger := logging.OrDefault(r.Logger)
	if r.Image == "" {
		return nil, &SpawnError{Op: "docker", Err: errors.New("no agent image configured")}
	}
	if _, err := os.Stat(opts.WorkDir); err != nil {
		return nil, &SpawnError{Op: "workdir", Err: err}
	}
	run := r.Run
	if run == nil {
		run = docker.RunContainer
	}
	binary := r.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := NewSession(func() error { cancel(); return nil })
	runOpts := &docker.RunOpts{
		Image:       r.Image,
		Command:     append([]string{binary}, BuildArgs(opts)...),
		WorkDir:     opts.WorkDir,
		Env:         mergeEnv(r.Env, opts.Env),
		Timeout:     r.Timeout,
		CPULimit:    r.CPULimit,
		MemoryLimit: r.MemoryLimit,
		Tty:         true,
	}

	go func() {
		defer cancel()
		out, err := run(runCtx, runOpts)
		if err != nil {
			logger.Warn("agent container failed", "image", r.Image, "error", err)
			s.Finish(Result{ExitCode: -1, IsError: true, Err: &SpawnError{Op: "docker run", Err: err}})
			return
		}
		if opts.Transcript != nil {
			opts.Transcript.Write(out.Logs)
		}
		res, decErr := DecodeStream(bytes.NewReader(out.Logs), s.Emit)
		if decErr != nil {
			logger.Warn("agent stream decode failed", "error", decErr)
		}
		res.ExitCode = out.ExitCode
		if res.Duration == 0 {
			res.Duration = out.Duration
		}
		if out.TimedOut {
			res.IsError = true
		}
		logger.Debug("agent container exited", "exit_code", res.ExitCode, "timed_out", out.TimedOut, "session_id", res.SessionID)
		s.Finish(res)
	}()
	return s, nil
}
