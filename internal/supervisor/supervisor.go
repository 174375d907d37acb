// Copyright 2025 The swupdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor owns the single child process spawned per request: it
// starts the update client with its combined output redirected into a pipe,
// relays output chunks as they arrive and reaps the exit status without
// ever blocking the caller.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	intlog "github.com/updatebus/swupdd/internal/log"
)

// OutputChunkSize bounds one relayed output chunk. It matches PIPE_BUF so a
// chunk never exceeds what the kernel writes atomically into the pipe.
const OutputChunkSize = 4096

// ErrEmptyArgs is returned when Spawn is called without an argument vector.
var ErrEmptyArgs = errors.New("empty argument vector")

// Config configures a Supervisor.
type Config struct {
	// Mirror receives a copy of every output chunk, keeping the child's
	// text visible in the daemon's own stdout for co-located logging.
	// nil disables mirroring.
	Mirror io.Writer

	// OnOutput is invoked for every output chunk, in read order.
	OnOutput func(text string)

	// OnExit is invoked exactly once after the child has been reaped,
	// with the shell-convention exit status (128+signal for a signalled
	// child). It may run before or after the final OnOutput call; the
	// two streams are independent.
	OnExit func(status int)

	// Logger for relay and reap diagnostics. nil uses slog.Default.
	Logger *slog.Logger
}

// Supervisor spawns the external update client and observes it
// asynchronously. It holds no request state itself; the caller enforces the
// single-child invariant before calling Spawn.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Child is a handle to one spawned process.
type Child struct {
	pid int
	cmd *exec.Cmd
	out *os.File
}

// PID returns the child's process identifier.
func (c *Child) PID() int {
	return c.pid
}

// Interrupt delivers a cooperative termination signal to the child.
func (c *Child) Interrupt() error {
	return c.cmd.Process.Signal(syscall.SIGINT)
}

// Kill terminates the child unconditionally.
func (c *Child) Kill() error {
	return c.cmd.Process.Kill()
}

// Spawn starts the process described by args (program name first) with
// stdout and stderr combined into a single pipe. On success the relay and
// reaper run in the background; OnOutput and OnExit report progress and
// completion. On failure nothing is left running and no callbacks fire.
func (s *Supervisor) Spawn(args []string) (*Child, error) {
	if len(args) == 0 {
		return nil, ErrEmptyArgs
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start %s: %w", args[0], err)
	}

	// The child holds its own copy of the write end; ours must go away or
	// the relay would never see end-of-stream.
	pw.Close()

	child := &Child{pid: cmd.Process.Pid, cmd: cmd, out: pr}

	s.logger.Debug("child spawned",
		intlog.Int(intlog.PIDKey, child.pid),
		intlog.String("argv0", args[0]))

	go s.relay(child)
	go s.reap(child)

	return child, nil
}

// relay forwards the child's output until end-of-stream. Chunks are
// delivered in read order. A read error is logged and retires the relay the
// same way end-of-stream does; the exit status still arrives via reap.
func (s *Supervisor) relay(child *Child) {
	defer child.out.Close()

	buf := make([]byte, OutputChunkSize)
	for {
		n, err := child.out.Read(buf)
		if n > 0 {
			if s.cfg.Mirror != nil {
				s.cfg.Mirror.Write(buf[:n])
			}
			if s.cfg.OnOutput != nil {
				s.cfg.OnOutput(string(buf[:n]))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("failed to read child output",
					intlog.Int(intlog.PIDKey, child.pid),
					intlog.Error(err))
			}
			return
		}
	}
}

// reap waits for the child and reports its status exactly once.
func (s *Supervisor) reap(child *Child) {
	status := exitStatus(child.cmd.Wait())

	s.logger.Debug("child reaped",
		intlog.Int(intlog.PIDKey, child.pid),
		intlog.Int(intlog.ExitStatusKey, status))

	if s.cfg.OnExit != nil {
		s.cfg.OnExit(status)
	}
}

// exitStatus converts a Wait result into the shell exit-status convention:
// raw code for a normal exit, 128+signal for a signalled child.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}

	// Wait itself failed; there is no status to report.
	return -1
}
