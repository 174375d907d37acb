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

// Package daemon dispatches bus method calls into supervised invocations of
// the update client. At most one request is in flight at any time; every
// further call is refused with a false reply until the running child exits
// and its completion signal has been emitted.
package daemon

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/updatebus/swupdd/internal/config"
	intlog "github.com/updatebus/swupdd/internal/log"
	"github.com/updatebus/swupdd/internal/metrics"
	"github.com/updatebus/swupdd/internal/supervisor"
	"github.com/updatebus/swupdd/internal/swupd"
)

var (
	// ErrBusy reports that another request already holds the daemon.
	ErrBusy = errors.New("another request is in flight")

	// ErrNoActiveRequest reports a cancel with nothing to cancel.
	ErrNoActiveRequest = errors.New("no active request")
)

// Child is the subset of the supervised-process handle the dispatcher needs.
type Child interface {
	PID() int
	Interrupt() error
	Kill() error
}

// Spawner launches the update client and reports output and exit through
// the callbacks it was constructed with.
type Spawner interface {
	Spawn(args []string) (Child, error)
}

// Daemon owns the request lifecycle: it validates incoming bus calls,
// spawns the update client, relays its output, and emits the completion
// signal when the child exits.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	spawner Spawner

	mu        sync.Mutex
	bus       Bus
	op        swupd.Operation
	child     Child
	requestID string

	idleTimeout time.Duration
	completed   chan struct{}
}

// Options carries daemon collaborators. Bus is attached separately once the
// connection is exported; Spawner defaults to a supervisor wired to the
// daemon's own relay and completion paths.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Spawner Spawner
}

// New constructs a Daemon from configuration.
func New(cfg *config.Config, opts Options) *Daemon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	d := &Daemon{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		idleTimeout: cfg.IdleTimeout(),
		completed:   make(chan struct{}, 1),
	}

	if opts.Spawner != nil {
		d.spawner = opts.Spawner
	} else {
		sup := supervisor.New(supervisor.Config{
			Mirror:   os.Stdout,
			OnOutput: d.handleOutput,
			OnExit:   d.handleExit,
			Logger:   intlog.WithComponent(logger, "supervisor"),
		})
		d.spawner = supervisorSpawner{sup}
	}
	return d
}

// SetBus attaches the exported bus connection. Must be called before Run.
func (d *Daemon) SetBus(bus Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = bus
}

// Active reports whether a request is currently in flight.
func (d *Daemon) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.op != swupd.OpNone
}

// CheckUpdate handles the checkUpdate bus method.
func (d *Daemon) CheckUpdate(options map[string]dbus.Variant, bundle string) (bool, *dbus.Error) {
	return d.dispatch(swupd.OpCheckUpdate, options, []string{bundle}), nil
}

// Update handles the update bus method.
func (d *Daemon) Update(options map[string]dbus.Variant) (bool, *dbus.Error) {
	return d.dispatch(swupd.OpUpdate, options, nil), nil
}

// Verify handles the verify bus method.
func (d *Daemon) Verify(options map[string]dbus.Variant) (bool, *dbus.Error) {
	return d.dispatch(swupd.OpVerify, options, nil), nil
}

// BundleAdd handles the bundleAdd bus method.
func (d *Daemon) BundleAdd(options map[string]dbus.Variant, bundles []string) (bool, *dbus.Error) {
	return d.dispatch(swupd.OpBundleAdd, options, bundles), nil
}

// BundleRemove handles the bundleRemove bus method.
func (d *Daemon) BundleRemove(options map[string]dbus.Variant, bundle string) (bool, *dbus.Error) {
	return d.dispatch(swupd.OpBundleRemove, options, []string{bundle}), nil
}

// Cancel handles the cancel bus method. With force the child is killed
// outright; otherwise it gets an interrupt and is left to clean up. Either
// way the request stays active until the child actually exits.
func (d *Daemon) Cancel(force bool) (bool, *dbus.Error) {
	d.mu.Lock()
	child := d.child
	op := d.op
	requestID := d.requestID
	d.mu.Unlock()

	if child == nil {
		d.logger.Info("cancel refused", intlog.Error(ErrNoActiveRequest))
		return false, nil
	}

	logger := d.logger.With(
		intlog.String(intlog.OperationKey, op.String()),
		intlog.String(intlog.RequestIDKey, requestID),
		intlog.Int(intlog.PIDKey, child.PID()),
	)

	var err error
	mode := "interrupt"
	if force {
		mode = "kill"
		err = child.Kill()
	} else {
		err = child.Interrupt()
	}
	if err != nil {
		logger.Error("failed to signal child", intlog.Error(err))
		return false, nil
	}

	d.metrics.CancellationsTotal.WithLabelValues(mode).Inc()
	logger.Info("cancellation signal delivered", intlog.String("mode", mode))
	return true, nil
}

// dispatch is the single entry point behind every operation method. The
// lock is held across the spawn so two concurrent calls can never both see
// an idle daemon.
func (d *Daemon) dispatch(op swupd.Operation, options map[string]dbus.Variant, bundles []string) bool {
	logger := d.logger.With(intlog.String(intlog.OperationKey, op.String()))

	d.mu.Lock()
	if d.op != swupd.OpNone {
		active := d.op
		d.mu.Unlock()
		d.metrics.RequestsTotal.WithLabelValues(op.String(), metrics.OutcomeBusy).Inc()
		logger.Info("request refused", intlog.Error(ErrBusy),
			intlog.String("active_operation", active.String()))
		return false
	}

	args, err := swupd.BuildArgs(d.cfg.ToolPath, op, variantValues(options), bundles)
	if err != nil {
		d.mu.Unlock()
		d.metrics.RequestsTotal.WithLabelValues(op.String(), metrics.OutcomeRejected).Inc()
		logger.Error("invalid request arguments", intlog.Error(err))
		return false
	}

	child, err := d.spawner.Spawn(args)
	if err != nil {
		d.mu.Unlock()
		d.metrics.RequestsTotal.WithLabelValues(op.String(), metrics.OutcomeRejected).Inc()
		logger.Error("failed to spawn update client", intlog.Error(err))
		return false
	}

	d.op = op
	d.child = child
	d.requestID = uuid.NewString()
	requestID := d.requestID
	d.mu.Unlock()

	d.metrics.RequestsTotal.WithLabelValues(op.String(), metrics.OutcomeAccepted).Inc()
	logger.Info("request accepted",
		intlog.String(intlog.RequestIDKey, requestID),
		intlog.Int(intlog.PIDKey, child.PID()))
	return true
}

// handleOutput relays one chunk of child output as a bus signal.
func (d *Daemon) handleOutput(text string) {
	d.metrics.OutputBytesTotal.Add(float64(len(text)))

	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		return
	}
	if err := bus.EmitOutput(text); err != nil {
		d.logger.Error("failed to emit output signal", intlog.Error(err))
	}
}

// handleExit clears the in-flight request and emits the completion signal.
// The daemon accepts new requests as soon as the state is cleared; signal
// emission happens outside the lock.
func (d *Daemon) handleExit(status int) {
	d.mu.Lock()
	op := d.op
	requestID := d.requestID
	bus := d.bus
	d.op = swupd.OpNone
	d.child = nil
	d.requestID = ""
	d.mu.Unlock()

	if op == swupd.OpNone {
		d.logger.Warn("child exit with no active request",
			intlog.Int(intlog.ExitStatusKey, status))
		return
	}

	label, err := op.Label()
	if err != nil {
		d.logger.Error("unlabelable operation completed", intlog.Error(err))
		return
	}

	logger := d.logger.With(
		intlog.String(intlog.OperationKey, op.String()),
		intlog.String(intlog.RequestIDKey, requestID),
	)

	success := "false"
	if status == 0 {
		success = "true"
	}
	d.metrics.CompletionsTotal.WithLabelValues(op.String(), success).Inc()

	if bus != nil {
		if err := bus.EmitCompleted(label, status); err != nil {
			logger.Error("failed to emit completion signal", intlog.Error(err))
		}
	}
	logger.Info("request completed", intlog.Int(intlog.ExitStatusKey, status))

	// Restart the idle window.
	select {
	case d.completed <- struct{}{}:
	default:
	}
}

// variantValues unwraps bus variants into plain Go values for validation.
func variantValues(options map[string]dbus.Variant) map[string]any {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]any, len(options))
	for name, v := range options {
		out[name] = v.Value()
	}
	return out
}

// supervisorSpawner adapts the concrete supervisor to the Spawner interface.
type supervisorSpawner struct {
	sup *supervisor.Supervisor
}

func (s supervisorSpawner) Spawn(args []string) (Child, error) {
	child, err := s.sup.Spawn(args)
	if err != nil {
		return nil, err
	}
	return child, nil
}
