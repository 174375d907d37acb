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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	sysdaemon "github.com/coreos/go-systemd/v22/daemon"

	intlog "github.com/updatebus/swupdd/internal/log"
)

// Run blocks until the daemon shuts itself down after an idle window with
// no in-flight request, or until ctx is cancelled. The idle window restarts
// on every request completion; while a child is running the window expiring
// is a no-op.
//
// Shutdown first attempts a non-destructive close. When the connection
// cannot support that, the daemon releases its well-known name instead and
// keeps serving until the bus confirms the name has no owner, so requests
// already queued against the old owner are not silently dropped.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := sysdaemon.SdNotify(false, sysdaemon.SdNotifyReady+"\nSTATUS=Awaiting requests"); err != nil {
		d.logger.Warn("failed to notify readiness", intlog.Error(err))
	}
	d.logger.Info("daemon ready",
		intlog.String(intlog.BusNameKey, d.cfg.BusName),
		intlog.String("idle_timeout", d.idleTimeout.String()))

	timer := newIdleTimer(d.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.notifyStopping()
			return d.closeBus()

		case <-d.completed:
			timer.Restart()

		case <-timer.C():
			if d.Active() {
				timer.Restart()
				continue
			}

			err := d.tryClose()
			switch {
			case err == nil:
				d.notifyStopping()
				d.logger.Info("idle, connection closed cleanly")
				return nil
			case errors.Is(err, ErrBusBusy):
				d.logger.Debug("idle window expired but connection busy")
				timer.Restart()
			case errors.Is(err, ErrTryCloseUnsupported):
				return d.releaseAndDrain(ctx)
			default:
				d.notifyStopping()
				return fmt.Errorf("failed to close bus connection: %w", err)
			}
		}
	}
}

// tryClose attempts the non-destructive close. A busy result leaves the
// daemon running, so shutdown must not be announced here.
func (d *Daemon) tryClose() error {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.TryClose()
}

// releaseAndDrain is the fallback shutdown: announce stopping, give up the
// well-known name, keep dispatching until the bus confirms nobody owns it,
// then close.
func (d *Daemon) releaseAndDrain(ctx context.Context) error {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		return nil
	}

	d.notifyStopping()
	lost, err := bus.ReleaseName()
	if err != nil {
		return fmt.Errorf("failed to release bus name: %w", err)
	}

	select {
	case <-lost:
		d.logger.Info("bus name ownership cleared, shutting down")
	case <-ctx.Done():
		d.logger.Info("shutdown requested while draining")
	}
	return bus.Close()
}

func (d *Daemon) closeBus() error {
	d.mu.Lock()
	bus := d.bus
	d.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Close()
}

func (d *Daemon) notifyStopping() {
	if _, err := sysdaemon.SdNotify(false, sysdaemon.SdNotifyStopping); err != nil {
		d.logger.Warn("failed to notify stopping", intlog.Error(err))
	}
}

// idleTimer wraps time.Timer with a safe restart that drains a fired but
// unread channel first.
type idleTimer struct {
	t *time.Timer
	d time.Duration
}

func newIdleTimer(d time.Duration) *idleTimer {
	return &idleTimer{t: time.NewTimer(d), d: d}
}

func (it *idleTimer) C() <-chan time.Time {
	return it.t.C
}

func (it *idleTimer) Restart() {
	if !it.t.Stop() {
		select {
		case <-it.t.C:
		default:
		}
	}
	it.t.Reset(it.d)
}

func (it *idleTimer) Stop() {
	it.t.Stop()
}
