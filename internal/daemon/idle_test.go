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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updatebus/swupdd/internal/config"
	"github.com/updatebus/swupdd/internal/metrics"
)

const testIdleTimeout = 25 * time.Millisecond

func newIdleTestDaemon(t *testing.T, spawner Spawner, bus *fakeBus) *Daemon {
	t.Helper()
	d := New(config.Default(), Options{
		Metrics: metrics.New(),
		Spawner: spawner,
	})
	d.idleTimeout = testIdleTimeout
	d.SetBus(bus)
	return d
}

func runDaemon(ctx context.Context, d *Daemon) <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not shut down")
		return nil
	}
}

func TestIdleShutdownClosesCleanly(t *testing.T) {
	bus := newFakeBus()
	bus.tryClose = []error{nil}
	d := newIdleTestDaemon(t, &fakeSpawner{child: &fakeChild{pid: 1}}, bus)

	err := waitDone(t, runDaemon(context.Background(), d))
	assert.NoError(t, err)
}

func TestIdleShutdownRetriesWhileBusBusy(t *testing.T) {
	bus := newFakeBus()
	bus.tryClose = []error{ErrBusBusy, ErrBusBusy, nil}
	d := newIdleTestDaemon(t, &fakeSpawner{child: &fakeChild{pid: 1}}, bus)

	err := waitDone(t, runDaemon(context.Background(), d))
	assert.NoError(t, err)
	assert.Empty(t, bus.tryClose, "every busy attempt retried after a fresh idle window")
}

func TestIdleShutdownFallsBackToNameRelease(t *testing.T) {
	bus := newFakeBus()
	d := newIdleTestDaemon(t, &fakeSpawner{child: &fakeChild{pid: 1}}, bus)

	done := runDaemon(context.Background(), d)

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return bus.released
	}, 2*time.Second, 5*time.Millisecond, "name should be released once idle")

	// Still draining: the daemon keeps serving until ownership clears.
	select {
	case err := <-done:
		t.Fatalf("daemon shut down before ownership cleared: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(bus.lost)
	err := waitDone(t, done)
	assert.NoError(t, err)
	assert.True(t, bus.closed)
}

func TestIdleWindowSuspendedWhileRequestActive(t *testing.T) {
	bus := newFakeBus()
	spawner := &fakeSpawner{child: &fakeChild{pid: 1}}
	d := newIdleTestDaemon(t, spawner, bus)

	accepted, _ := d.Update(nil)
	require.True(t, accepted)

	done := runDaemon(context.Background(), d)

	// Several idle windows pass; the active request holds shutdown off.
	select {
	case err := <-done:
		t.Fatalf("daemon shut down with a request in flight: %v", err)
	case <-time.After(4 * testIdleTimeout):
	}

	bus.mu.Lock()
	bus.tryClose = []error{nil}
	bus.mu.Unlock()
	d.handleExit(0)

	err := waitDone(t, done)
	assert.NoError(t, err)
	require.Len(t, bus.completions, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	bus := newFakeBus()
	d := newIdleTestDaemon(t, &fakeSpawner{child: &fakeChild{pid: 1}}, bus)
	d.idleTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := runDaemon(ctx, d)
	cancel()

	err := waitDone(t, done)
	assert.NoError(t, err)
	assert.True(t, bus.closed)
}
