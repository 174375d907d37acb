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
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/updatebus/swupdd/internal/config"
	intlog "github.com/updatebus/swupdd/internal/log"
)

// Signal member names on the daemon's interface.
const (
	signalRequestCompleted    = "requestCompleted"
	signalChildOutputReceived = "childOutputReceived"
)

var (
	// ErrBusBusy reports that the connection still has queued work and
	// must not be closed yet.
	ErrBusBusy = errors.New("bus connection still in use")

	// ErrTryCloseUnsupported reports that the connection cannot check for
	// queued work without destroying itself; shutdown must fall back to
	// releasing the name first.
	ErrTryCloseUnsupported = errors.New("non-destructive close not supported")

	// ErrNameTaken is returned when the well-known name is already owned.
	ErrNameTaken = errors.New("bus name already taken")
)

// Bus is the daemon's view of its message-bus connection: signal emission
// plus the idle-shutdown close protocol. The dispatcher never touches the
// connection directly, which keeps the request lifecycle testable without a
// running bus.
type Bus interface {
	// EmitCompleted publishes a requestCompleted signal.
	EmitCompleted(label string, status int) error

	// EmitOutput publishes a childOutputReceived signal.
	EmitOutput(text string) error

	// TryClose closes the connection only if no work is queued on it.
	// Returns ErrBusBusy when requests are pending, or
	// ErrTryCloseUnsupported when the implementation cannot tell.
	TryClose() error

	// ReleaseName gives up the well-known name and returns a channel that
	// closes once the bus reports the name has no owner. Requests queued
	// behind the release are still delivered before that happens.
	ReleaseName() (<-chan struct{}, error)

	// Close tears the connection down.
	Close() error
}

// BusConn is the godbus-backed Bus implementation.
type BusConn struct {
	conn   *dbus.Conn
	name   string
	path   dbus.ObjectPath
	iface  string
	logger *slog.Logger
}

// ConnectBus opens the system bus. Nothing is exported and no name is
// claimed until Export is called.
func ConnectBus(cfg *config.Config, logger *slog.Logger) (*BusConn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	return &BusConn{
		conn:   conn,
		name:   cfg.BusName,
		path:   dbus.ObjectPath(cfg.ObjectPath),
		iface:  cfg.BusName,
		logger: logger,
	}, nil
}

// Export publishes the dispatcher's methods under the original wire names
// and claims the well-known name.
func (b *BusConn) Export(d *Daemon) error {
	methods := map[string]interface{}{
		"checkUpdate":  d.CheckUpdate,
		"update":       d.Update,
		"verify":       d.Verify,
		"bundleAdd":    d.BundleAdd,
		"bundleRemove": d.BundleRemove,
		"cancel":       d.Cancel,
	}
	if err := b.conn.ExportMethodTable(methods, b.path, b.iface); err != nil {
		return fmt.Errorf("failed to export method table: %w", err)
	}

	if err := b.conn.Export(introspect.NewIntrospectable(b.introspection()), b.path,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection data: %w", err)
	}

	reply, err := b.conn.RequestName(b.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name %s: %w", b.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s", ErrNameTaken, b.name)
	}

	b.logger.Info("bus name acquired", intlog.String(intlog.BusNameKey, b.name))
	return nil
}

// EmitCompleted publishes a requestCompleted signal.
func (b *BusConn) EmitCompleted(label string, status int) error {
	return b.conn.Emit(b.path, b.iface+"."+signalRequestCompleted, label, int32(status))
}

// EmitOutput publishes a childOutputReceived signal.
func (b *BusConn) EmitOutput(text string) error {
	return b.conn.Emit(b.path, b.iface+"."+signalChildOutputReceived, text)
}

// TryClose always reports unsupported: godbus offers no way to check for
// queued inbound requests without destroying the connection, so shutdown
// takes the name-release path.
func (b *BusConn) TryClose() error {
	return ErrTryCloseUnsupported
}

// ReleaseName unregisters the well-known name and watches the bus's own
// NameOwnerChanged signal for the moment ownership drops to nobody. The
// match is installed before the release so the transition cannot be missed.
func (b *BusConn) ReleaseName() (<-chan struct{}, error) {
	names := b.conn.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("connection has no unique name")
	}
	unique := names[0]

	if err := b.conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchObjectPath("/org/freedesktop/DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, b.name),
	); err != nil {
		return nil, fmt.Errorf("failed to add NameOwnerChanged match: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)

	if _, err := b.conn.ReleaseName(b.name); err != nil {
		return nil, fmt.Errorf("failed to release name %s: %w", b.name, err)
	}

	lost := make(chan struct{})
	go func() {
		for sig := range signals {
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			oldOwner, _ := sig.Body[1].(string)
			newOwner, _ := sig.Body[2].(string)
			if name == b.name && oldOwner == string(unique) && newOwner == "" {
				close(lost)
				return
			}
		}
	}()

	b.logger.Info("bus name released, draining queued requests",
		intlog.String(intlog.BusNameKey, b.name))
	return lost, nil
}

// Close tears the connection down.
func (b *BusConn) Close() error {
	return b.conn.Close()
}

// introspection describes the exported interface for
// org.freedesktop.DBus.Introspectable consumers.
func (b *BusConn) introspection() *introspect.Node {
	return &introspect.Node{
		Name: string(b.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: b.iface,
				Methods: []introspect.Method{
					{Name: "checkUpdate", Args: []introspect.Arg{
						{Name: "options", Type: "a{sv}", Direction: "in"},
						{Name: "bundle", Type: "s", Direction: "in"},
						{Name: "accepted", Type: "b", Direction: "out"},
					}},
					{Name: "update", Args: []introspect.Arg{
						{Name: "options", Type: "a{sv}", Direction: "in"},
						{Name: "accepted", Type: "b", Direction: "out"},
					}},
					{Name: "verify", Args: []introspect.Arg{
						{Name: "options", Type: "a{sv}", Direction: "in"},
						{Name: "accepted", Type: "b", Direction: "out"},
					}},
					{Name: "bundleAdd", Args: []introspect.Arg{
						{Name: "options", Type: "a{sv}", Direction: "in"},
						{Name: "bundles", Type: "as", Direction: "in"},
						{Name: "accepted", Type: "b", Direction: "out"},
					}},
					{Name: "bundleRemove", Args: []introspect.Arg{
						{Name: "options", Type: "a{sv}", Direction: "in"},
						{Name: "bundle", Type: "s", Direction: "in"},
						{Name: "accepted", Type: "b", Direction: "out"},
					}},
					{Name: "cancel", Args: []introspect.Arg{
						{Name: "force", Type: "b", Direction: "in"},
						{Name: "accepted", Type: "b", Direction: "out"},
					}},
				},
				Signals: []introspect.Signal{
					{Name: signalRequestCompleted, Args: []introspect.Arg{
						{Name: "operation", Type: "s"},
						{Name: "status", Type: "i"},
					}},
					{Name: signalChildOutputReceived, Args: []introspect.Arg{
						{Name: "text", Type: "s"},
					}},
				},
			},
		},
	}
}
