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

// Package swupd describes the update client's operations: the sub-commands
// the swupd executable understands, the labels used in completion signals
// and the options each operation accepts.
package swupd

import (
	"errors"
	"fmt"
)

// Operation is the kind of update action performed on behalf of one request.
type Operation int

const (
	// OpNone means no request is in flight.
	OpNone Operation = iota
	// OpCheckUpdate checks whether a newer OS version is available.
	OpCheckUpdate
	// OpUpdate updates the OS to the latest version.
	OpUpdate
	// OpVerify verifies (and optionally fixes) installed content.
	OpVerify
	// OpBundleAdd installs one or more bundles.
	OpBundleAdd
	// OpBundleRemove removes a bundle.
	OpBundleRemove
)

// ErrUnknownOperation is returned for an Operation with no table entry.
var ErrUnknownOperation = errors.New("unknown operation")

// spec describes one operation: the sub-command handed to the tool, the
// label reported in completion signals and the option allow-lists.
type spec struct {
	subcommand string
	label      string
	stringOpts []string
	boolOpts   []string
}

// specs is the dispatch table. Option slices are in emission order: argument
// vectors list allowed string options first, then boolean options, each in
// the order declared here.
var specs = map[Operation]spec{
	OpCheckUpdate: {
		subcommand: "check-update",
		label:      "checkUpdate",
		stringOpts: []string{"url"},
	},
	OpUpdate: {
		subcommand: "update",
		label:      "update",
		stringOpts: []string{"url", "contenturl", "versionurl", "log"},
	},
	OpVerify: {
		subcommand: "verify",
		label:      "verify",
		stringOpts: []string{"url", "contenturl", "versionurl", "log"},
		boolOpts:   []string{"fix"},
	},
	OpBundleAdd: {
		subcommand: "bundle-add",
		label:      "bundleAdd",
		stringOpts: []string{"url"},
		boolOpts:   []string{"list"},
	},
	OpBundleRemove: {
		subcommand: "bundle-remove",
		label:      "bundleRemove",
		stringOpts: []string{"url"},
	},
}

// String returns the operation's sub-command token, or "none".
func (op Operation) String() string {
	if op == OpNone {
		return "none"
	}
	s, ok := specs[op]
	if !ok {
		return fmt.Sprintf("operation(%d)", int(op))
	}
	return s.subcommand
}

// Label returns the operation name reported in completion signals.
func (op Operation) Label() (string, error) {
	s, ok := specs[op]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownOperation, int(op))
	}
	return s.label, nil
}
