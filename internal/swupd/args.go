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

package swupd

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOption is returned when an allow-listed option carries a
	// value of the wrong type.
	ErrInvalidOption = errors.New("invalid option value")

	// ErrMissingBundle is returned when an operation requires bundle names
	// and none were supplied.
	ErrMissingBundle = errors.New("missing bundle name")
)

// BuildArgs translates a request into the argument vector for the update
// client: tool name, sub-command, allowed option flags and positional bundle
// names, in that order.
//
// Option values must be string or bool. A string option is emitted as the
// token pair "--name value"; a bool option as the single token "--name" when
// true and nothing when false. Option names not on the operation's
// allow-list are skipped without error. Flags are emitted in allow-list
// declaration order, so the result is independent of map iteration order.
func BuildArgs(tool string, op Operation, options map[string]any, bundles []string) ([]string, error) {
	s, ok := specs[op]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOperation, int(op))
	}

	args := []string{tool, s.subcommand}

	for _, name := range s.stringOpts {
		value, present := options[name]
		if !present {
			continue
		}
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: option %q wants a string, got %T", ErrInvalidOption, name, value)
		}
		args = append(args, "--"+name, str)
	}

	for _, name := range s.boolOpts {
		value, present := options[name]
		if !present {
			continue
		}
		flag, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: option %q wants a bool, got %T", ErrInvalidOption, name, value)
		}
		if flag {
			args = append(args, "--"+name)
		}
	}

	switch op {
	case OpCheckUpdate, OpBundleRemove:
		if len(bundles) != 1 || bundles[0] == "" {
			return nil, fmt.Errorf("%w: %s takes exactly one bundle", ErrMissingBundle, s.subcommand)
		}
	case OpBundleAdd:
		if len(bundles) == 0 {
			return nil, fmt.Errorf("%w: %s takes at least one bundle", ErrMissingBundle, s.subcommand)
		}
	default:
		if len(bundles) != 0 {
			return nil, fmt.Errorf("%s takes no bundle names", s.subcommand)
		}
	}
	for _, bundle := range bundles {
		if bundle == "" {
			return nil, fmt.Errorf("%w: empty bundle name", ErrMissingBundle)
		}
	}
	args = append(args, bundles...)

	return args, nil
}
