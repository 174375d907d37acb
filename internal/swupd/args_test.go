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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		options map[string]any
		bundles []string
		want    []string
		wantErr error
	}{
		{
			name:    "update with url",
			op:      OpUpdate,
			options: map[string]any{"url": "http://example"},
			want:    []string{"swupd", "update", "--url", "http://example"},
		},
		{
			name: "update with all string options in declaration order",
			op:   OpUpdate,
			options: map[string]any{
				"log":        "/tmp/swupd.log",
				"versionurl": "http://v",
				"url":        "http://u",
				"contenturl": "http://c",
			},
			want: []string{
				"swupd", "update",
				"--url", "http://u",
				"--contenturl", "http://c",
				"--versionurl", "http://v",
				"--log", "/tmp/swupd.log",
			},
		},
		{
			name:    "update with no options",
			op:      OpUpdate,
			options: map[string]any{},
			want:    []string{"swupd", "update"},
		},
		{
			name:    "unknown options are skipped",
			op:      OpUpdate,
			options: map[string]any{"url": "http://u", "bogus": "x", "force": true},
			want:    []string{"swupd", "update", "--url", "http://u"},
		},
		{
			name:    "verify fix true emits single token",
			op:      OpVerify,
			options: map[string]any{"fix": true},
			want:    []string{"swupd", "verify", "--fix"},
		},
		{
			name:    "verify fix false emits nothing",
			op:      OpVerify,
			options: map[string]any{"fix": false},
			want:    []string{"swupd", "verify"},
		},
		{
			name:    "bundle-add with list and bundles",
			op:      OpBundleAdd,
			options: map[string]any{"list": true},
			bundles: []string{"a", "b"},
			want:    []string{"swupd", "bundle-add", "--list", "a", "b"},
		},
		{
			name:    "bundle-add options precede positionals",
			op:      OpBundleAdd,
			options: map[string]any{"url": "http://u", "list": true},
			bundles: []string{"editors"},
			want:    []string{"swupd", "bundle-add", "--url", "http://u", "--list", "editors"},
		},
		{
			name:    "check-update with bundle",
			op:      OpCheckUpdate,
			options: map[string]any{},
			bundles: []string{"os-core"},
			want:    []string{"swupd", "check-update", "os-core"},
		},
		{
			name:    "bundle-remove",
			op:      OpBundleRemove,
			options: map[string]any{"url": "http://u"},
			bundles: []string{"games"},
			want:    []string{"swupd", "bundle-remove", "--url", "http://u", "games"},
		},
		{
			name:    "string option with bool value fails",
			op:      OpUpdate,
			options: map[string]any{"url": true},
			wantErr: ErrInvalidOption,
		},
		{
			name:    "bool option with string value fails",
			op:      OpVerify,
			options: map[string]any{"fix": "yes"},
			wantErr: ErrInvalidOption,
		},
		{
			name:    "bundle-add without bundles fails",
			op:      OpBundleAdd,
			options: map[string]any{},
			wantErr: ErrMissingBundle,
		},
		{
			name:    "check-update with empty bundle fails",
			op:      OpCheckUpdate,
			options: map[string]any{},
			bundles: []string{""},
			wantErr: ErrMissingBundle,
		},
		{
			name:    "bundle-remove without bundle fails",
			op:      OpBundleRemove,
			options: map[string]any{},
			wantErr: ErrMissingBundle,
		},
		{
			name:    "unknown operation fails",
			op:      Operation(42),
			wantErr: ErrUnknownOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgs("swupd", tt.op, tt.options, tt.bundles)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "error %v should wrap %v", err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildArgsToolPath(t *testing.T) {
	got, err := BuildArgs("/usr/bin/swupd", OpUpdate, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/swupd", "update"}, got)
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "none", OpNone.String())
	assert.Equal(t, "check-update", OpCheckUpdate.String())
	assert.Equal(t, "bundle-add", OpBundleAdd.String())
}

func TestOperationLabel(t *testing.T) {
	for op, want := range map[Operation]string{
		OpCheckUpdate:  "checkUpdate",
		OpUpdate:       "update",
		OpVerify:       "verify",
		OpBundleAdd:    "bundleAdd",
		OpBundleRemove: "bundleRemove",
	} {
		label, err := op.Label()
		require.NoError(t, err)
		assert.Equal(t, want, label)
	}

	_, err := OpNone.Label()
	assert.ErrorIs(t, err, ErrUnknownOperation)
}
