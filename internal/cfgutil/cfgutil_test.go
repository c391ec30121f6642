// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

// TestNormalizeAddresses tests adding default ports and removing duplicates.
func TestNormalizeAddresses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addrs   []string
		want    []string
		wantErr bool
	}{
		{
			name:  "default port",
			addrs: []string{"127.0.0.1", "::1"},
			want:  []string{"127.0.0.1:8090", "[::1]:8090"},
		},
		{
			name:  "explicit port and duplicate",
			addrs: []string{"localhost:9000", "localhost:9000"},
			want:  []string{"localhost:9000"},
		},
		{
			name:    "invalid",
			addrs:   []string{"[::1"},
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeAddresses(test.addrs, "8090")
			if test.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

// TestIsLoopback tests loopback host detection.
func TestIsLoopback(t *testing.T) {
	t.Parallel()

	require.True(t, IsLoopback("localhost"))
	require.True(t, IsLoopback("127.0.0.1"))
	require.True(t, IsLoopback("::1"))
	require.False(t, IsLoopback("10.0.0.1"))
	require.False(t, IsLoopback("node.example.com"))
}

// TestExplicitString tests that only values parsed by go-flags count as
// explicitly set.
func TestExplicitString(t *testing.T) {
	t.Parallel()

	type options struct {
		DSN *ExplicitString `long:"dsn"`
	}

	opts := options{DSN: NewExplicitString("default")}
	_, err := flags.ParseArgs(&opts, nil)
	require.NoError(t, err)
	require.False(t, opts.DSN.ExplicitlySet())
	require.Equal(t, "default", opts.DSN.Value)

	opts = options{DSN: NewExplicitString("default")}
	_, err = flags.ParseArgs(&opts, []string{"--dsn", "postgres://x"})
	require.NoError(t, err)
	require.True(t, opts.DSN.ExplicitlySet())
	require.Equal(t, "postgres://x", opts.DSN.Value)
}

// TestFileExists tests FileExists on present and missing paths.
func TestFileExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	exists, err := FileExists(dir)
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, exists)
}
