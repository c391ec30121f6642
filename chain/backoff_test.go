// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCalculateMinMax tests the calculation of the min and max jitter values.
func TestCalculateMinMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		duration int64
		scaler   float64
		expected struct {
			min int64
			max int64
		}
	}{
		{
			name:     "Scaler is 0",
			duration: 1000,
			scaler:   0,
			expected: struct{ min, max int64 }{1000, 1000},
		},
		{
			name:     "Scaler is 0.5",
			duration: 1000,
			scaler:   0.5,
			expected: struct{ min, max int64 }{500, 1500},
		},
		{
			name:     "Scaler is 1",
			duration: 1000,
			scaler:   1,
			expected: struct{ min, max int64 }{0, 2000},
		},
		{
			name:     "Scaler is greater than 1",
			duration: 1000,
			scaler:   1.5,
			expected: struct{ min, max int64 }{0, 2500},
		},
		{
			name:     "Negative scaler",
			duration: 1000,
			scaler:   -0.5,
			expected: struct{ min, max int64 }{0, 0},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Catch the panic if the scaler is negative.
			if tc.scaler < 0 {
				defer func() {
					require.NotNil(t, recover(),
						"expect panic")
				}()
			}

			min, max := calculateMinMax(
				time.Duration(tc.duration), tc.scaler,
			)
			require.Equal(t, tc.expected.min, min)
			require.Equal(t, tc.expected.max, max)
		})
	}
}

// TestBackoffGrowth tests that delays double up to the maximum, stay within
// the jitter bounds and restart from the minimum after a reset.
func TestBackoffGrowth(t *testing.T) {
	t.Parallel()

	b := NewBackoff(100*time.Millisecond, time.Second, 0)

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for _, want := range expected {
		require.Equal(t, want, b.Next())
	}

	b.Reset()
	require.Equal(t, 100*time.Millisecond, b.Next())

	jittered := NewBackoff(time.Second, time.Minute, DefaultJitter)
	for i := 0; i < 20; i++ {
		base := jittered.current
		if base == 0 {
			base = jittered.min
		}

		d := jittered.Next()
		require.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
		require.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
	}
}

// TestBackoffWait tests that a wait is interrupted by quit.
func TestBackoffWait(t *testing.T) {
	t.Parallel()

	quit := make(chan struct{})
	close(quit)

	b := NewBackoff(time.Hour, time.Hour, 0)
	require.False(t, b.Wait(quit))

	fast := NewBackoff(time.Millisecond, time.Millisecond, 0)
	require.True(t, fast.Wait(make(chan struct{})))
}
