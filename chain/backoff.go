// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// DefaultJitter is the jitter scaler used by reconnect backoffs.
const DefaultJitter = 0.2

// Backoff computes jittered, exponentially growing reconnect delays.
type Backoff struct {
	// min and max bound the base delay.
	min time.Duration
	max time.Duration

	// scaler defines the jitter scaler. A delay d is drawn uniformly from
	// [d * (1 - scaler), d * (1 + scaler)], with a zero lower bound when
	// scaler > 1.
	//
	// NOTE: when scaler is 0, the delays are exact powers of two of min.
	scaler float64

	// current is the base delay of the next attempt. Zero means the
	// backoff was reset.
	current time.Duration
}

// NewBackoff returns a backoff starting at min and doubling up to max.
func NewBackoff(min, max time.Duration, jitter float64) *Backoff {
	if max < min {
		max = min
	}

	// Validate the scaler early rather than on the first failure.
	calculateMinMax(min, jitter)

	return &Backoff{
		min:    min,
		max:    max,
		scaler: jitter,
	}
}

// Next returns the delay to wait before the next attempt and doubles the base
// delay for the attempt after it.
func (b *Backoff) Next() time.Duration {
	d := b.current
	if d == 0 {
		d = b.min
	}

	b.current = d * 2
	if b.current > b.max {
		b.current = b.max
	}

	lo, hi := calculateMinMax(d, b.scaler)
	if hi == lo {
		return d
	}

	return time.Duration(rand.Int63n(hi-lo) + lo) //nolint:gosec
}

// Reset brings the base delay back to its minimum. It is called once a
// connection has delivered an event.
func (b *Backoff) Reset() {
	b.current = 0
}

// Wait blocks for the next delay or until quit is closed, returning false in
// the latter case.
func (b *Backoff) Wait(quit <-chan struct{}) bool {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-timer.C:
		return true

	case <-quit:
		return false
	}
}

// calculateMinMax calculates the min and max duration values. If the
// calculated min is negative, it will be set to 0.
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	// If the scaler is negative, we will panic.
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	min := math.Floor(float64(d) * (1 - scaler))
	max := math.Ceil(float64(d) * (1 + scaler))

	// If the scaler is greater than 1, we would use a zero min instead of
	// a negative one.
	if 1-scaler < 0 {
		min = 0
	}

	return int64(min), int64(max)
}
