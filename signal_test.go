// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestShutdownCoordinator tests that a shutdown, whether signaled or
// requested, runs every handler once in LIFO order.
func TestShutdownCoordinator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trigger func(c *shutdownCoordinator)
	}{
		{
			name: "signal",
			trigger: func(c *shutdownCoordinator) {
				c.sigs <- os.Interrupt
			},
		},
		{
			name: "halted component",
			trigger: func(c *shutdownCoordinator) {
				c.request(errors.New("synchronizer halted"))
				c.request(errors.New("dropped"))
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c := newShutdownCoordinator()
			go c.run()

			var order []int
			for i := 0; i < 3; i++ {
				c.onShutdown(func() {
					order = append(order, i)
				})
			}

			test.trigger(c)

			select {
			case <-c.done:
			case <-time.After(5 * time.Second):
				t.Fatal("handlers did not run")
			}
			require.Equal(t, []int{2, 1, 0}, order)

			// Late handlers are not run and do not block.
			c.onShutdown(func() {
				t.Error("late handler ran")
			})
			c.request(errors.New("late"))
		})
	}
}
