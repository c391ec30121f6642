// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"sync"
)

// signals defines the signals that are handled to do a clean shutdown.
// Conditional compilation is used to also include SIGTERM on Unix.
var signals = []os.Signal{os.Interrupt}

// shutdownCoordinator runs the shutdown handlers once, on the first of an
// OS signal or a request from a component that cannot go on, such as the
// synchronizer after a fatal error. Handlers run in LIFO order so the
// components registered last are stopped first.
type shutdownCoordinator struct {
	sigs     chan os.Signal
	requests chan error
	add      chan func()

	// done is closed once every handler returned.
	done chan struct{}
}

func newShutdownCoordinator() *shutdownCoordinator {
	return &shutdownCoordinator{
		sigs:     make(chan os.Signal, 1),
		requests: make(chan error, 1),
		add:      make(chan func()),
		done:     make(chan struct{}),
	}
}

// run waits for the shutdown trigger. It must be run as a goroutine.
func (c *shutdownCoordinator) run() {
	var handlers []func()
	for {
		select {
		case sig := <-c.sigs:
			log.Infof("Received signal (%s).  Shutting down...", sig)

		case reason := <-c.requests:
			log.Infof("Shutting down after %v", reason)

		case handler := <-c.add:
			handlers = append(handlers, handler)
			continue
		}

		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
		close(c.done)

		return
	}
}

// request triggers the shutdown. Only the first reason is logged, later
// requests are dropped.
func (c *shutdownCoordinator) request(reason error) {
	select {
	case c.requests <- reason:
	default:
	}
}

// onShutdown registers handler. Handlers added after the shutdown started
// are never run.
func (c *shutdownCoordinator) onShutdown(handler func()) {
	select {
	case c.add <- handler:
	case <-c.done:
	}
}

var (
	shutdown     *shutdownCoordinator
	shutdownOnce sync.Once
)

// shutdownHandler returns the process wide coordinator, subscribing it to
// the shutdown signals on first use.
func shutdownHandler() *shutdownCoordinator {
	shutdownOnce.Do(func() {
		shutdown = newShutdownCoordinator()
		signal.Notify(shutdown.sigs, signals...)
		go shutdown.run()
	})

	return shutdown
}

// addInterruptHandler adds a handler to call when the daemon shuts down.
func addInterruptHandler(handler func()) {
	shutdownHandler().onShutdown(handler)
}

// requestShutdown starts the clean shutdown on behalf of a component that
// failed with reason.
func requestShutdown(reason error) {
	shutdownHandler().request(reason)
}
