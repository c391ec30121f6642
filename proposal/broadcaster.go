// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package proposal

import (
	"context"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

// Broadcaster provides an interface for publishing transactions.
type Broadcaster interface {
	// Broadcast submits a signed transaction to the network. It must
	// return once ctx is done.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// RPCBroadcaster publishes transactions through a node's JSON-RPC
// interface.
type RPCBroadcaster struct {
	client *rpcclient.Client
}

// A compile-time assertion to ensure that RPCBroadcaster implements
// Broadcaster.
var _ Broadcaster = (*RPCBroadcaster)(nil)

// NewRPCBroadcaster connects to the node described by cfg.
func NewRPCBroadcaster(cfg *rpcclient.ConnConfig) (*RPCBroadcaster, error) {
	client, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, err
	}

	return &RPCBroadcaster{client: client}, nil
}

// Broadcast submits tx with sendrawtransaction. The request keeps running in
// the background when ctx expires first, its result is then discarded.
func (b *RPCBroadcaster) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	future := b.client.SendRawTransactionAsync(tx, false)

	done := make(chan error, 1)
	go func() {
		hash, err := future.Receive()
		if err == nil {
			log.Debugf("Node accepted transaction %v", hash)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disconnects from the node.
func (b *RPCBroadcaster) Stop() {
	b.client.Shutdown()
	b.client.WaitForShutdown()
}
