// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/walletindexer/chain"
	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/proposal"
	"github.com/btcsuite/walletindexer/rpc/apiserver"
	"github.com/btcsuite/walletindexer/synchronizer"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

var (
	cfg *config
)

func main() {
	// Work around defer not working after os.Exit.
	if err := indexerMain(); err != nil {
		os.Exit(1)
	}
}

// indexerMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func indexerMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())
	log.Debugf("Configuration: %v", newLogClosure(func() string {
		redacted := *cfg
		redacted.NodeRPCPass = "-"
		redacted.APIPass = "-"
		return spew.Sdump(redacted)
	}))

	// The context is cancelled by the interrupt handler, which also runs
	// when a component requests a shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(cancel)

	store, err := indexdb.Open(ctx, cfg.indexDriver(), cfg.DBDSN.Value)
	if err != nil {
		log.Errorf("Unable to open index database: %v", err)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Errorf("Unable to close index database: %v", err)
		}
	}()

	broadcaster, err := newBroadcaster(cfg)
	if err != nil {
		log.Errorf("Unable to create node RPC client: %v", err)
		return err
	}
	defer broadcaster.Stop()

	proposals := proposal.NewManager(proposal.Config{
		DB:               store,
		Broadcaster:      broadcaster,
		BroadcastTimeout: cfg.BroadcastTimeout,
	})

	// Outputs of proposals that failed right before a crash may still be
	// reserved.
	released, err := proposals.RecoverFailed(ctx)
	if err != nil {
		log.Errorf("Unable to recover failed proposals: %v", err)
		return err
	}
	if released > 0 {
		log.Infof("Released %d %s of failed proposals", released,
			pickNoun(released, "output", "outputs"))
	}

	listeners, err := makeListeners(cfg.APIListeners)
	if err != nil {
		log.Errorf("Unable to listen for API clients: %v", err)
		return err
	}
	server := apiserver.NewServer(&apiserver.Options{
		Username:   cfg.APIUser,
		Password:   cfg.APIPass,
		MaxClients: cfg.APIMaxClients,
	}, store, proposals, listeners)

	syncer, err := synchronizer.New(synchronizer.Config{
		DB: store,
		Stream: chain.StreamConfig{
			URL:        cfg.EventURL,
			WindowSize: cfg.WindowSize,
		},
		RewardSpendMinBlocks: cfg.RewardSpendMinBlocks,
		ReconnectMin:         cfg.ReconnectMin,
		ReconnectMax:         cfg.ReconnectMax,
		UnlockTicker:         ticker.New(cfg.UnlockInterval),
		Notify:               logNotification,
	})
	if err != nil {
		log.Errorf("Unable to create synchronizer: %v", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		server.Start()
		<-gctx.Done()
		server.Stop()

		return nil
	})

	g.Go(func() error {
		if err := syncer.Start(); err != nil {
			return err
		}
		defer syncer.Stop()

		select {
		case err := <-syncer.Err():
			err = fmt.Errorf("synchronizer halted: %w", err)
			log.Critical(err)
			requestShutdown(err)

			return err

		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	log.Info("Shutdown complete")

	return err
}

// newBroadcaster connects the proposal manager to the node's RPC server.
func newBroadcaster(cfg *config) (*proposal.RPCBroadcaster, error) {
	var certs []byte
	if !cfg.NodeRPCNoTLS && cfg.NodeRPCCert != "" {
		var err error
		certs, err = os.ReadFile(cfg.NodeRPCCert)
		if err != nil {
			return nil, err
		}
	}

	return proposal.NewRPCBroadcaster(&rpcclient.ConnConfig{
		Host:         cfg.NodeRPC,
		User:         cfg.NodeRPCUser,
		Pass:         cfg.NodeRPCPass,
		Certificates: certs,
		DisableTLS:   cfg.NodeRPCNoTLS,
		HTTPPostMode: true,
	})
}

// logNotification reports a wallet balance change. Delivery to wallets is
// left to an external service tailing the log or replacing this hook.
func logNotification(n *synchronizer.Notification) {
	log.Infof("Event %d (%v of %s) changed the balances of %d %s",
		n.EventID, n.Action, n.TxID, len(n.Balances),
		pickNoun(int64(len(n.Balances)), "wallet", "wallets"))
	log.Debugf("Balance changes: %v", newLogClosure(func() string {
		return spew.Sdump(n.Balances)
	}))
}

// pickNoun returns the singular or plural form of a noun depending
// on the count n.
func pickNoun(n int64, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
