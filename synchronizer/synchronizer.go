// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/walletindexer/chain"
	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/ledger"
	"github.com/btcsuite/walletindexer/vertex"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultWindowSize is the number of unacknowledged events the node
	// may send ahead.
	DefaultWindowSize = 50

	// DefaultRewardSpendMinBlocks is the number of blocks a block reward
	// stays height-locked.
	DefaultRewardSpendMinBlocks = 300

	// DefaultUnlockInterval is how often expired time-locks are released
	// when no block arrives.
	DefaultUnlockInterval = time.Minute

	// DefaultReconnectMin is the first delay before reconnecting.
	DefaultReconnectMin = time.Second

	// DefaultReconnectMax caps the delay between reconnection attempts.
	DefaultReconnectMax = time.Minute

	// progressInterval is the number of events between progress log
	// messages.
	progressInterval = 1000
)

var (
	// ErrNoDatabase is returned by New when no database is configured.
	ErrNoDatabase = errors.New("synchronizer requires a database")
)

// Notification describes the effect of an applied event on registered
// wallets.
type Notification struct {
	// EventID is the event that caused the change. It is zero for a
	// periodic unlock.
	EventID uint64

	// TxID is the vertex the event was about. It is empty for a periodic
	// unlock.
	TxID string

	// Action is the classified action.
	Action vertex.Action

	// Balances holds the balance change per wallet id.
	Balances ledger.BalanceMap
}

// Config holds the dependencies and parameters of a Synchronizer.
type Config struct {
	// DB is the index the events are applied to.
	DB indexdb.DB

	// Stream configures the connection to the node's event feed.
	Stream chain.StreamConfig

	// RewardSpendMinBlocks is the number of blocks a block reward stays
	// height-locked.
	RewardSpendMinBlocks uint64

	// ReconnectMin and ReconnectMax bound the jittered exponential
	// backoff between reconnection attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// UnlockTicker triggers the periodic time-lock unlock pass.
	UnlockTicker ticker.Ticker

	// Notify, if set, is called after each committed event that changed
	// the balance of a registered wallet. It is not called while the node
	// is loading its history.
	Notify func(*Notification)

	// Now returns the current time. It defaults to time.Now.
	Now func() time.Time
}

// Synchronizer consumes the node's event stream and applies every event to
// the index. Each event is applied in a single database transaction together
// with the cursor, and is acknowledged only after the commit, so a crash at
// any point resumes from the last applied event.
type Synchronizer struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg     Config
	backoff *chain.Backoff

	// loading and reorging are only accessed by the run goroutine.
	loading  bool
	reorging bool

	errChan chan error

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a synchronizer. Zero valued parameters are replaced with their
// defaults.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.DB == nil {
		return nil, ErrNoDatabase
	}

	if cfg.Stream.Dialer == nil {
		cfg.Stream.Dialer = &chain.WebsocketDialer{}
	}
	if cfg.Stream.WindowSize == 0 {
		cfg.Stream.WindowSize = DefaultWindowSize
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.UnlockTicker == nil {
		cfg.UnlockTicker = ticker.New(DefaultUnlockInterval)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Synchronizer{
		cfg: cfg,
		backoff: chain.NewBackoff(
			cfg.ReconnectMin, cfg.ReconnectMax, chain.DefaultJitter,
		),
		errChan: make(chan error, 1),
		quit:    make(chan struct{}),
	}, nil
}

// Start begins consuming the event stream from the persisted cursor.
func (s *Synchronizer) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	log.Info("Starting event synchronizer")

	s.wg.Add(1)
	go s.run()

	return nil
}

// Stop closes the event stream and waits for the event being applied, if
// any, to finish.
func (s *Synchronizer) Stop() {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return
	}

	log.Info("Stopping event synchronizer")

	close(s.quit)
	s.wg.Wait()
}

// Err returns a channel that receives the error that halted the
// synchronizer. Only fatal errors are delivered, transient ones are retried.
func (s *Synchronizer) Err() <-chan error {
	return s.errChan
}

// isFatal reports whether err must halt synchronization instead of being
// retried after reconnecting.
func isFatal(err error) bool {
	return errors.Is(err, vertex.ErrMalformedEvent) ||
		indexdb.IsError(err, indexdb.ErrInvariant)
}

// run reconnects to the event stream until the synchronizer is stopped or a
// fatal error occurs. It MUST be run as a goroutine.
func (s *Synchronizer) run() {
	defer s.wg.Done()

	ctx, cancel := s.ctxWithQuit()
	defer cancel()

	s.cfg.UnlockTicker.Resume()
	defer s.cfg.UnlockTicker.Stop()

	for {
		err := s.consume(ctx)

		select {
		case <-s.quit:
			return
		default:
		}

		if isFatal(err) {
			log.Criticalf("Event synchronization halted: %v", err)
			s.errChan <- err
			return
		}

		log.Warnf("Event stream interrupted: %v", err)
		if !s.backoff.Wait(s.quit) {
			return
		}
	}
}

// ctxWithQuit returns a context that is canceled when the synchronizer is
// stopped.
func (s *Synchronizer) ctxWithQuit() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// consume opens a stream starting after the persisted cursor and applies
// events until the stream fails. Unlock ticks are handled in between events
// so that every change to a balance is made by this goroutine.
func (s *Synchronizer) consume(ctx context.Context) error {
	var cursor *indexdb.Cursor
	err := s.cfg.DB.View(ctx, func(tx *indexdb.Tx) error {
		var err error
		cursor, err = tx.FetchCursor(ctx)
		return err
	})
	if err != nil {
		return err
	}

	stream, err := chain.OpenStream(ctx, s.cfg.Stream, cursor.LastEventID)
	if err != nil {
		return err
	}

	var (
		deliveries = make(chan *chain.Delivery)
		recvErr    = make(chan error, 1)
		done       = make(chan struct{})
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			d, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}

			select {
			case deliveries <- d:
			case <-done:
				return
			}
		}
	}()

	defer func() {
		close(done)
		if err := stream.Close(); err != nil {
			log.Debugf("Unable to close event stream: %v", err)
		}
	}()

	for {
		select {
		case d := <-deliveries:
			if err := s.handleDelivery(ctx, stream, d); err != nil {
				return err
			}
			s.backoff.Reset()

		case err := <-recvErr:
			return err

		case <-s.cfg.UnlockTicker.Ticks():
			if err := s.unlockSweep(ctx); err != nil {
				return err
			}

		case <-s.quit:
			return nil
		}
	}
}

// handleDelivery applies a single event and acknowledges it.
func (s *Synchronizer) handleDelivery(ctx context.Context,
	stream *chain.Stream, d *chain.Delivery) error {

	event := d.Event

	result, err := s.processEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("unable to apply %v: %w", event, err)
	}

	if err := stream.Ack(event.ID); err != nil {
		return err
	}

	if result.skipped {
		log.Debugf("Skipped already applied %v", event)
		return nil
	}

	s.updateFlags(event)

	if event.ID%progressInterval == 0 {
		log.Infof("Applied event %d of %d", event.ID, d.LatestEventID)
	}

	if len(result.wallets) > 0 {
		s.notify(&Notification{
			EventID:  event.ID,
			TxID:     result.txID,
			Action:   result.action,
			Balances: result.wallets,
		})
	}

	return nil
}

// updateFlags tracks the load and reorg markers of the stream.
func (s *Synchronizer) updateFlags(event *vertex.Event) {
	switch event.Type {
	case vertex.EventLoadStarted:
		log.Info("Node is loading its history, wallet notifications " +
			"paused")
		s.loading = true

	case vertex.EventLoadFinished:
		log.Info("Node finished loading its history")
		s.loading = false

	case vertex.EventReorgStarted:
		log.Infof("Reorganization started at event %d", event.ID)
		s.reorging = true

	case vertex.EventReorgFinished:
		log.Infof("Reorganization finished at event %d", event.ID)
		s.reorging = false

	case vertex.EventNewVertexAccepted, vertex.EventVertexMetadataChanged,
		vertex.EventVertexRemoved, vertex.EventUnknown:
	}
}

// notify hands n to the notification hook unless the node is loading.
func (s *Synchronizer) notify(n *Notification) {
	if s.cfg.Notify == nil || s.loading {
		return
	}

	s.cfg.Notify(n)
}

// unlockSweep releases the locks that expired by the current time.
func (s *Synchronizer) unlockSweep(ctx context.Context) error {
	now := s.cfg.Now()

	var wallets ledger.BalanceMap
	err := s.cfg.DB.Update(ctx, func(tx *indexdb.Tx) error {
		cursor, err := tx.FetchCursor(ctx)
		if err != nil {
			return err
		}

		wallets, err = s.unlockExpired(
			ctx, tx, cursor.BestHeight, now.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("unlock sweep: %w", err)
	}

	if len(wallets) > 0 {
		s.notify(&Notification{
			Action:   vertex.ActionIgnore,
			Balances: wallets,
		})
	}

	return nil
}
