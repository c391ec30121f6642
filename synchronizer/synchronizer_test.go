// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package synchronizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/walletindexer/chain"
	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/internal/sqltest"
	"github.com/btcsuite/walletindexer/vertex"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const defaultTestTimeout = 5 * time.Second

var (
	errConnReset = errors.New("connection reset by peer")
	errDiskFull  = errors.New("disk full")
)

// fakeConn is an in-memory event connection. Messages pushed to reads are
// returned by ReadMessage and closing reads simulates a dropped connection.
type fakeConn struct {
	reads  chan []byte
	writes chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 10),
		writes: make(chan []byte, 10),
		closed: make(chan struct{}),
	}
}

// ReadMessage implements the chain.Conn interface.
func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg, ok := <-c.reads:
		if !ok {
			return 0, nil, errConnReset
		}
		return 1, msg, nil

	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

// WriteJSON implements the chain.Conn interface.
func (c *fakeConn) WriteJSON(v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writes <- msg

	return nil
}

// Close implements the chain.Conn interface.
func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	return nil
}

// fakeDialer hands out the connections queued in conns.
type fakeDialer struct {
	conns chan *fakeConn
}

// Dial implements the chain.Dialer interface.
func (d *fakeDialer) Dial(ctx context.Context, _ string) (chain.Conn, error) {
	select {
	case conn := <-d.conns:
		return conn, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// clientMsg is the union of the messages sent by the synchronizer.
type clientMsg struct {
	Type           string  `json:"type"`
	WindowSize     uint32  `json:"window_size"`
	LastAckEventID *uint64 `json:"last_ack_event_id"`
	AckEventID     uint64  `json:"ack_event_id"`
}

func expectMsg(t *testing.T, conn *fakeConn) clientMsg {
	t.Helper()

	select {
	case raw := <-conn.writes:
		var msg clientMsg
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg

	case <-time.After(defaultTestTimeout):
		t.Fatal("timeout waiting for client message")
		return clientMsg{}
	}
}

func expectAck(t *testing.T, conn *fakeConn, id uint64) {
	t.Helper()

	msg := expectMsg(t, conn)
	require.Equal(t, "ACK", msg.Type)
	require.Equal(t, id, msg.AckEventID)
}

func eventEnvelope(id uint64, typ, data string) []byte {
	return []byte(fmt.Sprintf(`{"type": "EVENT", "latest_event_id": 10, `+
		`"stream_id": "test", "event": {"id": %d, "timestamp": 100, `+
		`"type": %q, "data": %s}}`, id, typ, data))
}

func paymentVertex(hash string, version, height int, addr string,
	value int64) string {

	return fmt.Sprintf(`{"hash": %q, "version": %d, "timestamp": 100, `+
		`"inputs": [], "tokens": [], "outputs": [{"value": %d, `+
		`"token_data": 0, "decoded": {"address": %q}}], `+
		`"metadata": {"voided_by": [], "first_block": null, `+
		`"height": %d}}`, hash, version, value, addr, height)
}

// voidedBy rewrites the voided_by list of a vertex built by paymentVertex.
func voidedBy(data, by string) string {
	return strings.Replace(data, `"voided_by": []`,
		fmt.Sprintf(`"voided_by": [%q]`, by), 1)
}

// failingDB fails the next failures read-write transactions after their
// writes were made, right before the commit.
type failingDB struct {
	indexdb.DB

	failures atomic.Int32
	failed   chan struct{}
}

// Update implements the indexdb.DB interface.
func (d *failingDB) Update(ctx context.Context,
	f func(tx *indexdb.Tx) error) error {

	return d.DB.Update(ctx, func(tx *indexdb.Tx) error {
		if err := f(tx); err != nil {
			return err
		}

		if d.failures.Add(-1) >= 0 {
			d.failed <- struct{}{}
			return errDiskFull
		}

		return nil
	})
}

// newStreamTest creates a store with wallet w1 owning addr1 and a
// synchronizer dialing the returned dialer.
func newStreamTest(t *testing.T, dbFactory sqltest.DBFactory,
	wrap func(indexdb.DB) indexdb.DB, notify func(*Notification)) (
	*indexdb.Store, *Synchronizer, *fakeDialer) {

	t.Helper()

	store := indexdb.New(dbFactory(t))
	ctx := context.Background()
	require.NoError(t, store.CreateSchema(ctx))

	err := store.Update(ctx, func(tx *indexdb.Tx) error {
		return tx.RegisterWallet(ctx, indexdb.RegisterWalletParams{
			WalletID:  "w1",
			Addresses: []string{"addr1"},
			Now:       time.Unix(1, 0),
		})
	})
	require.NoError(t, err)

	var db indexdb.DB = store
	if wrap != nil {
		db = wrap(store)
	}

	dialer := &fakeDialer{conns: make(chan *fakeConn, 2)}
	s, err := New(Config{
		DB: db,
		Stream: chain.StreamConfig{
			URL:        "ws://node/v1/event_ws",
			WindowSize: 5,
			Dialer:     dialer,
		},
		RewardSpendMinBlocks: 2,
		ReconnectMin:         10 * time.Millisecond,
		ReconnectMax:         20 * time.Millisecond,
		UnlockTicker:         ticker.NewForce(time.Hour),
		Notify:               notify,
	})
	require.NoError(t, err)

	return store, s, dialer
}

// TestSynchronizerRetryFailedEvent tests that an event whose transaction
// fails to commit leaves no trace, is not acknowledged, and is applied when
// the stream is reopened from the unchanged cursor. The stream starts at
// event zero.
func TestSynchronizerRetryFailedEvent(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		faulty := &failingDB{failed: make(chan struct{}, 1)}
		faulty.failures.Store(1)

		store, s, dialer := newStreamTest(t, dbFactory,
			func(db indexdb.DB) indexdb.DB {
				faulty.DB = db
				return faulty
			}, nil,
		)
		ctx := context.Background()

		first := newFakeConn()
		dialer.conns <- first

		require.NoError(t, s.Start())
		defer s.Stop()

		start := expectMsg(t, first)
		require.Equal(t, "START_STREAM", start.Type)
		require.Nil(t, start.LastAckEventID)

		payment := paymentVertex(testHash(1), 1, 0, "addr1", 10)
		first.reads <- eventEnvelope(0, "NEW_VERTEX_ACCEPTED", payment)

		select {
		case <-faulty.failed:
		case <-time.After(defaultTestTimeout):
			t.Fatal("timeout waiting for the failed commit")
		}

		// The synchronizer cannot reconnect until a connection is
		// queued, so the state below is the one left by the failure.
		err := store.View(ctx, func(tx *indexdb.Tx) error {
			cursor, err := tx.FetchCursor(ctx)
			require.NoError(t, err)
			require.True(t, cursor.LastEventID.IsNone())

			_, err = tx.FetchUtxo(ctx, indexdb.Outpoint{
				TxID: testHash(1),
			})
			require.True(t, indexdb.IsError(
				err, indexdb.ErrUtxoNotFound,
			), err)

			_, err = tx.FetchTx(ctx, testHash(1))
			require.True(t, indexdb.IsError(
				err, indexdb.ErrTxNotFound,
			), err)

			records, err := tx.FetchAddressBalances(ctx, "addr1")
			require.NoError(t, err)
			require.Empty(t, records)

			records, err = tx.FetchWalletBalances(ctx, "w1")
			require.NoError(t, err)
			require.Empty(t, records)

			return nil
		})
		require.NoError(t, err)

		select {
		case msg := <-first.writes:
			t.Fatalf("unexpected message after failed event: %s",
				msg)
		default:
		}

		second := newFakeConn()
		dialer.conns <- second

		start = expectMsg(t, second)
		require.Equal(t, "START_STREAM", start.Type)
		require.Nil(t, start.LastAckEventID)

		second.reads <- eventEnvelope(0, "NEW_VERTEX_ACCEPTED", payment)
		expectAck(t, second, 0)

		err = store.View(ctx, func(tx *indexdb.Tx) error {
			cursor, err := tx.FetchCursor(ctx)
			require.NoError(t, err)
			require.Equal(t, fn.Some(uint64(0)), cursor.LastEventID)

			records, err := tx.FetchWalletBalances(ctx, "w1")
			require.NoError(t, err)
			require.Len(t, records, 1)
			require.Equal(t, int64(10),
				records[0].Balance.UnlockedAmount)

			return nil
		})
		require.NoError(t, err)

		// A redelivered event zero is acknowledged without being
		// applied twice.
		second.reads <- eventEnvelope(0, "NEW_VERTEX_ACCEPTED", payment)
		expectAck(t, second, 0)

		err = store.View(ctx, func(tx *indexdb.Tx) error {
			records, err := tx.FetchWalletBalances(ctx, "w1")
			require.NoError(t, err)
			require.Len(t, records, 1)
			require.Equal(t, int64(10),
				records[0].Balance.UnlockedAmount)
			require.Equal(t, int64(1), records[0].Transactions)

			return nil
		})
		require.NoError(t, err)
	})
}

// reorgNote records a notification together with the reorg flag at the time
// it was delivered.
type reorgNote struct {
	note     *Notification
	reorging bool
}

// TestSynchronizerReorg tests that a transaction voided inside a
// reorganization is reverted through the regular event path, and that the
// reorg flag brackets it.
func TestSynchronizerReorg(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		var s *Synchronizer
		notes := make(chan reorgNote, 10)
		store, s, dialer := newStreamTest(t, dbFactory, nil,
			func(n *Notification) {
				// Notify runs on the synchronizer goroutine,
				// the only one touching the flag.
				notes <- reorgNote{note: n, reorging: s.reorging}
			},
		)
		ctx := context.Background()

		conn := newFakeConn()
		dialer.conns <- conn

		require.NoError(t, s.Start())
		defer s.Stop()

		start := expectMsg(t, conn)
		require.Equal(t, "START_STREAM", start.Type)

		payment := paymentVertex(testHash(1), 1, 0, "addr1", 10)
		conn.reads <- eventEnvelope(1, "NEW_VERTEX_ACCEPTED", payment)
		conn.reads <- eventEnvelope(2, "REORG_STARTED", "{}")
		conn.reads <- eventEnvelope(3, "VERTEX_METADATA_CHANGED",
			voidedBy(payment, testHash(9)))
		conn.reads <- eventEnvelope(4, "REORG_FINISHED", "{}")
		for id := uint64(1); id <= 4; id++ {
			expectAck(t, conn, id)
		}

		expectNote := func() reorgNote {
			t.Helper()

			select {
			case n := <-notes:
				return n
			case <-time.After(defaultTestTimeout):
				t.Fatal("timeout waiting for notification")
				return reorgNote{}
			}
		}

		n := expectNote()
		require.False(t, n.reorging)
		require.Equal(t, vertex.ActionTxNew, n.note.Action)
		require.Equal(t, int64(10),
			n.note.Balances["w1"].Get("00").UnlockedAmount)

		n = expectNote()
		require.True(t, n.reorging)
		require.Equal(t, uint64(3), n.note.EventID)
		require.Equal(t, vertex.ActionTxVoided, n.note.Action)
		require.Equal(t, int64(-10),
			n.note.Balances["w1"].Get("00").UnlockedAmount)

		s.Stop()
		require.False(t, s.reorging)

		err := store.View(ctx, func(tx *indexdb.Tx) error {
			cursor, err := tx.FetchCursor(ctx)
			require.NoError(t, err)
			require.Equal(t, fn.Some(uint64(4)), cursor.LastEventID)

			rec, err := tx.FetchTx(ctx, testHash(1))
			require.NoError(t, err)
			require.True(t, rec.IsVoided())

			utxo, err := tx.FetchUtxo(ctx, indexdb.Outpoint{
				TxID: testHash(1),
			})
			require.NoError(t, err)
			require.True(t, utxo.Voided)

			records, err := tx.FetchWalletBalances(ctx, "w1")
			require.NoError(t, err)
			require.Len(t, records, 1)
			require.Zero(t, records[0].Balance.Total())
			require.Zero(t, records[0].Transactions)

			return nil
		})
		require.NoError(t, err)
	})
}

// TestSynchronizerStream runs a synchronizer against in-memory connections.
// It checks the handshake, acknowledgements, notification gating during
// loading, resuming after a dropped connection and halting on a malformed
// event.
func TestSynchronizerStream(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		store := indexdb.New(dbFactory(t))
		ctx := context.Background()
		require.NoError(t, store.CreateSchema(ctx))

		err := store.Update(ctx, func(tx *indexdb.Tx) error {
			return tx.RegisterWallet(ctx, indexdb.RegisterWalletParams{
				WalletID:  "w1",
				Addresses: []string{"addr1"},
				Now:       time.Unix(1, 0),
			})
		})
		require.NoError(t, err)

		first, second := newFakeConn(), newFakeConn()
		dialer := &fakeDialer{conns: make(chan *fakeConn, 2)}
		dialer.conns <- first
		dialer.conns <- second

		notes := make(chan *Notification, 10)
		s, err := New(Config{
			DB: store,
			Stream: chain.StreamConfig{
				URL:        "ws://node/v1/event_ws",
				WindowSize: 5,
				Dialer:     dialer,
			},
			RewardSpendMinBlocks: 2,
			ReconnectMin:         10 * time.Millisecond,
			ReconnectMax:         20 * time.Millisecond,
			UnlockTicker:         ticker.NewForce(time.Hour),
			Notify: func(n *Notification) {
				notes <- n
			},
		})
		require.NoError(t, err)
		require.NoError(t, s.Start())
		defer s.Stop()

		start := expectMsg(t, first)
		require.Equal(t, "START_STREAM", start.Type)
		require.Equal(t, uint32(5), start.WindowSize)
		require.Nil(t, start.LastAckEventID)

		first.reads <- eventEnvelope(1, "LOAD_STARTED", "{}")
		first.reads <- eventEnvelope(2, "NEW_VERTEX_ACCEPTED",
			paymentVertex(testHash(1), 1, 0, "addr1", 10))
		first.reads <- eventEnvelope(3, "LOAD_FINISHED", "{}")
		expectAck(t, first, 1)
		expectAck(t, first, 2)
		expectAck(t, first, 3)

		// Drop the connection. The synchronizer resumes after the last
		// applied event.
		close(first.reads)

		start = expectMsg(t, second)
		require.Equal(t, "START_STREAM", start.Type)
		require.NotNil(t, start.LastAckEventID)
		require.Equal(t, uint64(3), *start.LastAckEventID)

		second.reads <- eventEnvelope(3, "LOAD_FINISHED", "{}")
		second.reads <- eventEnvelope(4, "NEW_VERTEX_ACCEPTED",
			paymentVertex(testHash(2), 1, 0, "addr1", 15))
		expectAck(t, second, 3)
		expectAck(t, second, 4)

		// Only the event applied after loading is notified.
		select {
		case n := <-notes:
			require.Equal(t, uint64(4), n.EventID)
			require.Equal(t, testHash(2), n.TxID)
			require.Equal(t, vertex.ActionTxNew, n.Action)
			require.Equal(t, int64(15),
				n.Balances["w1"].Get("00").UnlockedAmount)

		case <-time.After(defaultTestTimeout):
			t.Fatal("timeout waiting for notification")
		}

		second.reads <- []byte(`{"type": "EVENT", "event": ` +
			`{"id": 5, "timestamp": 1, "type": "BOGUS"}}`)

		select {
		case err := <-s.Err():
			require.ErrorIs(t, err, vertex.ErrMalformedEvent)

		case <-time.After(defaultTestTimeout):
			t.Fatal("timeout waiting for fatal error")
		}

		err = store.View(ctx, func(tx *indexdb.Tx) error {
			cursor, err := tx.FetchCursor(ctx)
			require.Equal(t, fn.Some(uint64(4)), cursor.LastEventID)
			return err
		})
		require.NoError(t, err)

		err = store.View(ctx, func(tx *indexdb.Tx) error {
			records, err := tx.FetchWalletBalances(ctx, "w1")
			require.Len(t, records, 1)
			require.Equal(t, int64(25),
				records[0].Balance.UnlockedAmount)
			return err
		})
		require.NoError(t, err)
	})
}

// TestNewRequiresDB tests that a synchronizer cannot be built without a
// database.
func TestNewRequiresDB(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoDatabase)
}
