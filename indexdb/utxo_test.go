// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/walletindexer/internal/sqltest"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// newTestStore returns a store with its schema created on a fresh database.
func newTestStore(t *testing.T, dbFactory sqltest.DBFactory) *Store {
	t.Helper()

	s := New(dbFactory(t))
	require.NoError(t, s.CreateSchema(context.Background()))

	return s
}

// newUtxo returns an unlocked native token output.
func newUtxo(txID string, index uint32, address string, value int64) *Utxo {
	return &Utxo{
		Outpoint: Outpoint{TxID: txID, Index: index},
		TokenID:  "00",
		Address:  address,
		Value:    value,
	}
}

// seedWallet registers a wallet owning addr and records the given outputs.
func seedWallet(t *testing.T, s *Store, walletID, addr string,
	utxos ...*Utxo) {

	t.Helper()

	ctx := context.Background()
	err := s.Update(ctx, func(tx *Tx) error {
		err := tx.RegisterWallet(ctx, RegisterWalletParams{
			WalletID:  walletID,
			Addresses: []string{addr},
			Now:       time.Unix(1000, 0),
		})
		if err != nil {
			return err
		}

		for _, u := range utxos {
			if err := tx.RecordOutput(ctx, u); err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)
}

func fetchUtxo(t *testing.T, s *Store, op Outpoint) *Utxo {
	t.Helper()

	var u *Utxo
	err := s.View(context.Background(), func(tx *Tx) error {
		var err error
		u, err = tx.FetchUtxo(context.Background(), op)
		return err
	})
	require.NoError(t, err)

	return u
}

func reserve(s *Store, proposalID string, ops ...Outpoint) ([]Utxo, error) {
	ctx := context.Background()

	var reserved []Utxo
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		reserved, err = tx.Reserve(ctx, ReserveParams{
			ProposalID: proposalID,
			Outpoints:  ops,
		})
		return err
	})

	return reserved, err
}

func release(t *testing.T, s *Store, proposalID string) int64 {
	t.Helper()

	ctx := context.Background()

	var n int64
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.Release(ctx, proposalID)
		return err
	})
	require.NoError(t, err)

	return n
}

// TestReserveRelease tests that a reservation is all or nothing and that
// releasing is idempotent.
func TestReserveRelease(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		s := newTestStore(t, dbFactory)

		a := newUtxo("tx1", 0, "addr1", 100)
		b := newUtxo("tx1", 1, "addr1", 200)
		c := newUtxo("tx2", 0, "addr1", 300)
		seedWallet(t, s, "w1", "addr1", a, b, c)

		// Inputs keep the caller's order regardless of the order rows
		// are claimed in.
		reserved, err := reserve(s, "p1", b.Outpoint, a.Outpoint)
		require.NoError(t, err)
		require.Len(t, reserved, 2)
		require.Equal(t, b.Outpoint, reserved[0].Outpoint)
		require.Equal(t, a.Outpoint, reserved[1].Outpoint)
		require.Equal(t, fn.Some(uint32(0)), reserved[0].TxProposalIndex)
		require.Equal(t, fn.Some("p1"), reserved[1].TxProposalID)

		// A second proposal overlapping on b fails and leaves c
		// untouched.
		_, err = reserve(s, "p2", c.Outpoint, b.Outpoint)
		require.True(t, IsError(err, ErrAlreadyReserved), err)
		require.True(t, fetchUtxo(t, s, c.Outpoint).TxProposalID.IsNone())

		// Duplicates within a single request are rejected too.
		_, err = reserve(s, "p2", c.Outpoint, c.Outpoint)
		require.True(t, IsError(err, ErrAlreadyReserved), err)

		require.Equal(t, int64(2), release(t, s, "p1"))
		require.Zero(t, release(t, s, "p1"))

		// Released outputs can be reserved again.
		_, err = reserve(s, "p2", c.Outpoint, b.Outpoint)
		require.NoError(t, err)
	})
}

// TestReserveUnavailable tests that spent, voided and locked outputs cannot
// be reserved.
func TestReserveUnavailable(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		s := newTestStore(t, dbFactory)

		spent := newUtxo("tx1", 0, "addr1", 100)
		voided := newUtxo("tx2", 0, "addr1", 100)
		voided.Voided = true
		locked := newUtxo("tx3", 0, "addr1", 100)
		locked.Locked = true
		locked.Timelock = fn.Some(int64(5000))
		seedWallet(t, s, "w1", "addr1", spent, voided, locked)

		ctx := context.Background()
		err := s.Update(ctx, func(tx *Tx) error {
			ok, err := tx.MarkSpent(ctx, spent.Outpoint, "tx9")
			require.True(t, ok)
			return err
		})
		require.NoError(t, err)

		for _, op := range []Outpoint{
			spent.Outpoint, voided.Outpoint, locked.Outpoint,
			{TxID: "missing", Index: 0},
		} {
			_, err := reserve(s, "p1", op)
			require.True(t, IsError(err, ErrAlreadyReserved), op)
		}
	})
}

// TestReserveExclusive races many proposals for the same output and checks
// that exactly one of them wins.
func TestReserveExclusive(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		s := newTestStore(t, dbFactory)

		u := newUtxo("tx1", 0, "addr1", 100)
		seedWallet(t, s, "w1", "addr1", u)

		const racers = 8

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			errs    []error
		)
		for i := range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()

				id := fmt.Sprintf("p%d", i)
				_, err := reserve(s, id, u.Outpoint)

				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners = append(winners, id)
					return
				}
				errs = append(errs, err)
			}()
		}
		wg.Wait()

		require.Len(t, winners, 1)
		require.Len(t, errs, racers-1)
		for _, err := range errs {
			require.True(t, IsError(err, ErrAlreadyReserved), err)
		}

		require.Equal(t, fn.Some(winners[0]),
			fetchUtxo(t, s, u.Outpoint).TxProposalID)
	})
}

// TestSpendKeepsReservation tests that spending an output keeps its
// reservation and that unspending clears both.
func TestSpendKeepsReservation(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		s := newTestStore(t, dbFactory)

		u := newUtxo("tx1", 0, "addr1", 100)
		seedWallet(t, s, "w1", "addr1", u)

		_, err := reserve(s, "p1", u.Outpoint)
		require.NoError(t, err)

		ctx := context.Background()
		err = s.Update(ctx, func(tx *Tx) error {
			_, err := tx.MarkSpent(ctx, u.Outpoint, "tx2")
			return err
		})
		require.NoError(t, err)

		got := fetchUtxo(t, s, u.Outpoint)
		require.Equal(t, fn.Some("tx2"), got.SpentBy)
		require.Equal(t, fn.Some("p1"), got.TxProposalID)
		require.False(t, got.IsAvailable())

		// Recording the output again must not resurrect it.
		err = s.Update(ctx, func(tx *Tx) error {
			return tx.RecordOutput(ctx, u)
		})
		require.NoError(t, err)
		require.Equal(t, fn.Some("tx2"),
			fetchUtxo(t, s, u.Outpoint).SpentBy)

		err = s.Update(ctx, func(tx *Tx) error {
			n, err := tx.UnspendInputs(ctx, "tx2")
			require.Equal(t, int64(1), n)
			return err
		})
		require.NoError(t, err)

		got = fetchUtxo(t, s, u.Outpoint)
		require.True(t, got.IsAvailable())
	})
}

// TestUnlockable tests the selection of outputs whose locks expired.
func TestUnlockable(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		s := newTestStore(t, dbFactory)

		timeLocked := newUtxo("tx1", 0, "addr1", 100)
		timeLocked.Locked = true
		timeLocked.Timelock = fn.Some(int64(2000))

		heightLocked := newUtxo("blk1", 0, "addr1", 6400)
		heightLocked.Locked = true
		heightLocked.Heightlock = fn.Some(uint64(10))

		seedWallet(t, s, "w1", "addr1", timeLocked, heightLocked)

		list := func(height uint64, now int64) []Outpoint {
			var ops []Outpoint
			err := s.View(context.Background(), func(tx *Tx) error {
				utxos, err := tx.ListUnlockable(
					context.Background(), height, now,
				)
				for _, u := range utxos {
					ops = append(ops, u.Outpoint)
				}
				return err
			})
			require.NoError(t, err)

			return ops
		}

		require.Empty(t, list(9, 1999))
		require.Equal(t, []Outpoint{timeLocked.Outpoint}, list(9, 2000))
		require.Equal(t, []Outpoint{heightLocked.Outpoint}, list(10, 0))
		require.Len(t, list(10, 2000), 2)

		ctx := context.Background()
		err := s.Update(ctx, func(tx *Tx) error {
			return tx.UnlockOutput(ctx, timeLocked.Outpoint)
		})
		require.NoError(t, err)
		require.Equal(t, []Outpoint{heightLocked.Outpoint},
			list(10, 2000))
	})
}

// TestListAvailable tests that only reservable outputs of the wallet are
// listed, largest first, and that authorities are listed separately.
func TestListAvailable(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		s := newTestStore(t, dbFactory)

		small := newUtxo("tx1", 0, "addr1", 10)
		big := newUtxo("tx1", 1, "addr1", 500)
		authority := newUtxo("tx1", 2, "addr1", 1)
		authority.Authorities = 1
		reserved := newUtxo("tx1", 3, "addr1", 1000)
		foreign := newUtxo("tx1", 4, "other", 1000)
		seedWallet(t, s, "w1", "addr1", small, big, authority, reserved,
			foreign)

		_, err := reserve(s, "p1", reserved.Outpoint)
		require.NoError(t, err)

		list := func(authorities bool) []Outpoint {
			var ops []Outpoint
			ctx := context.Background()
			err := s.View(ctx, func(tx *Tx) error {
				utxos, err := tx.ListAvailable(ctx, ListAvailableQuery{
					WalletID:    "w1",
					TokenID:     "00",
					Authorities: authorities,
				})
				for _, u := range utxos {
					ops = append(ops, u.Outpoint)
				}
				return err
			})
			require.NoError(t, err)

			return ops
		}

		require.Equal(t, []Outpoint{big.Outpoint, small.Outpoint},
			list(false))
		require.Equal(t, []Outpoint{authority.Outpoint}, list(true))
	})
}
