// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/walletindexer/internal/sqltest"
	"github.com/btcsuite/walletindexer/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// recordAndApply records outputs and merges the matching credit into the
// balances of their address, the way the synchronizer does.
func recordAndApply(t *testing.T, s *Store, utxos ...*Utxo) {
	t.Helper()

	ctx := context.Background()
	err := s.Update(ctx, func(tx *Tx) error {
		deltas := make(ledger.BalanceMap)
		for _, u := range utxos {
			if err := tx.RecordOutput(ctx, u); err != nil {
				return err
			}
			deltas.Add(u.Address, ledger.FromTxOutput(u.LedgerOutput()))
		}

		for _, addr := range deltas.Owners() {
			err := tx.ApplyAddressDelta(ctx, ApplyDeltaParams{
				Owner:   addr,
				Delta:   deltas[addr],
				TxCount: 1,
				Now:     time.Unix(1000, 0),
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)
}

func addressBalances(t *testing.T, s *Store,
	addr string) map[string]BalanceRecord {

	t.Helper()

	byToken := make(map[string]BalanceRecord)
	err := s.View(context.Background(), func(tx *Tx) error {
		records, err := tx.FetchAddressBalances(
			context.Background(), addr,
		)
		for _, rec := range records {
			byToken[rec.TokenID] = rec
		}
		return err
	})
	require.NoError(t, err)

	return byToken
}

func walletBalances(t *testing.T, s *Store,
	walletID string) map[string]BalanceRecord {

	t.Helper()

	byToken := make(map[string]BalanceRecord)
	err := s.View(context.Background(), func(tx *Tx) error {
		records, err := tx.FetchWalletBalances(
			context.Background(), walletID,
		)
		for _, rec := range records {
			byToken[rec.TokenID] = rec
		}
		return err
	})
	require.NoError(t, err)

	return byToken
}

// TestApplyAddressDelta tests amount merging, authority recomputation and
// lock expiry tracking.
func TestApplyAddressDelta(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		s := newTestStore(t, dbFactory)

		plain := newUtxo("tx1", 0, "addr1", 100)

		early := newUtxo("tx1", 1, "addr1", 50)
		early.Locked = true
		early.Timelock = fn.Some(int64(2000))

		late := newUtxo("tx1", 2, "addr1", 70)
		late.Locked = true
		late.Timelock = fn.Some(int64(3000))

		mint := newUtxo("tx1", 3, "addr1", ledger.Mint.Mask())
		mint.TokenID = "token1"
		mint.Authorities = ledger.Mint.Mask()

		recordAndApply(t, s, plain, early, late, mint)

		balances := addressBalances(t, s, "addr1")
		native := balances["00"].Balance
		require.Equal(t, int64(220), native.TotalSent)
		require.Equal(t, int64(100), native.UnlockedAmount)
		require.Equal(t, int64(120), native.LockedAmount)
		require.Equal(t, fn.Some(int64(2000)), native.LockExpiresAt)
		require.Equal(t, int64(1), balances["00"].Transactions)

		token := balances["token1"].Balance
		require.True(t, token.UnlockedAuthorities.Has(ledger.Mint))
		require.False(t, token.UnlockedAuthorities.Has(ledger.Melt))
		require.Zero(t, token.Total())

		// Unlocking the earliest output moves the expiry forward.
		ctx := context.Background()
		err := s.Update(ctx, func(tx *Tx) error {
			err := tx.UnlockOutput(ctx, early.Outpoint)
			if err != nil {
				return err
			}

			return tx.ApplyAddressDelta(ctx, ApplyDeltaParams{
				Owner: "addr1",
				Delta: ledger.Unlock(early.LedgerOutput()),
				Now:   time.Unix(2000, 0),
			})
		})
		require.NoError(t, err)

		native = addressBalances(t, s, "addr1")["00"].Balance
		require.Equal(t, int64(150), native.UnlockedAmount)
		require.Equal(t, int64(70), native.LockedAmount)
		require.Equal(t, fn.Some(int64(3000)), native.LockExpiresAt)

		// Spending the authority output clears the resting authority.
		err = s.Update(ctx, func(tx *Tx) error {
			_, err := tx.MarkSpent(ctx, mint.Outpoint, "tx2")
			if err != nil {
				return err
			}

			return tx.ApplyAddressDelta(ctx, ApplyDeltaParams{
				Owner:   "addr1",
				Delta:   ledger.FromTxInput(mint.LedgerOutput()),
				TxCount: 1,
				Now:     time.Unix(2000, 0),
			})
		})
		require.NoError(t, err)

		token = addressBalances(t, s, "addr1")["token1"].Balance
		require.True(t, token.UnlockedAuthorities.IsZero())
	})
}

// TestRegisterWalletBalances tests that registering a wallet folds the
// balances its addresses accumulated before registration.
func TestRegisterWalletBalances(t *testing.T) {
	sqltest.RunDatabaseTest(t, func(t *testing.T,
		dbFactory sqltest.DBFactory) {

		s := newTestStore(t, dbFactory)

		a := newUtxo("tx1", 0, "addr1", 100)
		b := newUtxo("tx1", 1, "addr2", 40)
		b.Locked = true
		b.Timelock = fn.Some(int64(5000))
		c := newUtxo("tx2", 0, "addr3", 999)
		recordAndApply(t, s, a, b)
		recordAndApply(t, s, c)

		ctx := context.Background()
		err := s.Update(ctx, func(tx *Tx) error {
			for _, u := range []*Utxo{a, b, c} {
				err := tx.PutHistory(ctx, u.Address, HistoryEntry{
					TxID:      u.TxID,
					TokenID:   u.TokenID,
					Balance:   u.Value,
					Timestamp: 1000,
				})
				if err != nil {
					return err
				}
			}

			return tx.RegisterWallet(ctx, RegisterWalletParams{
				WalletID:  "w1",
				Addresses: []string{"addr1", "addr2"},
				Now:       time.Unix(1000, 0),
			})
		})
		require.NoError(t, err)

		native := walletBalances(t, s, "w1")["00"]
		require.Equal(t, int64(100), native.Balance.UnlockedAmount)
		require.Equal(t, int64(40), native.Balance.LockedAmount)
		require.Equal(t, fn.Some(int64(5000)),
			native.Balance.LockExpiresAt)
		require.Equal(t, int64(1), native.Transactions)

		// Another wallet cannot claim addr2.
		err = s.Update(ctx, func(tx *Tx) error {
			return tx.RegisterWallet(ctx, RegisterWalletParams{
				WalletID:  "w2",
				Addresses: []string{"addr3", "addr2"},
				Now:       time.Unix(1000, 0),
			})
		})
		require.True(t, IsError(err, ErrAddressOwned), err)

		// The failed registration rolled back entirely.
		err = s.View(ctx, func(tx *Tx) error {
			_, err := tx.FetchWallet(ctx, "w2")
			return err
		})
		require.True(t, IsError(err, ErrWalletNotFound), err)

		// Registering again with a new address extends the wallet.
		err = s.Update(ctx, func(tx *Tx) error {
			return tx.RegisterWallet(ctx, RegisterWalletParams{
				WalletID:  "w1",
				Addresses: []string{"addr1", "addr2", "addr3"},
				Now:       time.Unix(1000, 0),
			})
		})
		require.NoError(t, err)

		err = s.View(ctx, func(tx *Tx) error {
			w, err := tx.FetchWallet(ctx, "w1")
			if err != nil {
				return err
			}
			require.Equal(t, 3, w.Addresses)

			addrs, err := tx.ListWalletAddresses(ctx, "w1")
			require.Equal(t, []string{"addr1", "addr2", "addr3"}, addrs)

			return err
		})
		require.NoError(t, err)

		native = walletBalances(t, s, "w1")["00"]
		require.Equal(t, int64(1099), native.Balance.UnlockedAmount)
		require.Equal(t, int64(2), native.Transactions)
	})
}
