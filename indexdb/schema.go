// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

// The statements below are valid for both PostgreSQL and SQLite. Integers
// are BIGINT so heights, values and unix timestamps never overflow, and
// booleans are compared against the TRUE and FALSE keywords.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_cursor (
		id BIGINT PRIMARY KEY,
		last_event_id BIGINT,
		updated_at BIGINT NOT NULL,
		best_height BIGINT NOT NULL DEFAULT 0,
		best_block TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS tx (
		tx_id TEXT PRIMARY KEY,
		version BIGINT NOT NULL,
		timestamp BIGINT NOT NULL,
		voided BOOLEAN NOT NULL,
		voided_by TEXT NOT NULL DEFAULT '',
		first_block TEXT,
		height BIGINT NOT NULL DEFAULT 0
	)`,

	`CREATE INDEX IF NOT EXISTS tx_block_height_idx
		ON tx (version, voided, height)`,

	`CREATE TABLE IF NOT EXISTS token (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS utxo (
		tx_id TEXT NOT NULL,
		idx BIGINT NOT NULL,
		token_id TEXT NOT NULL,
		address TEXT NOT NULL,
		value BIGINT NOT NULL,
		authorities BIGINT NOT NULL DEFAULT 0,
		timelock BIGINT,
		heightlock BIGINT,
		locked BOOLEAN NOT NULL,
		voided BOOLEAN NOT NULL DEFAULT FALSE,
		spent_by TEXT,
		tx_proposal_id TEXT,
		tx_proposal_index BIGINT,
		PRIMARY KEY (tx_id, idx)
	)`,

	`CREATE INDEX IF NOT EXISTS utxo_address_idx
		ON utxo (address, token_id)`,

	`CREATE INDEX IF NOT EXISTS utxo_spent_by_idx ON utxo (spent_by)`,

	`CREATE INDEX IF NOT EXISTS utxo_proposal_idx ON utxo (tx_proposal_id)`,

	`CREATE TABLE IF NOT EXISTS wallet (
		id TEXT PRIMARY KEY,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS address (
		address TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallet (id),
		idx BIGINT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS address_wallet_idx ON address (wallet_id)`,

	`CREATE TABLE IF NOT EXISTS address_balance (
		address TEXT NOT NULL,
		token_id TEXT NOT NULL,
		total_sent BIGINT NOT NULL DEFAULT 0,
		unlocked_balance BIGINT NOT NULL DEFAULT 0,
		locked_balance BIGINT NOT NULL DEFAULT 0,
		unlocked_authorities BIGINT NOT NULL DEFAULT 0,
		locked_authorities BIGINT NOT NULL DEFAULT 0,
		timelock_expires BIGINT,
		transactions BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (address, token_id)
	)`,

	`CREATE TABLE IF NOT EXISTS wallet_balance (
		wallet_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		total_sent BIGINT NOT NULL DEFAULT 0,
		unlocked_balance BIGINT NOT NULL DEFAULT 0,
		locked_balance BIGINT NOT NULL DEFAULT 0,
		unlocked_authorities BIGINT NOT NULL DEFAULT 0,
		locked_authorities BIGINT NOT NULL DEFAULT 0,
		timelock_expires BIGINT,
		transactions BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (wallet_id, token_id)
	)`,

	`CREATE TABLE IF NOT EXISTS address_tx_history (
		address TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		balance BIGINT NOT NULL,
		timestamp BIGINT NOT NULL,
		voided BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (address, tx_id, token_id)
	)`,

	`CREATE INDEX IF NOT EXISTS address_tx_history_tx_idx
		ON address_tx_history (tx_id)`,

	`CREATE TABLE IF NOT EXISTS tx_proposal (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		status TEXT NOT NULL,
		sending_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tx_proposal_input (
		proposal_id TEXT NOT NULL REFERENCES tx_proposal (id),
		idx BIGINT NOT NULL,
		tx_id TEXT NOT NULL,
		out_index BIGINT NOT NULL,
		PRIMARY KEY (proposal_id, idx)
	)`,
}
