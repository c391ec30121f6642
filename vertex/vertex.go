// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vertex

import (
	"sort"

	"github.com/btcsuite/walletindexer/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// TokenAuthorityMask is the bit of an output's token data that marks
	// it as an authority output.
	TokenAuthorityMask = 0x80

	// TokenIndexMask selects the token index from an output's token data.
	// Index 0 is the native token, index i refers to tokens[i-1].
	TokenIndexMask = 0x7f
)

// Version identifies the kind of vertex.
type Version uint8

const (
	// VersionBlock is a regular block.
	VersionBlock Version = 0

	// VersionTx is a regular transaction.
	VersionTx Version = 1

	// VersionTokenCreation is a transaction creating a new token whose id
	// is the transaction's own hash.
	VersionTokenCreation Version = 2

	// VersionMergeMinedBlock is a block mined together with another chain.
	VersionMergeMinedBlock Version = 3
)

// IsBlock reports whether the version denotes a block.
func (v Version) IsBlock() bool {
	return v == VersionBlock || v == VersionMergeMinedBlock
}

// Metadata is the node's mutable view of a vertex.
type Metadata struct {
	// VoidedBy is the set of vertices voiding this one. A vertex is part
	// of the accepted history iff the set is empty.
	VoidedBy fn.Set[string]

	// FirstBlock is the first block confirming a transaction.
	FirstBlock fn.Option[string]

	// Height is the height of a block, or of the first block confirming
	// a transaction.
	Height uint64
}

// IsVoided reports whether the vertex is voided.
func (m Metadata) IsVoided() bool {
	return len(m.VoidedBy) > 0
}

// VoidedByList returns the voiding hashes in sorted order.
func (m Metadata) VoidedByList() []string {
	list := make([]string, 0, len(m.VoidedBy))
	for hash := range m.VoidedBy {
		list = append(list, hash)
	}
	sort.Strings(list)

	return list
}

// Decoded is the decoded form of an output script.
type Decoded struct {
	// Address is the address able to spend the output. It is empty for
	// scripts the node could not decode.
	Address string

	// Timelock is the unix time before which the output cannot be spent.
	Timelock fn.Option[int64]
}

// TxOutput is an output created by a vertex.
type TxOutput struct {
	// Value is the amount, or the authority mask for authority outputs.
	Value int64

	// TokenData holds the token index and the authority flag.
	TokenData uint8

	// Decoded is the decoded output script.
	Decoded Decoded
}

// IsAuthority reports whether the output is an authority output.
func (o TxOutput) IsAuthority() bool {
	return o.TokenData&TokenAuthorityMask != 0
}

// TokenIndex returns the output's index into the vertex token list.
func (o TxOutput) TokenIndex() int {
	return int(o.TokenData & TokenIndexMask)
}

// TxInput is an input of a vertex along with the output it spends.
type TxInput struct {
	// TxID is the hash of the transaction that created the spent output.
	TxID string

	// Index is the position of the spent output.
	Index uint32

	// SpentOutput is the output being spent.
	SpentOutput TxOutput

	// SpentTokenID is the token of the spent output, resolved by the
	// node against the spent transaction's token list.
	SpentTokenID string
}

// Vertex is a block or a transaction as reported by the node.
type Vertex struct {
	// Hash identifies the vertex.
	Hash string

	// Version is the kind of vertex.
	Version Version

	// Timestamp is the vertex timestamp.
	Timestamp int64

	// Inputs are the spent outputs, in order.
	Inputs []TxInput

	// Outputs are the created outputs, in order.
	Outputs []TxOutput

	// Tokens is the list token indexes of the outputs refer to.
	Tokens []string

	// TokenName and TokenSymbol describe the token created by a token
	// creation transaction.
	TokenName   string
	TokenSymbol string

	// Metadata is the node's current view of the vertex.
	Metadata Metadata
}

// IsBlock reports whether the vertex is a block.
func (v *Vertex) IsBlock() bool {
	return v.Version.IsBlock()
}

// TokenID resolves the token of an output created by this vertex.
func (v *Vertex) TokenID(out TxOutput) (string, error) {
	idx := out.TokenIndex()
	if idx == 0 {
		return ledger.NativeTokenID, nil
	}

	if idx > len(v.Tokens) {
		return "", malformed("vertex %s: token index %d out of range "+
			"(%d tokens)", v.Hash, idx, len(v.Tokens))
	}

	return v.Tokens[idx-1], nil
}

// LedgerOutput converts an output to its ledger form.
func LedgerOutput(out TxOutput, tokenID string, locked bool) ledger.Output {
	return ledger.Output{
		TokenID:     tokenID,
		Value:       out.Value,
		IsAuthority: out.IsAuthority(),
		Timelock:    out.Decoded.Timelock,
		Locked:      locked,
	}
}
