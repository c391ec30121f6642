// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vertex

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Action is the semantic action derived from a vertex event.
type Action uint8

const (
	// ActionIgnore means the event carries no observable change.
	ActionIgnore Action = iota

	// ActionTxNew means a vertex joined the accepted history.
	ActionTxNew

	// ActionTxVoided means a previously accepted vertex was voided and
	// its deltas must be reverted.
	ActionTxVoided

	// ActionTxUnvoided means a previously voided vertex is accepted again
	// and its deltas must be reapplied.
	ActionTxUnvoided

	// ActionTxFirstBlock means a transaction got its first confirming
	// block.
	ActionTxFirstBlock
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "IGNORE"
	case ActionTxNew:
		return "TX_NEW"
	case ActionTxVoided:
		return "TX_VOIDED"
	case ActionTxUnvoided:
		return "TX_UNVOIDED"
	case ActionTxFirstBlock:
		return "TX_FIRST_BLOCK"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Classify derives the action implied by a vertex moving from the previous
// metadata snapshot (none when the vertex was never seen) to the new one. The
// rules are evaluated in order:
//
//  1. no previous metadata and not voided: TX_NEW
//  2. previously not voided, now voided: TX_VOIDED
//  3. previously voided, now not voided: TX_UNVOIDED
//  4. first block set for the first time on a non voided vertex:
//     TX_FIRST_BLOCK
//  5. anything else: IGNORE
//
// Classify is pure, so it can be re-run safely when an event is redelivered.
func Classify(prev fn.Option[Metadata], next Metadata) Action {
	if prev.IsNone() {
		if !next.IsVoided() {
			return ActionTxNew
		}

		return ActionIgnore
	}

	p := prev.UnsafeFromSome()

	switch {
	case !p.IsVoided() && next.IsVoided():
		return ActionTxVoided

	case p.IsVoided() && !next.IsVoided():
		return ActionTxUnvoided

	case p.FirstBlock.IsNone() && next.FirstBlock.IsSome() &&
		!next.IsVoided():

		return ActionTxFirstBlock

	default:
		return ActionIgnore
	}
}

// ClassifyEvent extends Classify to every event type. Removing a known,
// accepted vertex reverts it like voiding does. Events without a vertex
// never produce a ledger action.
func ClassifyEvent(typ EventType, prev fn.Option[Metadata],
	next Metadata) Action {

	switch typ {
	case EventNewVertexAccepted, EventVertexMetadataChanged:
		return Classify(prev, next)

	case EventVertexRemoved:
		if prev.IsSome() && !prev.UnsafeFromSome().IsVoided() {
			return ActionTxVoided
		}

		return ActionIgnore

	case EventLoadStarted, EventLoadFinished, EventReorgStarted,
		EventReorgFinished:

		return ActionIgnore

	default:
		return ActionIgnore
	}
}
