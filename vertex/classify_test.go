// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vertex

import (
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func meta(firstBlock string, voidedBy ...string) Metadata {
	m := Metadata{
		VoidedBy:   fn.NewSet(voidedBy...),
		FirstBlock: fn.None[string](),
	}
	if firstBlock != "" {
		m.FirstBlock = fn.Some(firstBlock)
	}

	return m
}

// TestClassify walks the classification rules in order.
func TestClassify(t *testing.T) {
	t.Parallel()

	none := fn.None[Metadata]()

	testCases := []struct {
		name     string
		prev     fn.Option[Metadata]
		next     Metadata
		expected Action
	}{
		{
			name:     "unseen and accepted",
			prev:     none,
			next:     meta(""),
			expected: ActionTxNew,
		},
		{
			name:     "unseen and already confirmed",
			prev:     none,
			next:     meta("b1"),
			expected: ActionTxNew,
		},
		{
			name:     "unseen and voided",
			prev:     none,
			next:     meta("", "x"),
			expected: ActionIgnore,
		},
		{
			name:     "accepted then voided",
			prev:     fn.Some(meta("")),
			next:     meta("", "x"),
			expected: ActionTxVoided,
		},
		{
			name:     "confirmed then voided",
			prev:     fn.Some(meta("b1")),
			next:     meta("b1", "x"),
			expected: ActionTxVoided,
		},
		{
			name:     "voided then accepted",
			prev:     fn.Some(meta("", "x")),
			next:     meta(""),
			expected: ActionTxUnvoided,
		},
		{
			name:     "voided then accepted with first block",
			prev:     fn.Some(meta("", "x")),
			next:     meta("b1"),
			expected: ActionTxUnvoided,
		},
		{
			name:     "first block set",
			prev:     fn.Some(meta("")),
			next:     meta("b1"),
			expected: ActionTxFirstBlock,
		},
		{
			name:     "first block changed",
			prev:     fn.Some(meta("b1")),
			next:     meta("b2"),
			expected: ActionIgnore,
		},
		{
			name:     "first block set while voided",
			prev:     fn.Some(meta("", "x")),
			next:     meta("b1", "y"),
			expected: ActionIgnore,
		},
		{
			name:     "duplicate echo",
			prev:     fn.Some(meta("b1")),
			next:     meta("b1"),
			expected: ActionIgnore,
		},
		{
			name:     "voided by another vertex",
			prev:     fn.Some(meta("", "x")),
			next:     meta("", "x", "y"),
			expected: ActionIgnore,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, Classify(tc.prev, tc.next))

			// Classification is deterministic.
			require.Equal(t, Classify(tc.prev, tc.next),
				Classify(tc.prev, tc.next))
		})
	}
}

// TestClassifyEvent tests the event-type aware classification.
func TestClassifyEvent(t *testing.T) {
	t.Parallel()

	accepted := fn.Some(meta(""))
	voided := fn.Some(meta("", "x"))

	require.Equal(t, ActionTxNew, ClassifyEvent(
		EventNewVertexAccepted, fn.None[Metadata](), meta(""),
	))
	require.Equal(t, ActionTxVoided, ClassifyEvent(
		EventVertexMetadataChanged, accepted, meta("", "x"),
	))
	require.Equal(t, ActionTxVoided, ClassifyEvent(
		EventVertexRemoved, accepted, meta(""),
	))
	require.Equal(t, ActionIgnore, ClassifyEvent(
		EventVertexRemoved, voided, meta("", "x"),
	))
	require.Equal(t, ActionIgnore, ClassifyEvent(
		EventVertexRemoved, fn.None[Metadata](), meta(""),
	))

	for _, typ := range []EventType{
		EventLoadStarted, EventLoadFinished, EventReorgStarted,
		EventReorgFinished,
	} {
		require.Equal(t, ActionIgnore, ClassifyEvent(
			typ, fn.None[Metadata](), meta(""),
		))
	}
}
