// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vertex

import (
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/walletindexer/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// hash returns a valid 64 character hash made of the given hex digit.
func hash(digit string) string {
	return strings.Repeat(digit, 64)
}

// TestParseEventVertex decodes a full transaction event.
func TestParseEventVertex(t *testing.T) {
	t.Parallel()

	raw := fmt.Sprintf(`{
		"id": 42,
		"timestamp": 1700000000,
		"type": "NEW_VERTEX_ACCEPTED",
		"group_id": null,
		"data": {
			"hash": %q,
			"version": 1,
			"timestamp": 1699999999,
			"tokens": [%q],
			"inputs": [{
				"tx_id": %q,
				"index": 3,
				"spent_output": {
					"value": 6400,
					"token_data": 0,
					"decoded": {"address": "Waddr1", "timelock": null}
				}
			}],
			"outputs": [
				{
					"value": 1400,
					"token_data": 0,
					"decoded": {"address": "Waddr2", "timelock": 1700000500}
				},
				{
					"value": 3,
					"token_data": 129,
					"decoded": {"address": "Waddr3"}
				},
				{
					"value": 10,
					"token_data": 0,
					"decoded": null
				}
			],
			"metadata": {
				"voided_by": [],
				"first_block": null,
				"height": 0
			}
		}
	}`, hash("a"), hash("c"), hash("b"))

	event, err := ParseEvent([]byte(raw))
	require.NoError(t, err)

	require.Equal(t, uint64(42), event.ID)
	require.Equal(t, EventNewVertexAccepted, event.Type)
	require.NotNil(t, event.Vertex)

	v := event.Vertex
	require.Equal(t, hash("a"), v.Hash)
	require.False(t, v.IsBlock())
	require.False(t, v.Metadata.IsVoided())
	require.True(t, v.Metadata.FirstBlock.IsNone())

	require.Len(t, v.Inputs, 1)
	require.Equal(t, hash("b"), v.Inputs[0].TxID)
	require.Equal(t, uint32(3), v.Inputs[0].Index)
	require.Equal(t, ledger.NativeTokenID, v.Inputs[0].SpentTokenID)
	require.Equal(t, "Waddr1", v.Inputs[0].SpentOutput.Decoded.Address)

	require.Len(t, v.Outputs, 3)
	require.Equal(t, int64(1700000500),
		v.Outputs[0].Decoded.Timelock.UnwrapOr(0))

	authority := v.Outputs[1]
	require.True(t, authority.IsAuthority())
	token, err := v.TokenID(authority)
	require.NoError(t, err)
	require.Equal(t, hash("c"), token)

	require.Empty(t, v.Outputs[2].Decoded.Address)
}

// TestParseEventMarkers decodes events without a vertex payload.
func TestParseEventMarkers(t *testing.T) {
	t.Parallel()

	for _, typ := range []EventType{
		EventLoadStarted, EventLoadFinished, EventReorgStarted,
		EventReorgFinished,
	} {
		raw := fmt.Sprintf(`{"id": 7, "timestamp": 1, "type": %q, `+
			`"data": {}}`, typ)

		event, err := ParseEvent([]byte(raw))
		require.NoError(t, err)
		require.Equal(t, typ, event.Type)
		require.Nil(t, event.Vertex)
	}
}

// TestParseEventFirstID checks that the first event of a stream may carry id
// zero.
func TestParseEventFirstID(t *testing.T) {
	t.Parallel()

	event, err := ParseEvent([]byte(`{"id": 0, "timestamp": 1, ` +
		`"type": "LOAD_STARTED", "data": {}}`))
	require.NoError(t, err)
	require.Zero(t, event.ID)
	require.Equal(t, EventLoadStarted, event.Type)
}

// TestParseEventTokenCreation checks that a token creation transaction
// refers to its own hash as token.
func TestParseEventTokenCreation(t *testing.T) {
	t.Parallel()

	raw := fmt.Sprintf(`{"id": 1, "timestamp": 1, "type": "NEW_VERTEX_ACCEPTED",
		"data": {"hash": %q, "version": 2, "token_name": "Test",
		"token_symbol": "TST", "inputs": [], "outputs": [
			{"value": 100, "token_data": 1, "decoded": {"address": "W1"}}
		], "metadata": {"voided_by": [], "first_block": null}}}`,
		hash("d"))

	event, err := ParseEvent([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, []string{hash("d")}, event.Vertex.Tokens)
	require.Equal(t, "TST", event.Vertex.TokenSymbol)

	token, err := event.Vertex.TokenID(event.Vertex.Outputs[0])
	require.NoError(t, err)
	require.Equal(t, hash("d"), token)
}

// TestParseEventMalformed checks that invalid events are rejected with
// ErrMalformedEvent.
func TestParseEventMalformed(t *testing.T) {
	t.Parallel()

	vertexEvent := func(data string) string {
		return `{"id": 5, "timestamp": 1, ` +
			`"type": "NEW_VERTEX_ACCEPTED", "data": ` + data + `}`
	}
	meta := `"metadata": {"voided_by": []}`

	testCases := []struct {
		name string
		raw  string
	}{
		{
			name: "not json",
			raw:  `{"id":`,
		},
		{
			name: "unknown type",
			raw:  `{"id": 5, "type": "SOMETHING_ELSE", "data": {}}`,
		},
		{
			name: "missing id",
			raw:  `{"type": "LOAD_STARTED", "data": {}}`,
		},
		{
			name: "missing data",
			raw:  `{"id": 5, "type": "VERTEX_REMOVED"}`,
		},
		{
			name: "bad hash",
			raw: vertexEvent(`{"hash": "zz", "version": 1, ` +
				meta + `}`),
		},
		{
			name: "unknown version",
			raw: vertexEvent(fmt.Sprintf(`{"hash": %q, `+
				`"version": 9, %s}`, hash("a"), meta)),
		},
		{
			name: "missing metadata",
			raw: vertexEvent(fmt.Sprintf(`{"hash": %q, `+
				`"version": 1}`, hash("a"))),
		},
		{
			name: "token index out of range",
			raw: vertexEvent(fmt.Sprintf(`{"hash": %q, `+
				`"version": 1, "outputs": [{"value": 1, `+
				`"token_data": 2}], %s}`, hash("a"), meta)),
		},
		{
			name: "negative value",
			raw: vertexEvent(fmt.Sprintf(`{"hash": %q, `+
				`"version": 1, "outputs": [{"value": -1, `+
				`"token_data": 0}], %s}`, hash("a"), meta)),
		},
		{
			name: "input without spent output",
			raw: vertexEvent(fmt.Sprintf(`{"hash": %q, `+
				`"version": 1, "inputs": [{"tx_id": %q, `+
				`"index": 0}], %s}`, hash("a"), hash("b"),
				meta)),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseEvent([]byte(tc.raw))
			require.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

// TestVoidedByList checks that voiding hashes are listed in sorted order.
func TestVoidedByList(t *testing.T) {
	t.Parallel()

	m := Metadata{VoidedBy: fn.NewSet("b", "a")}
	require.True(t, m.IsVoided())
	require.Equal(t, []string{"a", "b"}, m.VoidedByList())

	empty := Metadata{VoidedBy: fn.NewSet[string]()}
	require.False(t, empty.IsVoided())
	require.Empty(t, empty.VoidedByList())
}
