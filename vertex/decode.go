// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vertex

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrMalformedEvent is returned for events that cannot be decoded or
	// fail validation. The event source is trusted, so callers treat it
	// as a fatal protocol error rather than skipping the event.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownEventType is returned for event type names outside the
	// closed set of known types.
	ErrUnknownEventType = errors.New("unknown event type")
)

// malformed wraps ErrMalformedEvent with a formatted description.
func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent,
		fmt.Sprintf(format, args...))
}

// The structs below mirror the JSON emitted by the node. They are converted
// into the domain types once validated.

type eventJSON struct {
	ID        *uint64         `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	GroupID   *uint64         `json:"group_id"`
}

type decodedJSON struct {
	Address  string `json:"address"`
	Timelock *int64 `json:"timelock"`
}

type outputJSON struct {
	Value     int64        `json:"value"`
	TokenData uint8        `json:"token_data"`
	Decoded   *decodedJSON `json:"decoded"`
}

type inputJSON struct {
	TxID        string      `json:"tx_id"`
	Index       uint32      `json:"index"`
	Token       string      `json:"token"`
	SpentOutput *outputJSON `json:"spent_output"`
}

type metadataJSON struct {
	VoidedBy   []string `json:"voided_by"`
	FirstBlock *string  `json:"first_block"`
	Height     uint64   `json:"height"`
}

type vertexJSON struct {
	Hash        string        `json:"hash"`
	Version     uint8         `json:"version"`
	Timestamp   int64         `json:"timestamp"`
	Inputs      []inputJSON   `json:"inputs"`
	Outputs     []outputJSON  `json:"outputs"`
	Tokens      []string      `json:"tokens"`
	TokenName   *string       `json:"token_name"`
	TokenSymbol *string       `json:"token_symbol"`
	Metadata    *metadataJSON `json:"metadata"`
}

// ParseEvent decodes and validates a single event as sent by the node.
func ParseEvent(raw []byte) (*Event, error) {
	var ej eventJSON
	if err := json.Unmarshal(raw, &ej); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if ej.ID == nil {
		return nil, malformed("missing event id")
	}
	id := *ej.ID

	event := &Event{
		ID:        id,
		Timestamp: ej.Timestamp,
		Type:      ej.Type,
		GroupID:   ej.GroupID,
	}

	if !ej.Type.HasVertex() {
		return event, nil
	}

	if len(ej.Data) == 0 {
		return nil, malformed("event %d (%v) has no vertex data",
			id, ej.Type)
	}

	var vj vertexJSON
	if err := json.Unmarshal(ej.Data, &vj); err != nil {
		return nil, fmt.Errorf("%w: event %d: %w", ErrMalformedEvent,
			id, err)
	}

	v, err := vj.toVertex()
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", id, err)
	}
	event.Vertex = v

	return event, nil
}

// toVertex validates the wire form and converts it to a Vertex.
func (vj *vertexJSON) toVertex() (*Vertex, error) {
	if err := validateHash(vj.Hash); err != nil {
		return nil, err
	}

	version := Version(vj.Version)
	switch version {
	case VersionBlock, VersionTx, VersionTokenCreation,
		VersionMergeMinedBlock:

	default:
		return nil, malformed("vertex %s: unknown version %d",
			vj.Hash, vj.Version)
	}

	if vj.Metadata == nil {
		return nil, malformed("vertex %s: missing metadata", vj.Hash)
	}

	v := &Vertex{
		Hash:      vj.Hash,
		Version:   version,
		Timestamp: vj.Timestamp,
		Tokens:    vj.Tokens,
		Metadata:  vj.Metadata.toMetadata(),
	}

	// A token creation transaction refers to the token it creates with
	// index 1, and the token id is the transaction hash.
	if version == VersionTokenCreation && len(v.Tokens) == 0 {
		v.Tokens = []string{vj.Hash}
	}
	if vj.TokenName != nil {
		v.TokenName = *vj.TokenName
	}
	if vj.TokenSymbol != nil {
		v.TokenSymbol = *vj.TokenSymbol
	}

	for _, token := range v.Tokens {
		if err := validateHash(token); err != nil {
			return nil, err
		}
	}

	v.Outputs = make([]TxOutput, 0, len(vj.Outputs))
	for i, oj := range vj.Outputs {
		out, err := oj.toOutput()
		if err != nil {
			return nil, fmt.Errorf("vertex %s output %d: %w",
				vj.Hash, i, err)
		}

		if _, err := v.TokenID(out); err != nil {
			return nil, err
		}

		v.Outputs = append(v.Outputs, out)
	}

	v.Inputs = make([]TxInput, 0, len(vj.Inputs))
	for i, ij := range vj.Inputs {
		in, err := ij.toInput(v)
		if err != nil {
			return nil, fmt.Errorf("vertex %s input %d: %w",
				vj.Hash, i, err)
		}

		v.Inputs = append(v.Inputs, in)
	}

	return v, nil
}

func (mj *metadataJSON) toMetadata() Metadata {
	m := Metadata{
		VoidedBy:   fn.NewSet(mj.VoidedBy...),
		FirstBlock: fn.None[string](),
		Height:     mj.Height,
	}
	if mj.FirstBlock != nil && *mj.FirstBlock != "" {
		m.FirstBlock = fn.Some(*mj.FirstBlock)
	}

	return m
}

func (oj *outputJSON) toOutput() (TxOutput, error) {
	if oj.Value < 0 {
		return TxOutput{}, malformed("negative value %d", oj.Value)
	}

	out := TxOutput{
		Value:     oj.Value,
		TokenData: oj.TokenData,
		Decoded:   Decoded{Timelock: fn.None[int64]()},
	}
	if oj.Decoded != nil {
		out.Decoded.Address = oj.Decoded.Address
		if oj.Decoded.Timelock != nil {
			out.Decoded.Timelock = fn.Some(*oj.Decoded.Timelock)
		}
	}

	return out, nil
}

func (ij *inputJSON) toInput(v *Vertex) (TxInput, error) {
	if err := validateHash(ij.TxID); err != nil {
		return TxInput{}, err
	}

	if ij.SpentOutput == nil {
		return TxInput{}, malformed("missing spent output")
	}

	spent, err := ij.SpentOutput.toOutput()
	if err != nil {
		return TxInput{}, err
	}

	// The node reports the spent output's token data relative to the
	// spending vertex's token list unless it resolved the token itself.
	token := ij.Token
	if token == "" {
		token, err = v.TokenID(spent)
		if err != nil {
			return TxInput{}, err
		}
	}

	return TxInput{
		TxID:         ij.TxID,
		Index:        ij.Index,
		SpentOutput:  spent,
		SpentTokenID: token,
	}, nil
}

// validateHash checks that s is a hex encoded 32-byte hash.
func validateHash(s string) error {
	if len(s) != chainhash.MaxHashStringSize {
		return malformed("invalid hash length %d: %q", len(s), s)
	}

	if _, err := chainhash.NewHashFromStr(s); err != nil {
		return malformed("invalid hash %q: %v", s, err)
	}

	return nil
}
