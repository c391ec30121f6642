// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vertex

import (
	"fmt"
)

// EventType is the closed set of event kinds reported by the node's event
// stream.
type EventType uint8

const (
	// EventUnknown is the zero value and never a valid event type.
	EventUnknown EventType = iota

	// EventNewVertexAccepted reports a block or transaction that was
	// added to the node's DAG.
	EventNewVertexAccepted

	// EventVertexMetadataChanged reports a change in the metadata of a
	// known vertex, such as it being voided or confirmed by a block.
	EventVertexMetadataChanged

	// EventVertexRemoved reports a vertex dropped by the node, e.g. a
	// mempool transaction that became invalid.
	EventVertexRemoved

	// EventLoadStarted opens the bulk replay of the node's history.
	EventLoadStarted

	// EventLoadFinished closes the bulk replay of the node's history.
	EventLoadFinished

	// EventReorgStarted opens a reorganization.
	EventReorgStarted

	// EventReorgFinished closes a reorganization.
	EventReorgFinished
)

// eventTypeNames maps event types to their wire names.
var eventTypeNames = map[EventType]string{
	EventNewVertexAccepted:     "NEW_VERTEX_ACCEPTED",
	EventVertexMetadataChanged: "VERTEX_METADATA_CHANGED",
	EventVertexRemoved:         "VERTEX_REMOVED",
	EventLoadStarted:           "LOAD_STARTED",
	EventLoadFinished:          "LOAD_FINISHED",
	EventReorgStarted:          "REORG_STARTED",
	EventReorgFinished:         "REORG_FINISHED",
}

// String returns the wire name of the event type.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// HasVertex reports whether events of this type carry a vertex payload.
func (t EventType) HasVertex() bool {
	switch t {
	case EventNewVertexAccepted, EventVertexMetadataChanged,
		EventVertexRemoved:

		return true

	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) {
	name, ok := eventTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, uint8(t))
	}

	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names are
// rejected since every event type must be handled explicitly.
func (t *EventType) UnmarshalText(text []byte) error {
	for typ, name := range eventTypeNames {
		if name == string(text) {
			*t = typ
			return nil
		}
	}

	return fmt.Errorf("%w: %q", ErrUnknownEventType, text)
}

// Event is a single entry of the node's event stream.
type Event struct {
	// ID is the event's position in the stream. IDs are strictly
	// increasing.
	ID uint64

	// Timestamp is the unix time at which the node emitted the event.
	Timestamp int64

	// Type identifies the kind of event.
	Type EventType

	// GroupID links the events of a single reorganization, if any.
	GroupID *uint64

	// Vertex is the payload of vertex events. It is nil for load and
	// reorg markers.
	Vertex *Vertex
}

// String returns a short description used in log messages.
func (e *Event) String() string {
	if e.Vertex != nil {
		return fmt.Sprintf("event %d (%v, vertex %s)", e.ID, e.Type,
			e.Vertex.Hash)
	}

	return fmt.Sprintf("event %d (%v)", e.ID, e.Type)
}
