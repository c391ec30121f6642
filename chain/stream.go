// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/walletindexer/vertex"
	"github.com/btcsuite/websocket"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// msgStartStream asks the node to start streaming events.
	msgStartStream = "START_STREAM"

	// msgAck acknowledges an event and refreshes the flow control window.
	msgAck = "ACK"

	// msgEvent carries a single event.
	msgEvent = "EVENT"
)

var (
	// ErrStreamClosed is returned by Recv after Close was called.
	ErrStreamClosed = errors.New("event stream closed")
)

// startStreamMsg is the first message sent on a connection. The node starts
// delivering at LastAckEventID + 1, or from the first event when it is nil.
type startStreamMsg struct {
	Type           string  `json:"type"`
	WindowSize     uint32  `json:"window_size"`
	LastAckEventID *uint64 `json:"last_ack_event_id"`
}

// ackMsg acknowledges every event up to AckEventID. The node keeps at most
// WindowSize unacknowledged events in flight.
type ackMsg struct {
	Type       string `json:"type"`
	WindowSize uint32 `json:"window_size"`
	AckEventID uint64 `json:"ack_event_id"`
}

// eventMsg is the envelope of an event sent by the node.
type eventMsg struct {
	Type          string          `json:"type"`
	Event         json.RawMessage `json:"event"`
	LatestEventID uint64          `json:"latest_event_id"`
	StreamID      string          `json:"stream_id"`
}

// Conn is a message oriented connection to the node's event endpoint. It is
// satisfied by *websocket.Conn.
type Conn interface {
	// ReadMessage blocks until the next message is received.
	ReadMessage() (int, []byte, error)

	// WriteJSON sends v encoded as a JSON text message.
	WriteJSON(v interface{}) error

	// Close closes the connection, unblocking a pending ReadMessage.
	Close() error
}

// Dialer opens connections to the node's event endpoint.
type Dialer interface {
	// Dial connects to url.
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the event endpoint over a websocket.
type WebsocketDialer struct {
	dialer websocket.Dialer
}

// A compile-time assertion to ensure that WebsocketDialer implements Dialer.
var _ Dialer = (*WebsocketDialer)(nil)

// Dial connects to url. The handshake is abandoned if ctx is canceled first.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	type result struct {
		conn *websocket.Conn
		err  error
	}

	done := make(chan result, 1)
	go func() {
		conn, _, err := d.dialer.Dial(url, nil)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, r.err)
		}

		return r.conn, nil

	case <-ctx.Done():
		// Close the connection if the handshake completes later.
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()

		return nil, ctx.Err()
	}
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	// URL is the node's event endpoint.
	URL string

	// WindowSize is the number of unacknowledged events the node may send
	// ahead.
	WindowSize uint32

	// Dialer opens the connection.
	Dialer Dialer
}

// Delivery is an event received from the node.
type Delivery struct {
	// Event is the decoded event.
	Event *vertex.Event

	// LatestEventID is the newest event id known to the node, used to
	// report how far behind the stream is.
	LatestEventID uint64

	// StreamID identifies the node side stream.
	StreamID string
}

// Stream is a single subscription to the node's event stream. Recv and Ack
// are called from one goroutine, Close may be called from any.
type Stream struct {
	cfg  StreamConfig
	conn Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenStream dials the node and asks it to stream events following lastAck,
// or from the first event when lastAck is none.
func OpenStream(ctx context.Context, cfg StreamConfig,
	lastAck fn.Option[uint64]) (*Stream, error) {

	conn, err := cfg.Dialer.Dial(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}

	start := startStreamMsg{
		Type:       msgStartStream,
		WindowSize: cfg.WindowSize,
	}
	lastAck.WhenSome(func(id uint64) {
		start.LastAckEventID = &id
	})

	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send %s: %w", msgStartStream, err)
	}

	log.Infof("Streaming events from %s (window=%d, last_ack=%s)",
		cfg.URL, cfg.WindowSize, fn.ElimOption(lastAck,
			func() string { return "none" },
			func(id uint64) string { return fmt.Sprint(id) },
		))

	return &Stream{
		cfg:    cfg,
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

// Recv blocks until the next event arrives. Messages other than events are
// skipped. An undecodable event is reported with vertex.ErrMalformedEvent,
// any other error means the connection is no longer usable.
func (s *Stream) Recv() (*Delivery, error) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return nil, ErrStreamClosed
			default:
			}

			return nil, fmt.Errorf("read event: %w", err)
		}

		var msg eventMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: envelope: %v",
				vertex.ErrMalformedEvent, err)
		}

		if msg.Type != msgEvent {
			log.Debugf("Skipping %q message", msg.Type)
			continue
		}

		event, err := vertex.ParseEvent(msg.Event)
		if err != nil {
			return nil, err
		}

		log.Tracef("Received event: %v", NewLogClosure(func() string {
			return spew.Sdump(event)
		}))

		return &Delivery{
			Event:         event,
			LatestEventID: msg.LatestEventID,
			StreamID:      msg.StreamID,
		}, nil
	}
}

// Ack acknowledges every event up to eventID.
func (s *Stream) Ack(eventID uint64) error {
	err := s.conn.WriteJSON(ackMsg{
		Type:       msgAck,
		WindowSize: s.cfg.WindowSize,
		AckEventID: eventID,
	})
	if err != nil {
		return fmt.Errorf("send %s %d: %w", msgAck, eventID, err)
	}

	return nil
}

// Close closes the connection, unblocking a pending Recv.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})

	return err
}
