// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/walletindexer/vertex"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockConn is a mock implementation of the Conn interface.
type mockConn struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockConn implements Conn.
var _ Conn = (*mockConn)(nil)

// ReadMessage implements the Conn interface.
func (m *mockConn) ReadMessage() (int, []byte, error) {
	args := m.Called()
	return args.Int(0), args.Get(1).([]byte), args.Error(2)
}

// WriteJSON implements the Conn interface.
func (m *mockConn) WriteJSON(v interface{}) error {
	args := m.Called(v)
	return args.Error(0)
}

// Close implements the Conn interface.
func (m *mockConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

// mockDialer is a mock implementation of the Dialer interface.
type mockDialer struct {
	mock.Mock
}

// Dial implements the Dialer interface.
func (m *mockDialer) Dial(ctx context.Context, url string) (Conn, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(Conn), args.Error(1)
}

func eventEnvelope(id uint64) []byte {
	return []byte(fmt.Sprintf(`{"type": "EVENT", "latest_event_id": 99, `+
		`"stream_id": "s1", "event": {"id": %d, "timestamp": 1, `+
		`"type": "LOAD_STARTED", "data": {}}}`, id))
}

func openTestStream(t *testing.T, conn *mockConn,
	lastAck fn.Option[uint64]) *Stream {

	t.Helper()

	dialer := &mockDialer{}
	dialer.On("Dial", mock.Anything, "ws://node/v1/event_ws").Return(
		conn, nil,
	)

	stream, err := OpenStream(context.Background(), StreamConfig{
		URL:        "ws://node/v1/event_ws",
		WindowSize: 50,
		Dialer:     dialer,
	}, lastAck)
	require.NoError(t, err)

	dialer.AssertExpectations(t)

	return stream
}

// TestOpenStream tests the START_STREAM handshake with and without a
// previous cursor.
func TestOpenStream(t *testing.T) {
	t.Parallel()

	lastAck := uint64(41)

	testCases := []struct {
		name     string
		lastAck  fn.Option[uint64]
		expected startStreamMsg
	}{
		{
			name:    "from scratch",
			lastAck: fn.None[uint64](),
			expected: startStreamMsg{
				Type:       "START_STREAM",
				WindowSize: 50,
			},
		},
		{
			name:    "resume",
			lastAck: fn.Some(lastAck),
			expected: startStreamMsg{
				Type:           "START_STREAM",
				WindowSize:     50,
				LastAckEventID: &lastAck,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			conn := &mockConn{}
			conn.On("WriteJSON", tc.expected).Return(nil).Once()

			openTestStream(t, conn, tc.lastAck)
			conn.AssertExpectations(t)
		})
	}
}

// TestOpenStreamWriteFailure tests that a failed handshake closes the
// connection.
func TestOpenStreamWriteFailure(t *testing.T) {
	t.Parallel()

	conn := &mockConn{}
	conn.On("WriteJSON", mock.Anything).Return(errors.New("broken pipe"))
	conn.On("Close").Return(nil).Once()

	dialer := &mockDialer{}
	dialer.On("Dial", mock.Anything, mock.Anything).Return(conn, nil)

	_, err := OpenStream(context.Background(), StreamConfig{
		Dialer: dialer,
	}, fn.None[uint64]())
	require.ErrorContains(t, err, "broken pipe")
	conn.AssertExpectations(t)
}

// TestStreamRecvAck tests event delivery, skipping of foreign messages and
// acknowledgements.
func TestStreamRecvAck(t *testing.T) {
	t.Parallel()

	conn := &mockConn{}
	conn.On("WriteJSON", mock.AnythingOfType("startStreamMsg")).Return(nil)
	conn.On("ReadMessage").Return(1, []byte(`{"type": "PONG"}`), nil).Once()
	conn.On("ReadMessage").Return(1, eventEnvelope(7), nil).Once()
	conn.On("WriteJSON", ackMsg{
		Type:       "ACK",
		WindowSize: 50,
		AckEventID: 7,
	}).Return(nil).Once()

	stream := openTestStream(t, conn, fn.None[uint64]())

	delivery, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, uint64(7), delivery.Event.ID)
	require.Equal(t, vertex.EventLoadStarted, delivery.Event.Type)
	require.Equal(t, uint64(99), delivery.LatestEventID)
	require.Equal(t, "s1", delivery.StreamID)

	require.NoError(t, stream.Ack(7))
	conn.AssertExpectations(t)
}

// TestStreamRecvErrors tests the classification of receive failures.
func TestStreamRecvErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		raw       []byte
		readErr   error
		malformed bool
	}{
		{
			name:      "bad envelope",
			raw:       []byte(`not json`),
			malformed: true,
		},
		{
			name: "bad event",
			raw: []byte(`{"type": "EVENT", "event": ` +
				`{"id": 0, "type": "LOAD_STARTED"}}`),
			malformed: true,
		},
		{
			name:    "connection lost",
			raw:     []byte{},
			readErr: errors.New("unexpected EOF"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			conn := &mockConn{}
			conn.On("WriteJSON", mock.Anything).Return(nil)
			conn.On("ReadMessage").Return(1, tc.raw, tc.readErr)

			stream := openTestStream(t, conn, fn.None[uint64]())

			_, err := stream.Recv()
			require.Error(t, err)
			require.Equal(t, tc.malformed,
				errors.Is(err, vertex.ErrMalformedEvent), err)
		})
	}
}

// TestStreamClose tests that a read failing after Close reports
// ErrStreamClosed and that closing twice is harmless.
func TestStreamClose(t *testing.T) {
	t.Parallel()

	conn := &mockConn{}
	conn.On("WriteJSON", mock.Anything).Return(nil)
	conn.On("Close").Return(nil).Once()
	conn.On("ReadMessage").Return(
		0, []byte{}, errors.New("use of closed network connection"),
	)

	stream := openTestStream(t, conn, fn.None[uint64]())

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	_, err := stream.Recv()
	require.ErrorIs(t, err, ErrStreamClosed)
	require.True(t, strings.Contains(err.Error(), "closed"))
	conn.AssertExpectations(t)
}
