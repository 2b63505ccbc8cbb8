package wsrpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/zsiec/sesame/internal/transport"
)

// Sink is the WebSocket-style transport.Sink: it writes one binary
// message per packet, each prefixed with the same 9-byte
// id/track-kind header the Adapter's readLoop expects.
type Sink struct {
	conn Conn

	mu       sync.Mutex
	onKeyfrm func()

	nextID atomic.Uint64
}

// NewSink builds a Sink over conn.
func NewSink(conn Conn) *Sink {
	return &Sink{conn: conn}
}

// Connect is a no-op: the connection is assumed already established by
// its owner.
func (s *Sink) Connect(ctx context.Context) error { return nil }

// Send writes p as one binary WebSocket message.
func (s *Sink) Send(track string, p transport.SerializedPacket) error {
	id := s.nextID.Add(1)
	frame := make([]byte, binaryFrameHeaderSize+len(p.Bytes))
	binary.BigEndian.PutUint64(frame[0:8], id)
	frame[8] = byte(p.Kind)
	copy(frame[binaryFrameHeaderSize:], p.Bytes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("wsrpc sink: write %s: %w", track, err)
	}
	return nil
}

// SendData writes payload tagged as a data-track frame, bypassing the
// wire codec.
func (s *Sink) SendData(track string, payload []byte) error {
	return s.Send(track, transport.SerializedPacket{Bytes: payload, Kind: transport.StreamData})
}

// OnRequestKeyframe registers cb, invoked by DeliverKeyframeRequest when
// a "keyframe" control request arrives from the peer.
func (s *Sink) OnRequestKeyframe(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeyfrm = cb
}

// DeliverKeyframeRequest invokes the registered keyframe callback, if
// any. Sink has no read loop of its own, so whoever reads the
// connection's inbound control messages calls this when it sees a
// "keyframe" op.
func (s *Sink) DeliverKeyframeRequest() {
	s.mu.Lock()
	cb := s.onKeyfrm
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Disconnect closes the underlying connection.
func (s *Sink) Disconnect() error {
	return s.conn.Close()
}

// Dispose is equivalent to Disconnect: the sink owns no other state.
func (s *Sink) Dispose() error {
	return s.Disconnect()
}
