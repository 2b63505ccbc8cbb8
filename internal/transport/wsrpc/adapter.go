package wsrpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/sesame/internal/transport"
	"github.com/zsiec/sesame/internal/wire"
)

// Conn is the subset of *websocket.Conn the adapter uses. A real
// *websocket.Conn satisfies it directly; tests substitute a fake.
type Conn interface {
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Op identifies a control request's operation.
type Op string

const (
	OpLoad     Op = "load"
	OpSeek     Op = "seek"
	OpRead     Op = "read"
	OpLive     Op = "live"
	OpUnload   Op = "unload"
	OpKeyframe Op = "keyframe"
)

// controlRequest is the request/response control message shape (spec §6):
// `{id, type, paramNum?, filename?, project?}`.
type controlRequest struct {
	ID       uint64 `json:"id"`
	Type     Op     `json:"type"`
	ParamNum *int64 `json:"paramNum,omitempty"`
	Filename string `json:"filename,omitempty"`
	Project  string `json:"project,omitempty"`
}

// controlResponse is the matching response shape: `{id, data?, error?}`.
type controlResponse struct {
	ID    uint64          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// binaryFrameHeaderSize is the fixed prefix on every binary media message:
// an 8-byte big-endian request id the frame is correlated to, and a
// 1-byte track-kind tag.
const binaryFrameHeaderSize = 9

const (
	defaultRequestTimeout = 5 * time.Second
	defaultReconnectDelay = 2 * time.Second
	minKeyframeInterval   = time.Second
)

// ErrTimeout is returned by a control request that got no matching
// response before its deadline.
var ErrTimeout = errors.New("wsrpc: request timeout")

// ErrClosed is returned by operations attempted after Dispose.
var ErrClosed = errors.New("wsrpc: adapter closed")

// Dialer reconnects the adapter's underlying connection. Required only
// when Config.AutoReconnect is set.
type Dialer func(ctx context.Context) (Conn, error)

// Config configures an Adapter.
type Config struct {
	Conn           Conn
	Dialer         Dialer
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectDelay time.Duration
	Track          string // track name attached to emitted events
	StreamKind     transport.StreamKind
	Logger         *slog.Logger
}

// Adapter is the request/response WebSocket-style transport.Source.
type Adapter struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	conn        Conn
	pending     map[uint64]chan controlResponse
	ignoreBelow uint64
	closed      bool
	handlers    []transport.Handler

	nextID          atomic.Uint64
	lastKeyframeReq atomic.Int64 // unix nano
}

// NewAdapter builds an Adapter over cfg.Conn (or, with AutoReconnect,
// redials via cfg.Dialer on unsolicited close).
func NewAdapter(cfg Config) *Adapter {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:     cfg,
		log:     log.With("component", "wsrpc-adapter"),
		conn:    cfg.Conn,
		pending: make(map[uint64]chan controlResponse),
	}
}

// OnEvent registers h to receive media/connection events.
func (a *Adapter) OnEvent(h transport.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

func (a *Adapter) emit(e transport.Event) {
	a.mu.Lock()
	handlers := make([]transport.Handler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

// Connect starts the read loop over the configured connection and emits
// EventConnected.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return errors.New("wsrpc: no connection configured")
	}
	a.mu.Unlock()

	go a.readLoop(ctx)
	a.emit(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	for {
		a.mu.Lock()
		conn := a.conn
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}

		mt, data, err := conn.ReadMessage()
		if err != nil {
			a.handleReadError(ctx, err)
			return
		}

		switch mt {
		case websocket.TextMessage:
			a.handleControlMessage(data)
		case websocket.BinaryMessage:
			a.handleBinaryMessage(data)
		}
	}
}

func (a *Adapter) handleReadError(ctx context.Context, err error) {
	a.emit(transport.Event{Kind: transport.EventDisconnected, Err: err})

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed || !a.cfg.AutoReconnect || a.cfg.Dialer == nil {
		return
	}

	go a.reconnectLoop(ctx)
}

func (a *Adapter) reconnectLoop(ctx context.Context) {
	timer := time.NewTimer(a.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	conn, err := a.cfg.Dialer(ctx)
	if err != nil {
		a.log.Warn("reconnect failed", "error", err)
		a.emit(transport.Event{Kind: transport.EventError, Err: err})
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return
	}
	a.conn = conn
	a.mu.Unlock()

	a.emit(transport.Event{Kind: transport.EventConnected})
	go a.readLoop(ctx)
}

func (a *Adapter) handleControlMessage(data []byte) {
	var resp controlResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		a.log.Warn("malformed control response", "error", err)
		return
	}

	a.mu.Lock()
	ch, ok := a.pending[resp.ID]
	if ok {
		delete(a.pending, resp.ID)
	}
	a.mu.Unlock()

	if ok {
		ch <- resp
	}
}

func (a *Adapter) handleBinaryMessage(data []byte) {
	if len(data) < binaryFrameHeaderSize {
		a.log.Warn("binary frame shorter than header", "len", len(data))
		return
	}

	id := binary.BigEndian.Uint64(data[0:8])
	kind := transport.StreamKind(data[8])
	payload := data[binaryFrameHeaderSize:]

	a.mu.Lock()
	ignoreBelow := a.ignoreBelow
	a.mu.Unlock()
	if id < ignoreBelow {
		return
	}

	if kind == transport.StreamData {
		a.emit(transport.Event{Kind: transport.EventData, Track: a.cfg.Track, StreamKind: kind, RawPayload: payload})
		return
	}

	parsed := wire.Parse(payload)
	if !parsed.Valid {
		a.log.Warn("dropping malformed binary frame")
		return
	}
	a.emit(transport.Event{Kind: transport.EventData, Track: a.cfg.Track, StreamKind: kind, Parsed: &parsed})
}

// sendRequest fills in req's id, blocking until the server echoes it back
// or the request times out.
func (a *Adapter) sendRequest(req controlRequest) (controlResponse, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return controlResponse{}, ErrClosed
	}
	conn := a.conn
	id := a.nextID.Add(1)
	req.ID = id
	ch := make(chan controlResponse, 1)
	a.pending[id] = ch
	a.mu.Unlock()

	if err := conn.WriteJSON(req); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return controlResponse{}, fmt.Errorf("wsrpc: send %s: %w", req.Type, err)
	}

	timer := time.NewTimer(a.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return controlResponse{}, fmt.Errorf("wsrpc: %s: %w", req.Type, ErrClosed)
		}
		return resp, nil
	case <-timer.C:
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return controlResponse{}, fmt.Errorf("wsrpc: %s: %w", req.Type, ErrTimeout)
	}
}

// Load issues a "load" request for filename within project, opening it for
// playback.
func (a *Adapter) Load(filename, project string) (json.RawMessage, error) {
	resp, err := a.sendRequest(controlRequest{Type: OpLoad, Filename: filename, Project: project})
	return respData(resp, err)
}

// Seek issues a "seek" request to posMs.
func (a *Adapter) Seek(posMs int64) (json.RawMessage, error) {
	resp, err := a.sendRequest(controlRequest{Type: OpSeek, ParamNum: &posMs})
	return respData(resp, err)
}

// Read issues a "read" request for n more packets.
func (a *Adapter) Read(n int) (json.RawMessage, error) {
	paramNum := int64(n)
	resp, err := a.sendRequest(controlRequest{Type: OpRead, ParamNum: &paramNum})
	return respData(resp, err)
}

// Live issues a "live" request, subscribing to streamID.
func (a *Adapter) Live(streamID string) (json.RawMessage, error) {
	resp, err := a.sendRequest(controlRequest{Type: OpLive, Filename: streamID})
	return respData(resp, err)
}

// Unload issues an "unload" request, releasing server-side resources for
// the current session.
func (a *Adapter) Unload() (json.RawMessage, error) {
	resp, err := a.sendRequest(controlRequest{Type: OpUnload})
	return respData(resp, err)
}

// Flush raises the ignore_below watermark: binary frames already in
// flight whose id is less than ignoreBelow are dropped on arrival,
// giving seek operations a clean cutover point.
func (a *Adapter) Flush(ignoreBelow uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ignoreBelow > a.ignoreBelow {
		a.ignoreBelow = ignoreBelow
	}
}

// RequestKeyframe issues a rate-limited "keyframe" request: calls within
// one second of the previous one are silently dropped.
func (a *Adapter) RequestKeyframe() error {
	now := time.Now().UnixNano()
	last := a.lastKeyframeReq.Load()
	if time.Duration(now-last) < minKeyframeInterval {
		return nil
	}
	if !a.lastKeyframeReq.CompareAndSwap(last, now) {
		return nil // lost the race to another concurrent request; already fresh
	}

	go func() {
		if _, err := a.sendRequest(controlRequest{Type: OpKeyframe}); err != nil {
			a.log.Warn("keyframe request failed", "error", err)
		}
	}()
	return nil
}

// Disconnect closes the underlying connection without disposing pending
// request state tracking.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Dispose disconnects and fails every pending request.
func (a *Adapter) Dispose() error {
	a.mu.Lock()
	a.closed = true
	pending := a.pending
	a.pending = make(map[uint64]chan controlResponse)
	conn := a.conn
	a.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func respData(resp controlResponse, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("wsrpc: server error: %s", resp.Error)
	}
	return resp.Data, nil
}
