// Package wsrpc implements the request/response WebSocket-style adapter:
// one connection multiplexes JSON control requests (load, seek, read,
// live, unload, keyframe) correlated by a monotonically increasing id,
// and binary media frames tagged with that same id space so a flush
// operation can raise a watermark and have stale in-flight frames
// dropped on arrival. Grounded on the teacher's gorilla/websocket
// WriteJSON/ReadJSON usage, generalized from a signaling channel to a
// bidirectional control-plus-media multiplex.
package wsrpc
