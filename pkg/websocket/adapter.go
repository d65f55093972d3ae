package websocket

import "context"

// Conn is a minimal interface for a WebSocket connection.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, msgType MessageType, payload []byte) error
	Close(code CloseCode, reason string) error
}

// Dialer creates new connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ControlEncoder builds subscribe, unsubscribe and keepalive payloads.
// EncodePing may return a nil payload to fall back to a protocol ping frame.
type ControlEncoder interface {
	EncodeSubscribe(topics []string) (MessageType, []byte, error)
	EncodeUnsubscribe(topics []string) (MessageType, []byte, error)
	EncodePing() (MessageType, []byte, error)
}

// Handler receives every inbound data frame in arrival order.
type Handler func(msgType MessageType, payload []byte)

// Writer sends a frame on the current connection.
type Writer interface {
	Send(ctx context.Context, msgType MessageType, payload []byte) error
}
