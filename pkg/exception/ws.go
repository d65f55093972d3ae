package exception

import "github.com/yanun0323/errors"

// WS errors
var (
	ErrWebSocketConnectionClose = errors.New("websocket: connection closed")
	ErrWebSocketProtocol        = errors.New("websocket: protocol error")
	ErrWebSocketNilDialer       = errors.New("websocket: nil dialer")
	ErrWebSocketNotConnected    = errors.New("websocket: not connected")
	ErrWebSocketReadTimeout     = errors.New("websocket: read timeout")
	ErrReconnectExhausted       = errors.New("websocket: reconnect attempts exhausted")
)

// Stream errors
var (
	ErrStreamUnknownTopic  = errors.New("stream: unknown topic")
	ErrStreamNilHandler    = errors.New("stream: nil handler")
	ErrStreamDuplicateSub  = errors.New("stream: symbol already registered")
	ErrStreamAuthRejected  = errors.New("stream: auth rejected")
	ErrStreamMalformedData = errors.New("stream: malformed data")
	ErrStreamBookStale     = errors.New("stream: stale book delta")
	ErrStreamBookGap       = errors.New("stream: book sequence gap")
)
