package stream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"marketmaker/internal/venue"
	"marketmaker/pkg/websocket"
)

// Topic names.
const (
	TopicOrder     = "order"
	TopicExecution = "execution"
	TopicPosition  = "position"
	TopicWallet    = "wallet"
)

// BookTopic returns the order book topic of symbol at the given depth.
func BookTopic(depth int, symbol string) string {
	return fmt.Sprintf("orderbook.%d.%s", depth, symbol)
}

// TradeTopic returns the public trade topic of symbol.
func TradeTopic(symbol string) string {
	return "publicTrade." + symbol
}

// KlineTopic returns the kline topic of symbol for interval (e.g. "1").
func KlineTopic(interval, symbol string) string {
	return "kline." + interval + "." + symbol
}

// PrivateTopics are the account topics of an authenticated connection.
func PrivateTopics() []string {
	return []string{TopicOrder, TopicExecution, TopicPosition, TopicWallet}
}

type request struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

// Encoder builds the venue's control frames.
type Encoder struct{}

var _ websocket.ControlEncoder = Encoder{}

func (Encoder) EncodeSubscribe(topics []string) (websocket.MessageType, []byte, error) {
	return encode(request{Op: "subscribe", Args: topics})
}

func (Encoder) EncodeUnsubscribe(topics []string) (websocket.MessageType, []byte, error) {
	return encode(request{Op: "unsubscribe", Args: topics})
}

func (Encoder) EncodePing() (websocket.MessageType, []byte, error) {
	return encode(request{Op: "ping"})
}

func encodePong() (websocket.MessageType, []byte, error) {
	return encode(request{Op: "pong"})
}

// EncodeAuth builds the signed auth frame of a private connection.
func EncodeAuth(signer *venue.Signer, now time.Time, ttl time.Duration) (websocket.MessageType, []byte, error) {
	expires, sign := signer.StreamAuth(now, ttl)
	return encode(request{Op: "auth", Args: []string{signer.Key(), strconv.FormatInt(expires, 10), sign}})
}

func encode(r request) (websocket.MessageType, []byte, error) {
	b, err := sonic.ConfigDefault.Marshal(r)
	if err != nil {
		return websocket.MessageText, nil, err
	}
	return websocket.MessageText, b, nil
}
