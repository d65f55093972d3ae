package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"marketmaker/internal/errors"
	"marketmaker/internal/schema"
	"marketmaker/pkg/exception"
)

// frame is one inbound message: either a topic push or an op response.
type frame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type bookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
	Update int64       `json:"u"`
	Seq    int64       `json:"seq"`
}

type tradeData struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Volume string `json:"v"`
	Price  string `json:"p"`
}

type klineData struct {
	Start   int64  `json:"start"`
	Open    string `json:"open"`
	High    string `json:"high"`
	Low     string `json:"low"`
	Close   string `json:"close"`
	Volume  string `json:"volume"`
	Confirm bool   `json:"confirm"`
}

type orderData struct {
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	OrderStatus  string `json:"orderStatus"`
	RejectReason string `json:"rejectReason"`
	UpdatedTime  string `json:"updatedTime"`
}

type executionData struct {
	Symbol      string `json:"symbol"`
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	IsMaker     bool   `json:"isMaker"`
	ExecTime    string `json:"execTime"`
}

type positionData struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

type walletData struct {
	Coin []struct {
		Coin                string `json:"coin"`
		Equity              string `json:"equity"`
		AvailableToWithdraw string `json:"availableToWithdraw"`
	} `json:"coin"`
}

func malformed(topic string, err error) error {
	return errors.Mark(errors.Wrap(exception.ErrStreamMalformedData, topic+": "+err.Error()), exception.ErrDataIntegrity)
}

func decodeFrame(payload []byte) (frame, error) {
	var f frame
	if err := sonic.ConfigDefault.Unmarshal(payload, &f); err != nil {
		return frame{}, malformed("frame", err)
	}
	return f, nil
}

func decodeList[T any](topic string, data []byte) ([]T, error) {
	var out []T
	if err := sonic.ConfigDefault.Unmarshal(data, &out); err != nil {
		return nil, malformed(topic, err)
	}
	return out, nil
}

// topicSymbol returns the symbol suffix of a public topic such as "publicTrade.BTCUSDT".
func topicSymbol(topic string) string {
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		return topic[i+1:]
	}
	return ""
}

func (d orderData) toUpdate() (schema.OrderUpdate, error) {
	p := fieldParser{topic: TopicOrder}
	update := schema.OrderUpdate{
		Symbol:   d.Symbol,
		OrderID:  d.OrderID,
		ClientID: d.OrderLinkID,
		Side:     schema.ParseSide(d.Side),
		Price:    p.decimal("price", d.Price),
		Qty:      p.decimal("qty", d.Qty),
		CumQty:   p.decimal("cumExecQty", d.CumExecQty),
		Status:   schema.ParseOrderStatus(d.OrderStatus),
		Reason:   d.RejectReason,
		Ts:       parseMillis(d.UpdatedTime),
	}
	return update, p.err
}

func (d executionData) toExecution() (schema.Execution, error) {
	if d.ExecID == "" {
		return schema.Execution{}, malformed(TopicExecution, errors.New("empty exec id"))
	}
	p := fieldParser{topic: TopicExecution}
	exec := schema.Execution{
		Symbol:   d.Symbol,
		ExecID:   d.ExecID,
		OrderID:  d.OrderID,
		ClientID: d.OrderLinkID,
		Side:     schema.ParseSide(d.Side),
		Price:    p.required("execPrice", d.ExecPrice),
		Qty:      p.required("execQty", d.ExecQty),
		Fee:      p.decimal("execFee", d.ExecFee),
		IsMaker:  d.IsMaker,
		Ts:       parseMillis(d.ExecTime),
	}
	return exec, p.err
}

func (d positionData) toUpdate() (schema.PositionUpdate, error) {
	p := fieldParser{topic: TopicPosition}
	size := p.decimal("size", d.Size)
	if schema.ParseSide(d.Side) == schema.SideSell {
		size = size.Neg()
	}
	update := schema.PositionUpdate{
		Symbol:        d.Symbol,
		Size:          size,
		AvgPrice:      p.decimal("entryPrice", d.EntryPrice),
		UnrealizedPnL: p.decimal("unrealisedPnl", d.UnrealisedPnl),
		PositionIdx:   d.PositionIdx,
		Ts:            parseMillis(d.UpdatedTime),
	}
	return update, p.err
}

func (d tradeData) toTrade() (schema.Trade, error) {
	p := fieldParser{topic: "publicTrade." + d.Symbol}
	trade := schema.Trade{
		Symbol: d.Symbol,
		Side:   schema.ParseSide(d.Side),
		Price:  p.required("p", d.Price),
		Qty:    p.required("v", d.Volume),
		Ts:     time.UnixMilli(d.Time).UTC(),
	}
	if p.err == nil && !trade.Price.IsPositive() {
		p.err = malformed(p.topic, errors.New("non-positive trade price"))
	}
	return trade, p.err
}

func (d klineData) toKline(topic string) (schema.Kline, error) {
	p := fieldParser{topic: topic}
	kline := schema.Kline{
		Symbol:    topicSymbol(topic),
		Start:     time.UnixMilli(d.Start).UTC(),
		Open:      p.required("open", d.Open),
		High:      p.required("high", d.High),
		Low:       p.required("low", d.Low),
		Close:     p.required("close", d.Close),
		Volume:    p.decimal("volume", d.Volume),
		Confirmed: d.Confirm,
	}
	return kline, p.err
}

func parseLevels(raw [][2]string) ([]schema.Level, error) {
	out := make([]schema.Level, 0, len(raw))
	for _, lv := range raw {
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			return nil, err
		}
		out = append(out, schema.Level{Price: price, Qty: qty})
	}
	return out, nil
}

// fieldParser keeps the first decimal error of one row so the whole row is dropped
// instead of carrying a silent zero.
type fieldParser struct {
	topic string
	err   error
}

// decimal parses an optional field; empty reads as zero.
func (p *fieldParser) decimal(name, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return p.required(name, s)
}

func (p *fieldParser) required(name, s string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		p.err = malformed(p.topic, fmt.Errorf("%s %q: %w", name, s, err))
		return decimal.Zero
	}
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
