package venue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/schema"
	"marketmaker/pkg/backoff"
	"marketmaker/pkg/exception"
)

const (
	pathOrderCreate    = "/v5/order/create"
	pathOrderCancel    = "/v5/order/cancel"
	pathOrderCancelAll = "/v5/order/cancel-all"
	pathOrderRealtime  = "/v5/order/realtime"
	pathPositionList   = "/v5/position/list"
	pathSetLeverage    = "/v5/position/set-leverage"
	pathWalletBalance  = "/v5/account/wallet-balance"
	pathInstruments    = "/v5/market/instruments-info"
	pathKline          = "/v5/market/kline"
)

// Config holds the REST endpoint and credentials.
type Config struct {
	BaseURL     string        `yaml:"rest_url"`
	APIKey      string        `yaml:"api_key" env:"MM_API_KEY"`
	APISecret   string        `yaml:"api_secret" env:"MM_API_SECRET"`
	RecvWindow  time.Duration `yaml:"recv_window"`
	Timeout     time.Duration `yaml:"timeout"`
	Category    string        `yaml:"category"`
	AccountType string        `yaml:"account_type"`
}

// Client is the authenticated REST client. It never mutates bot state.
type Client struct {
	cfg     Config
	http    *http.Client
	signer  *Signer
	retry   backoff.Backoff
	log     *zap.SugaredLogger
	metrics *obs.Metrics
	now     func() time.Time
}

// NewClient creates a REST client. retry bounds transient retries of every call.
func NewClient(cfg Config, retry backoff.Backoff, log *zap.SugaredLogger, metrics *obs.Metrics) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, exception.ErrVenueEmptyCredential
	}
	if cfg.BaseURL == "" {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "empty rest url")
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.AccountType == "" {
		cfg.AccountType = "UNIFIED"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		signer:  NewSigner(cfg.APIKey, cfg.APISecret),
		retry:   retry,
		log:     obs.Nop(log),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Signer returns the request signer, shared with the private stream.
func (c *Client) Signer() *Signer {
	return c.signer
}

// PlaceOrder submits a limit order, or a market order when the price is zero.
func (c *Client) PlaceOrder(ctx context.Context, intent schema.OrderIntent) (string, error) {
	body := map[string]any{
		"category":    c.cfg.Category,
		"symbol":      intent.Symbol,
		"side":        intent.Side.String(),
		"qty":         intent.Qty.String(),
		"orderLinkId": intent.ClientID,
		"positionIdx": intent.PositionIdx,
	}
	if intent.Price.IsPositive() {
		body["orderType"] = "Limit"
		body["price"] = intent.Price.String()
	} else {
		body["orderType"] = "Market"
	}
	if intent.TimeInForce != "" {
		body["timeInForce"] = string(intent.TimeInForce)
	}
	if intent.ReduceOnly {
		body["reduceOnly"] = true
	}

	res, err := send[orderCreateResult](ctx, c, http.MethodPost, pathOrderCreate, nil, body)
	if err != nil {
		return "", err
	}
	if res.OrderID == "" {
		return "", errors.Mark(exception.ErrVenueEmptyOrderID, exception.ErrDataIntegrity)
	}
	return res.OrderID, nil
}

// CancelOrder cancels one order by venue id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := send[orderCreateResult](ctx, c, http.MethodPost, pathOrderCancel, nil, map[string]any{
		"category": c.cfg.Category,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	return err
}

// CancelAll cancels every open order of symbol.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	_, err := send[listResult[orderCreateResult]](ctx, c, http.MethodPost, pathOrderCancelAll, nil, map[string]any{
		"category": c.cfg.Category,
		"symbol":   symbol,
	})
	return err
}

// OpenOrders returns the open orders of symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]schema.OrderUpdate, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)
	q.Set("openOnly", "0")
	res, err := send[listResult[orderRecord]](ctx, c, http.MethodGet, pathOrderRealtime, q, nil)
	if err != nil {
		return nil, err
	}
	out := make([]schema.OrderUpdate, 0, len(res.List))
	for _, r := range res.List {
		update, err := r.toUpdate()
		if err != nil {
			return nil, err
		}
		out = append(out, update)
	}
	return out, nil
}

// Position returns the position legs of symbol.
func (c *Client) Position(ctx context.Context, symbol string) ([]schema.PositionUpdate, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)
	res, err := send[listResult[positionRecord]](ctx, c, http.MethodGet, pathPositionList, q, nil)
	if err != nil {
		return nil, err
	}
	out := make([]schema.PositionUpdate, 0, len(res.List))
	for _, r := range res.List {
		update, err := r.toUpdate()
		if err != nil {
			return nil, err
		}
		out = append(out, update)
	}
	return out, nil
}

// Balance returns the wallet balance of coin.
func (c *Client) Balance(ctx context.Context, coin string) (schema.Balance, error) {
	q := url.Values{}
	q.Set("accountType", c.cfg.AccountType)
	q.Set("coin", coin)
	res, err := send[listResult[walletRecord]](ctx, c, http.MethodGet, pathWalletBalance, q, nil)
	if err != nil {
		return schema.Balance{}, err
	}
	for _, w := range res.List {
		for _, cr := range w.Coin {
			if cr.Coin == coin {
				p := fieldParser{path: pathWalletBalance}
				bal := schema.Balance{
					Coin:      coin,
					Equity:    p.required("equity", cr.Equity),
					Available: p.decimal("availableToWithdraw", cr.AvailableToWithdraw),
					Ts:        c.now(),
				}
				return bal, p.err
			}
		}
	}
	return schema.Balance{Coin: coin, Ts: c.now()}, nil
}

// Instrument returns the trading metadata of symbol.
func (c *Client) Instrument(ctx context.Context, symbol string) (schema.Instrument, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)
	res, err := send[listResult[instrumentRecord]](ctx, c, http.MethodGet, pathInstruments, q, nil)
	if err != nil {
		return schema.Instrument{}, err
	}
	for _, r := range res.List {
		if r.Symbol == symbol {
			p := fieldParser{path: pathInstruments}
			inst := schema.Instrument{
				Symbol:      symbol,
				TickSize:    p.required("tickSize", r.PriceFilter.TickSize),
				QtyStep:     p.required("qtyStep", r.LotSizeFilter.QtyStep),
				MinQty:      p.decimal("minOrderQty", r.LotSizeFilter.MinOrderQty),
				MinNotional: p.decimal("minNotionalValue", r.LotSizeFilter.MinNotionalValue),
			}
			return inst, p.err
		}
	}
	return schema.Instrument{}, errors.Wrap(exception.ErrInvalidArgument, "unknown instrument "+symbol)
}

// SetLeverage sets the same leverage for both legs. An unchanged leverage is not an error.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	_, err := send[struct{}](ctx, c, http.MethodPost, pathSetLeverage, nil, map[string]any{
		"category":     c.cfg.Category,
		"symbol":       symbol,
		"buyLeverage":  leverage.String(),
		"sellLeverage": leverage.String(),
	})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeLeverageNotSet {
		return nil
	}
	return err
}

// Klines returns up to limit candles of interval (e.g. "1"), oldest first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]schema.Kline, error) {
	q := url.Values{}
	q.Set("category", c.cfg.Category)
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	res, err := send[klineResult](ctx, c, http.MethodGet, pathKline, q, nil)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Kline, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			continue
		}
		p := fieldParser{path: pathKline}
		kline := schema.Kline{
			Symbol:    symbol,
			Start:     parseMillis(row[0]),
			Open:      p.required("open", row[1]),
			High:      p.required("high", row[2]),
			Low:       p.required("low", row[3]),
			Close:     p.required("close", row[4]),
			Volume:    p.decimal("volume", row[5]),
			Confirmed: i > 0,
		}
		if p.err != nil {
			return nil, p.err
		}
		out = append(out, kline)
	}
	return out, nil
}

func send[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any) (T, error) {
	return Do(ctx, c.retry, Classify, func(ctx context.Context) (T, error) {
		res, err := roundTrip[T](ctx, c, method, path, query, body)
		if err != nil && errors.Is(Classify(err), exception.ErrTransient) {
			c.log.Warnf("%s %s, err: %+v", method, path, err)
		}
		return res, err
	})
}

func roundTrip[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := c.cfg.BaseURL + path
	var payload string
	var reader io.Reader
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			target += "?" + payload
		}
	} else {
		b, err := sonic.ConfigDefault.Marshal(body)
		if err != nil {
			return zero, err
		}
		payload = string(b)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.signer.Headers(c.now(), c.cfg.RecvWindow, payload) {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveREST(time.Since(start))
	if err != nil {
		return zero, errors.Mark(errors.Wrap(err, method+" "+path), exception.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := errors.Wrap(exception.ErrVenueBadStatus, path+" "+resp.Status)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return zero, errors.Mark(err, exception.ErrTransient)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return zero, errors.Mark(err, exception.ErrFatalSession)
		default:
			return zero, errors.Mark(err, exception.ErrFatalOrder)
		}
	}

	var env Response[T]
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&env); err != nil {
		return zero, errors.Mark(errors.Wrap(exception.ErrVenueDecodeResponse, err.Error()), exception.ErrDataIntegrity)
	}
	if env.RetCode != CodeOK {
		return zero, &APIError{Code: env.RetCode, Msg: env.RetMsg, Path: path}
	}
	return env.Result, nil
}

func (r orderRecord) toUpdate() (schema.OrderUpdate, error) {
	ts := parseMillis(r.UpdatedTime)
	if ts.IsZero() {
		ts = parseMillis(r.CreatedTime)
	}
	p := fieldParser{path: pathOrderRealtime}
	update := schema.OrderUpdate{
		Symbol:   r.Symbol,
		OrderID:  r.OrderID,
		ClientID: r.OrderLinkID,
		Side:     schema.ParseSide(r.Side),
		Price:    p.decimal("price", r.Price),
		Qty:      p.required("qty", r.Qty),
		CumQty:   p.decimal("cumExecQty", r.CumExecQty),
		Status:   schema.ParseOrderStatus(r.OrderStatus),
		Reason:   r.RejectReason,
		Ts:       ts,
	}
	return update, p.err
}

func (r positionRecord) toUpdate() (schema.PositionUpdate, error) {
	p := fieldParser{path: pathPositionList}
	size := p.decimal("size", r.Size)
	if schema.ParseSide(r.Side) == schema.SideSell {
		size = size.Neg()
	}
	update := schema.PositionUpdate{
		Symbol:        r.Symbol,
		Size:          size,
		AvgPrice:      p.decimal("avgPrice", r.AvgPrice),
		UnrealizedPnL: p.decimal("unrealisedPnl", r.UnrealisedPnl),
		PositionIdx:   r.PositionIdx,
		Ts:            parseMillis(r.UpdatedTime),
	}
	return update, p.err
}

// fieldParser keeps the first bad decimal of a response. A field that fails to parse is a
// data integrity error, never a zero.
type fieldParser struct {
	path string
	err  error
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
		p.err = errors.Mark(errors.Wrap(exception.ErrVenueDecodeResponse, fmt.Sprintf("%s %s %q: %v", p.path, name, s, err)), exception.ErrDataIntegrity)
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
