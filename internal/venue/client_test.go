package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmaker/internal/errors"
	"marketmaker/internal/schema"
	"marketmaker/pkg/backoff"
	"marketmaker/pkg/exception"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRetry() backoff.Backoff {
	return backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, MaxAttempts: 3}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"}, testRetry(), nil, nil)
	require.NoError(t, err)
	return c
}

func writeEnvelope(w http.ResponseWriter, code int, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"retCode":`+itoa(code)+`,"retMsg":"msg","result":`+result+`,"time":1}`)
}

func itoa(i int) string {
	b, _ := sonic.Marshal(i)
	return string(b)
}

func expectedSign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPlaceOrderSignsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, pathOrderCreate, r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		ts := r.Header.Get("X-API-TIMESTAMP")
		window := r.Header.Get("X-API-RECV-WINDOW")
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "5000", window)
		assert.Equal(t, expectedSign("secret", ts+"key"+window+string(body)), r.Header.Get("X-API-SIGN"))

		var req map[string]any
		require.NoError(t, sonic.Unmarshal(body, &req))
		assert.Equal(t, "BTCUSDT", req["symbol"])
		assert.Equal(t, "Buy", req["side"])
		assert.Equal(t, "Limit", req["orderType"])
		assert.Equal(t, "99.95", req["price"])
		assert.Equal(t, "PostOnly", req["timeInForce"])
		assert.Equal(t, "b0-abc", req["orderLinkId"])

		writeEnvelope(w, 0, `{"orderId":"v1","orderLinkId":"b0-abc"}`)
	})

	id, err := c.PlaceOrder(context.Background(), schema.OrderIntent{
		Symbol:      "BTCUSDT",
		ClientID:    "b0-abc",
		Side:        schema.SideBuy,
		Price:       d("99.95"),
		Qty:         d("1"),
		TimeInForce: schema.TimeInForcePostOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", id)
}

func TestGetSignsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get("X-API-TIMESTAMP")
		assert.Equal(t, expectedSign("secret", ts+"key5000"+r.URL.RawQuery), r.Header.Get("X-API-SIGN"))
		writeEnvelope(w, 0, `{"category":"linear","list":[
			{"symbol":"BTCUSDT","orderId":"v1","orderLinkId":"b0-abc","side":"Buy","price":"99.95","qty":"1","cumExecQty":"0.25","orderStatus":"PartiallyFilled","updatedTime":"1709294400000"}
		]}`)
	})

	orders, err := c.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, "v1", o.OrderID)
	assert.Equal(t, "b0-abc", o.ClientID)
	assert.Equal(t, schema.SideBuy, o.Side)
	assert.Equal(t, schema.OrderStatusPartiallyFilled, o.Status)
	assert.True(t, o.CumQty.Equal(d("0.25")))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), o.Ts)
}

func TestRetryTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeEnvelope(w, CodeRateLimit, `{}`)
			return
		}
		writeEnvelope(w, 0, `{}`)
	})

	require.NoError(t, c.CancelOrder(context.Background(), "BTCUSDT", "v1"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := c.CancelOrder(context.Background(), "BTCUSDT", "v1")
	require.ErrorIs(t, err, exception.ErrTransient)
	require.ErrorIs(t, err, exception.ErrVenueBadStatus)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryOnFatal(t *testing.T) {
	testCases := []struct {
		desc  string
		code  int
		class error
	}{
		{desc: "auth", code: CodeAuth, class: exception.ErrFatalSession},
		{desc: "insufficient balance", code: CodeInsufficient, class: exception.ErrFatalOrder},
		{desc: "unknown code", code: 123456, class: exception.ErrFatalOrder},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeEnvelope(w, tc.code, `{}`)
			})
			_, err := c.PlaceOrder(context.Background(), schema.OrderIntent{Symbol: "BTCUSDT", Side: schema.SideBuy, Price: d("1"), Qty: d("1")})
			require.ErrorIs(t, err, tc.class)
			if got := calls.Load(); got != 1 {
				t.Fatalf("calls mismatch: got %d want 1", got)
			}
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.code, apiErr.Code)
		})
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, CodeOrderNotFound, `{}`)
	})
	err := c.CancelOrder(context.Background(), "BTCUSDT", "v1")
	require.ErrorIs(t, err, exception.ErrVenueOrderNotFound)
	require.ErrorIs(t, err, exception.ErrFatalOrder)
}

func TestDecodeFailureIsDataIntegrity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not json")
	})
	_, err := c.Position(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, exception.ErrDataIntegrity)
}

func TestPositionBalanceInstrument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathPositionList:
			writeEnvelope(w, 0, `{"list":[{"symbol":"BTCUSDT","side":"Sell","size":"0.5","avgPrice":"100","unrealisedPnl":"-1","positionIdx":0}]}`)
		case pathWalletBalance:
			assert.Equal(t, "USDT", r.URL.Query().Get("coin"))
			writeEnvelope(w, 0, `{"list":[{"accountType":"UNIFIED","coin":[{"coin":"USDT","equity":"1000.5","availableToWithdraw":"900"}]}]}`)
		case pathInstruments:
			writeEnvelope(w, 0, `{"list":[{"symbol":"BTCUSDT","priceFilter":{"tickSize":"0.10"},"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","minNotionalValue":"5"}}]}`)
		case pathSetLeverage:
			writeEnvelope(w, CodeLeverageNotSet, `{}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	pos, err := c.Position(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Size.Equal(d("-0.5")))

	bal, err := c.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equity.Equal(d("1000.5")))
	assert.True(t, bal.Available.Equal(d("900")))

	inst, err := c.Instrument(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, inst.TickSize.Equal(d("0.1")))
	assert.True(t, inst.MinNotional.Equal(d("5")))

	require.NoError(t, c.SetLeverage(ctx, "BTCUSDT", d("3")))
}

func TestKlinesOldestFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		writeEnvelope(w, 0, `{"symbol":"BTCUSDT","list":[
			["1709294520000","102","103","101","102.5","10","1000"],
			["1709294460000","101","102","100","102","10","1000"],
			["1709294400000","100","101","99","101","10","1000"]
		]}`)
	})

	klines, err := c.Klines(context.Background(), "BTCUSDT", "1", 3)
	require.NoError(t, err)
	require.Len(t, klines, 3)
	assert.True(t, klines[0].Open.Equal(d("100")))
	assert.True(t, klines[0].Confirmed)
	assert.False(t, klines[2].Confirmed, "newest candle is still open")
	assert.True(t, klines[2].Start.After(klines[1].Start))
}

func TestUnparsableDecimalIsDataIntegrity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathKline:
			writeEnvelope(w, 0, `{"symbol":"BTCUSDT","list":[["1709294400000","100","101","n/a","101","10","1000"]]}`)
		case pathPositionList:
			writeEnvelope(w, 0, `{"list":[{"symbol":"BTCUSDT","side":"Buy","size":"0.5x","avgPrice":"100","positionIdx":0}]}`)
		case pathOrderRealtime:
			writeEnvelope(w, 0, `{"list":[{"symbol":"BTCUSDT","orderId":"o1","side":"Buy","price":"","qty":"1","cumExecQty":"NaN?","orderStatus":"New"}]}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	testCases := []struct {
		desc string
		call func() error
	}{
		{desc: "kline low", call: func() error { _, err := c.Klines(ctx, "BTCUSDT", "1", 1); return err }},
		{desc: "position size", call: func() error { _, err := c.Position(ctx, "BTCUSDT"); return err }},
		{desc: "order cum qty", call: func() error { _, err := c.OpenOrders(ctx, "BTCUSDT"); return err }},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.call()
			require.ErrorIs(t, err, exception.ErrDataIntegrity)
			require.ErrorIs(t, err, exception.ErrVenueDecodeResponse)
		})
	}
}

func TestNewClientCredentials(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://x"}, testRetry(), nil, nil)
	require.ErrorIs(t, err, exception.ErrVenueEmptyCredential)
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		desc string
		err  error
		want error
	}{
		{desc: "rate limit", err: &APIError{Code: CodeRateLimit}, want: exception.ErrTransient},
		{desc: "timestamp", err: &APIError{Code: CodeTimestamp}, want: exception.ErrTransient},
		{desc: "permission", err: &APIError{Code: CodePermission}, want: exception.ErrFatalSession},
		{desc: "post only", err: &APIError{Code: CodePostOnlyCross}, want: exception.ErrFatalOrder},
		{desc: "deadline", err: errors.Wrap(context.DeadlineExceeded, "post"), want: exception.ErrTransient},
		{desc: "plain", err: errors.New("boom"), want: exception.ErrFatalOrder},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("class mismatch: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestStreamAuthSignature(t *testing.T) {
	s := NewSigner("key", "secret")
	now := time.UnixMilli(1_000)
	expires, sign := s.StreamAuth(now, 10*time.Second)
	assert.Equal(t, int64(11_000), expires)
	assert.Equal(t, expectedSign("secret", "GET/realtime11000"), sign)
}
