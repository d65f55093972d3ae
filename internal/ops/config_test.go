package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketmaker/internal/errors"
	"marketmaker/internal/schema"
	"marketmaker/pkg/exception"
)

const sampleYAML = `
venue:
  rest_url: https://api.example.test
  recv_window: 5s
  timeout: 3s
stream:
  public_url: wss://stream.example.test/public
  private_url: wss://stream.example.test/private
  ping_interval: 20s
  backoff:
    min: 500ms
    max: 30s
    factor: 2
    max_attempts: 10
retry:
  min: 100ms
  max: 2s
  max_attempts: 3
log:
  level: debug
  format: console
persistence:
  dir: /tmp/mm-state
runtime:
  day_boundary: local
instruments:
  - symbol: btcusdt
    position_mode: one_way
    leverage: 5
    tick_size: "0.01"
    qty_step: "0.001"
    min_qty: "0.001"
    max_exposure: "1"
    base_qty: "0.01"
    maker_fee: "0.0002"
    cycle_interval: 500ms
    strategy:
      base_spread: "0.001"
      min_spread: "0.0005"
      max_spread: "0.01"
      volatility_multiplier: "2"
      skew_intensity: "0.5"
      layers:
        - offset: "0"
          multiplier: "1"
        - offset: "0.001"
          multiplier: "2"
      stale_price_pct: "0.002"
      depth_check: false
    risk:
      breaker:
        window: 1m
        max_move: "0.02"
        pause: 30s
        resume: 1m
      hours:
        start: "22:00"
        end: "06:00"
  - symbol: ETHUSDT
    enabled: false
    max_exposure: "10"
    base_qty: "0.1"
    strategy:
      base_spread: "0.002"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("MM_API_KEY", "key-from-env")
	t.Setenv("MM_API_SECRET", "secret-from-env")

	loaded, err := Load(writeConfig(t, "config.yaml", sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", loaded.Venue.APIKey)
	assert.Equal(t, "secret-from-env", loaded.Venue.APISecret)
	assert.Equal(t, 5*time.Second, loaded.Venue.RecvWindow)
	assert.Equal(t, 500*time.Millisecond, loaded.Stream.Backoff.Min)
	assert.Equal(t, 10, loaded.Stream.Backoff.MaxAttempts)
	assert.Equal(t, defaultBookDepth, loaded.Stream.Depth)
	assert.Equal(t, time.Local, loaded.Runtime.Location())
	assert.NotEmpty(t, loaded.Version)
	assert.False(t, loaded.ModTime.IsZero())

	require.Len(t, loaded.Instruments, 2)
	enabled := loaded.Enabled()
	require.Len(t, enabled, 1)

	btc := enabled[0]
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.Equal(t, schema.PositionModeOneWay, btc.PositionMode)
	assert.True(t, btc.Leverage.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 500*time.Millisecond, btc.CycleInterval)
	assert.Equal(t, defaultSyncInterval, btc.SyncInterval)
	assert.Equal(t, time.Minute, btc.Risk.Breaker.Window)
	assert.Equal(t, "22:00", btc.Risk.Hours.Start)

	q := btc.QuoteConfig()
	require.NoError(t, q.Validate())
	assert.True(t, q.TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, q.VolatilityMultiplier.Equal(decimal.NewFromInt(2)))
	assert.False(t, q.DepthCheck)
	require.Len(t, q.Layers, 2)
	assert.True(t, q.Layers[1].Multiplier.Equal(decimal.NewFromInt(2)))

	o := btc.OrderConfig()
	assert.Equal(t, "BTCUSDT", o.Symbol)
	assert.Equal(t, schema.PositionModeOneWay, o.Mode)
	assert.Equal(t, 4, o.MaxOpenOrders)
	assert.Equal(t, defaultCancelInterval, o.CancelInterval)
	assert.True(t, o.PostOnly)
	assert.True(t, o.StalePricePct.Equal(decimal.RequireFromString("0.002")))
}

func TestLoadJSON(t *testing.T) {
	body := `{
  "instruments": [
    {"symbol": "SOLUSDT", "max_exposure": "100", "base_qty": "1",
     "strategy": {"base_spread": "0.001"}}
  ]
}`
	loaded, err := Load(writeConfig(t, "config.json", body))
	require.NoError(t, err)
	require.Len(t, loaded.Instruments, 1)

	inst := loaded.Instruments[0]
	assert.Equal(t, schema.PositionModeOneWay, inst.PositionMode)
	assert.True(t, inst.Strategy.EMAAlpha.Equal(defaultEMAAlpha))
	assert.Equal(t, defaultATRPeriod, inst.Strategy.ATRPeriod)
	assert.True(t, inst.Strategy.Pricing.MaxSpread.Equal(inst.Strategy.Pricing.BaseSpread))
	assert.True(t, inst.QuoteConfig().DepthCheck)
	assert.Equal(t, time.UTC, loaded.Runtime.Location())
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		desc   string
		name   string
		body   string
		target error
	}{
		{
			desc:   "unsupported extension",
			name:   "config.toml",
			body:   "",
			target: exception.ErrConfigUnsupportedType,
		},
		{
			desc:   "no instruments",
			name:   "config.yaml",
			body:   "log:\n  level: info\n",
			target: exception.ErrConfigNoInstruments,
		},
		{
			desc: "duplicate symbol",
			name: "config.yaml",
			body: `
instruments:
  - {symbol: BTCUSDT, max_exposure: "1", base_qty: "0.1", strategy: {base_spread: "0.001"}}
  - {symbol: btcusdt, max_exposure: "1", base_qty: "0.1", strategy: {base_spread: "0.001"}}
`,
			target: exception.ErrConfigDuplicateSymbol,
		},
		{
			desc: "missing base qty",
			name: "config.yaml",
			body: `
instruments:
  - {symbol: BTCUSDT, max_exposure: "1", strategy: {base_spread: "0.001"}}
`,
			target: exception.ErrConfigInvalidInstrument,
		},
		{
			desc: "hedge mode",
			name: "config.yaml",
			body: `
instruments:
  - {symbol: BTCUSDT, position_mode: hedge, max_exposure: "1", base_qty: "0.1", strategy: {base_spread: "0.001"}}
`,
			target: exception.ErrConfigInvalidInstrument,
		},
		{
			desc: "bad trading hours",
			name: "config.yaml",
			body: `
instruments:
  - symbol: BTCUSDT
    max_exposure: "1"
    base_qty: "0.1"
    strategy: {base_spread: "0.001"}
    risk:
      hours: {start: "25:00", end: "06:00"}
`,
			target: exception.ErrConfigInvalidInstrument,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.name, tc.body))
			if !errors.Is(err, tc.target) {
				t.Fatalf("error mismatch: got %v want %v", err, tc.target)
			}
		})
	}

	_, err := Load("")
	assert.ErrorIs(t, err, exception.ErrConfigEmptyPath)
}

func TestFingerprintAndInstrumentFill(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	same, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, cfg.Instruments[0].Fingerprint(), same.Instruments[0].Fingerprint())

	changed := same.Instruments[0]
	changed.BaseQty = decimal.RequireFromString("0.02")
	assert.NotEqual(t, cfg.Instruments[0].Fingerprint(), changed.Fingerprint())

	eth := cfg.Instruments[1].WithInstrument(
		decimal.RequireFromString("0.01"),
		decimal.RequireFromString("0.01"),
		decimal.RequireFromString("0.01"),
		decimal.NewFromInt(5),
	)
	assert.True(t, eth.TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, eth.MinNotional.Equal(decimal.NewFromInt(5)))

	btc := cfg.Instruments[0].WithInstrument(decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.Zero)
	assert.True(t, btc.TickSize.Equal(decimal.RequireFromString("0.01")), "config value wins")
}
