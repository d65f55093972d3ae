package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/og"
	"marketmaker/internal/quote"
	"marketmaker/internal/risk"
	"marketmaker/internal/schema"
	"marketmaker/internal/venue"
	"marketmaker/pkg/backoff"
	"marketmaker/pkg/exception"
)

const (
	defaultCycleInterval  = time.Second
	defaultSyncInterval   = 30 * time.Second
	defaultMaxDataAge     = 10 * time.Second
	defaultCancelInterval = 200 * time.Millisecond
	defaultATRPeriod      = 14
	defaultHistoryLimit   = 500
	defaultConfigPoll     = 5 * time.Second
	defaultMetricsEvery   = time.Minute
	defaultBookDepth      = 50
)

var defaultEMAAlpha = decimal.RequireFromString("0.2")

// FileConfig mirrors the config file layout.
type FileConfig struct {
	Venue       venue.Config       `yaml:"venue"`
	Stream      StreamConfig       `yaml:"stream"`
	Retry       backoff.Backoff    `yaml:"retry"`
	Log         obs.LogConfig      `yaml:"log"`
	Persistence PersistenceConfig  `yaml:"persistence"`
	Runtime     RuntimeConfig      `yaml:"runtime"`
	Instruments []InstrumentConfig `yaml:"instruments"`
}

// StreamConfig describes the public and private stream endpoints.
type StreamConfig struct {
	PublicURL    string          `yaml:"public_url"`
	PrivateURL   string          `yaml:"private_url"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	Depth        int             `yaml:"depth"`
	Backoff      backoff.Backoff `yaml:"backoff"`
}

// PersistenceConfig controls the state files and the optional trade store.
type PersistenceConfig struct {
	Dir               string   `yaml:"dir"`
	TradeHistoryLimit int      `yaml:"trade_history_limit"`
	DB                DBConfig `yaml:"db"`
}

// DBConfig selects the trade store. An empty driver disables it.
type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn" env:"MM_DB_DSN"`
}

// RuntimeConfig holds process-wide knobs.
type RuntimeConfig struct {
	ConfigPollInterval time.Duration `yaml:"config_poll_interval"`
	// DayBoundary is "utc" or "local".
	DayBoundary     string        `yaml:"day_boundary"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Location returns the time zone that splits trading days.
func (r RuntimeConfig) Location() *time.Location {
	if strings.EqualFold(r.DayBoundary, "local") {
		return time.Local
	}
	return time.UTC
}

// StrategyConfig is the quoting part of an instrument.
type StrategyConfig struct {
	Pricing        quote.Config    `yaml:",inline"`
	EMAAlpha       decimal.Decimal `yaml:"ema_alpha"`
	ATRPeriod      int             `yaml:"atr_period"`
	StaleAge       time.Duration   `yaml:"stale_age"`
	StalePricePct  decimal.Decimal `yaml:"stale_price_pct"`
	MaxOpenOrders  int             `yaml:"max_open_orders"`
	CancelInterval time.Duration   `yaml:"cancel_interval"`
	DepthCheck     *bool           `yaml:"depth_check"`
	PostOnly       *bool           `yaml:"post_only"`
}

// InstrumentConfig is the immutable per-instrument configuration. A worker never sees it
// change; a reload with a different fingerprint restarts the worker.
type InstrumentConfig struct {
	Symbol        string              `yaml:"symbol"`
	Enabled       *bool               `yaml:"enabled"`
	Leverage      decimal.Decimal     `yaml:"leverage"`
	PositionMode  schema.PositionMode `yaml:"position_mode"`
	TickSize      decimal.Decimal     `yaml:"tick_size"`
	QtyStep       decimal.Decimal     `yaml:"qty_step"`
	MinQty        decimal.Decimal     `yaml:"min_qty"`
	MinNotional   decimal.Decimal     `yaml:"min_notional"`
	MaxExposure   decimal.Decimal     `yaml:"max_exposure"`
	BaseQty       decimal.Decimal     `yaml:"base_qty"`
	MakerFee      decimal.Decimal     `yaml:"maker_fee"`
	CycleInterval time.Duration       `yaml:"cycle_interval"`
	SyncInterval  time.Duration       `yaml:"sync_interval"`
	MaxDataAge    time.Duration       `yaml:"max_data_age"`
	Strategy      StrategyConfig      `yaml:"strategy"`
	Risk          risk.Config         `yaml:"risk"`
}

// IsEnabled resolves the enabled flag, which defaults to true.
func (c InstrumentConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// QuoteConfig builds the pricing config with the instrument metadata filled in.
func (c InstrumentConfig) QuoteConfig() quote.Config {
	q := c.Strategy.Pricing
	q.TickSize = c.TickSize
	q.QtyStep = c.QtyStep
	q.MinQty = c.MinQty
	q.BaseQty = c.BaseQty
	q.MakerFee = c.MakerFee
	q.MaxExposure = c.MaxExposure
	q.DepthCheck = resolveBool(c.Strategy.DepthCheck, true)
	return q
}

// OrderConfig builds the order manager config.
func (c InstrumentConfig) OrderConfig() og.Config {
	return og.Config{
		Symbol:         c.Symbol,
		Mode:           c.PositionMode,
		QtyStep:        c.QtyStep,
		MinQty:         c.MinQty,
		MinNotional:    c.MinNotional,
		StaleAge:       c.Strategy.StaleAge,
		StalePricePct:  c.Strategy.StalePricePct,
		MaxOpenOrders:  c.Strategy.MaxOpenOrders,
		CancelInterval: c.Strategy.CancelInterval,
		PostOnly:       resolveBool(c.Strategy.PostOnly, true),
	}
}

// WithInstrument fills tick size, qty step and minimums the config left at zero.
func (c InstrumentConfig) WithInstrument(tick, step, minQty, minNotional decimal.Decimal) InstrumentConfig {
	if c.TickSize.IsZero() {
		c.TickSize = tick
	}
	if c.QtyStep.IsZero() {
		c.QtyStep = step
	}
	if c.MinQty.IsZero() {
		c.MinQty = minQty
	}
	if c.MinNotional.IsZero() {
		c.MinNotional = minNotional
	}
	return c
}

// Fingerprint identifies the config for reload comparisons.
func (c InstrumentConfig) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	FileConfig
	Path    string
	Version string
	ModTime time.Time
}

// Enabled returns the instruments that should run.
func (l Loaded) Enabled() []InstrumentConfig {
	result := make([]InstrumentConfig, 0, len(l.Instruments))
	for _, inst := range l.Instruments {
		if inst.IsEnabled() {
			result = append(result, inst)
		}
	}
	return result
}

// Load reads a YAML or JSON config file, overlays credentials from the environment,
// fills defaults and validates the result.
func Load(path string) (Loaded, error) {
	if path == "" {
		return Loaded{}, exception.ErrConfigEmptyPath
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	default:
		return Loaded{}, errors.Wrap(exception.ErrConfigUnsupportedType, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "stat config")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}

	cfg, err := Parse(data)
	if err != nil {
		return Loaded{}, err
	}

	return Loaded{
		FileConfig: cfg,
		Path:       path,
		Version:    fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
		ModTime:    info.ModTime(),
	}, nil
}

// Parse decodes config bytes. JSON documents parse as YAML flow style.
func Parse(data []byte) (FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, errors.Wrap(err, "decode config")
	}
	if err := env.Parse(&cfg.Venue); err != nil {
		return FileConfig{}, errors.Wrap(err, "parse venue env")
	}
	if err := env.Parse(&cfg.Persistence.DB); err != nil {
		return FileConfig{}, errors.Wrap(err, "parse db env")
	}
	resolveDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// ModTime returns the modification time of path, used by the config watcher.
func ModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func resolveDefaults(cfg *FileConfig) {
	if cfg.Stream.Depth <= 0 {
		cfg.Stream.Depth = defaultBookDepth
	}
	if cfg.Persistence.Dir == "" {
		cfg.Persistence.Dir = "state"
	}
	if cfg.Persistence.TradeHistoryLimit <= 0 {
		cfg.Persistence.TradeHistoryLimit = defaultHistoryLimit
	}
	if cfg.Runtime.ConfigPollInterval <= 0 {
		cfg.Runtime.ConfigPollInterval = defaultConfigPoll
	}
	if cfg.Runtime.MetricsInterval <= 0 {
		cfg.Runtime.MetricsInterval = defaultMetricsEvery
	}
	if cfg.Runtime.DayBoundary == "" {
		cfg.Runtime.DayBoundary = "utc"
	}
	for i := range cfg.Instruments {
		resolveInstrument(&cfg.Instruments[i])
	}
}

func resolveInstrument(c *InstrumentConfig) {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.CycleInterval <= 0 {
		c.CycleInterval = defaultCycleInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaultSyncInterval
	}
	if c.MaxDataAge <= 0 {
		c.MaxDataAge = defaultMaxDataAge
	}

	s := &c.Strategy
	if !s.EMAAlpha.IsPositive() {
		s.EMAAlpha = defaultEMAAlpha
	}
	if s.ATRPeriod <= 0 {
		s.ATRPeriod = defaultATRPeriod
	}
	if s.CancelInterval <= 0 {
		s.CancelInterval = defaultCancelInterval
	}
	if len(s.Pricing.Layers) == 0 {
		s.Pricing.Layers = []quote.Layer{{Offset: decimal.Zero, Multiplier: decimal.NewFromInt(1)}}
	}
	if s.MaxOpenOrders <= 0 {
		s.MaxOpenOrders = 2 * len(s.Pricing.Layers)
	}
	if s.Pricing.MaxSpread.IsZero() {
		s.Pricing.MaxSpread = s.Pricing.BaseSpread
	}
	if s.Pricing.MaxInventoryRatio.IsZero() {
		s.Pricing.MaxInventoryRatio = decimal.NewFromInt(1)
	}
}

func resolveBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func validate(cfg FileConfig) error {
	if len(cfg.Instruments) == 0 {
		return exception.ErrConfigNoInstruments
	}
	seen := make(map[string]bool, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		if seen[inst.Symbol] {
			return errors.Wrap(exception.ErrConfigDuplicateSymbol, inst.Symbol)
		}
		seen[inst.Symbol] = true
		if err := validateInstrument(inst); err != nil {
			return errors.Wrap(exception.ErrConfigInvalidInstrument, fmt.Sprintf("%s: %+v", inst.Symbol, err))
		}
	}
	switch strings.ToLower(cfg.Runtime.DayBoundary) {
	case "utc", "local":
	default:
		return fmt.Errorf("day boundary must be utc or local, got %q", cfg.Runtime.DayBoundary)
	}
	return nil
}

func validateInstrument(c InstrumentConfig) error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is empty")
	}
	if !c.BaseQty.IsPositive() {
		return fmt.Errorf("base qty must be > 0")
	}
	if !c.MaxExposure.IsPositive() {
		return fmt.Errorf("max exposure must be > 0")
	}
	if c.TickSize.IsNegative() || c.QtyStep.IsNegative() || c.MinQty.IsNegative() || c.MinNotional.IsNegative() {
		return fmt.Errorf("instrument filters must be >= 0")
	}
	if c.Leverage.IsNegative() {
		return fmt.Errorf("leverage must be >= 0")
	}
	// the ledger nets every fill into one FIFO position, which cannot track two legs
	if c.PositionMode == schema.PositionModeHedge {
		return fmt.Errorf("position mode %s is not supported, use one_way", c.PositionMode)
	}
	p := c.Strategy.Pricing
	if !p.BaseSpread.IsPositive() {
		return fmt.Errorf("base spread must be > 0")
	}
	if p.MinSpread.IsNegative() || p.MaxSpread.LessThan(p.MinSpread) {
		return fmt.Errorf("spread bounds invalid: min=%s max=%s", p.MinSpread, p.MaxSpread)
	}
	if c.Strategy.EMAAlpha.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("ema alpha must be in (0, 1]")
	}
	if c.Strategy.StalePricePct.IsNegative() {
		return fmt.Errorf("stale price pct must be >= 0")
	}
	return c.Risk.Validate()
}
