package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/schema"
)

// Action is what the worker must do this cycle.
type Action uint8

const (
	// Allow quoting as usual.
	Allow Action = iota
	// Block keeps resting orders but places nothing new.
	Block
	// Flatten cancels every resting order and places nothing.
	Flatten
	// ClosePosition cancels quotes and closes the open position with a reduce-only order.
	ClosePosition
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "ALLOW"
	case Block:
		return "BLOCK"
	case Flatten:
		return "FLATTEN"
	case ClosePosition:
		return "CLOSE_POSITION"
	default:
		return "UNKNOWN"
	}
}

// Reason explains a non-Allow decision.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonOutsideHours
	ReasonCircuitBreaker
	ReasonCircuitRecovering
	ReasonDailyLoss
	ReasonDailyTakeProfit
	ReasonTakeProfit
	ReasonStopLoss
	ReasonTrailingStop
	ReasonMaxExposure
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "NONE"
	case ReasonKillSwitch:
		return "KILL_SWITCH"
	case ReasonOutsideHours:
		return "OUTSIDE_HOURS"
	case ReasonCircuitBreaker:
		return "CIRCUIT_BREAKER"
	case ReasonCircuitRecovering:
		return "CIRCUIT_RECOVERING"
	case ReasonDailyLoss:
		return "DAILY_LOSS"
	case ReasonDailyTakeProfit:
		return "DAILY_TAKE_PROFIT"
	case ReasonTakeProfit:
		return "TAKE_PROFIT"
	case ReasonStopLoss:
		return "STOP_LOSS"
	case ReasonTrailingStop:
		return "TRAILING_STOP"
	case ReasonMaxExposure:
		return "MAX_EXPOSURE"
	default:
		return "UNKNOWN"
	}
}

// Decision is the guard verdict for one cycle.
type Decision struct {
	Action Action
	Reason Reason
}

// Config defines the per-instrument risk limits.
type Config struct {
	KillSwitch bool           `yaml:"kill_switch"`
	Breaker    BreakerConfig  `yaml:"breaker"`
	Daily      DailyConfig    `yaml:"daily"`
	Hours      HoursConfig    `yaml:"hours"`
	Trailing   TrailingConfig `yaml:"trailing"`
}

// Validate checks the config can build a guard.
func (c Config) Validate() error {
	_, err := ParseHours(c.Hours)
	return err
}

// View is the snapshot a guard evaluates.
type View struct {
	Now time.Time
	// Day is the ledger's current day key.
	Day string
	// DayPnL is the day's realized plus unrealized PnL.
	DayPnL decimal.Decimal
	Equity decimal.Decimal
}

// Guard combines the kill switch, trading hours, circuit breaker and daily limits.
type Guard struct {
	cfg      Config
	hours    Hours
	breaker  *Breaker
	daily    *DailyGuard
	trailing *Trailing
}

// NewGuard creates a guard from a validated config.
func NewGuard(cfg Config) (*Guard, error) {
	hours, err := ParseHours(cfg.Hours)
	if err != nil {
		return nil, err
	}
	return &Guard{
		cfg:      cfg,
		hours:    hours,
		breaker:  NewBreaker(cfg.Breaker),
		daily:    NewDailyGuard(cfg.Daily),
		trailing: NewTrailing(cfg.Trailing),
	}, nil
}

// Observe feeds a mid sample to the breaker and reports whether it tripped.
func (g *Guard) Observe(now time.Time, mid decimal.Decimal) bool {
	return g.breaker.Observe(now, mid)
}

// Evaluate returns the strongest verdict of all guards. Flatten wins over Block.
func (g *Guard) Evaluate(v View) Decision {
	if g.cfg.KillSwitch {
		return Decision{Action: Flatten, Reason: ReasonKillSwitch}
	}
	if !g.hours.Open(v.Now) {
		return Decision{Action: Flatten, Reason: ReasonOutsideHours}
	}

	result := Decision{Action: Allow, Reason: ReasonNone}
	switch g.breaker.State(v.Now) {
	case BreakerTripped:
		return Decision{Action: Flatten, Reason: ReasonCircuitBreaker}
	case BreakerRecovering:
		result = Decision{Action: Block, Reason: ReasonCircuitRecovering}
	}

	if reason := g.daily.Evaluate(v.Day, v.Equity, v.DayPnL); reason != ReasonNone {
		return Decision{Action: Flatten, Reason: reason}
	}
	return result
}

// CheckExit evaluates the trailing stop and hard exits for a signed position.
func (g *Guard) CheckExit(qty, entry, mark decimal.Decimal) Decision {
	if reason := g.trailing.Evaluate(qty, entry, mark); reason != ReasonNone {
		return Decision{Action: ClosePosition, Reason: reason}
	}
	return Decision{Action: Allow, Reason: ReasonNone}
}

// AllowOrder reports whether an order of qty on side keeps the signed position within
// maxExposure (a quantity). Orders that reduce exposure are always allowed.
func AllowOrder(side schema.Side, qty, position, maxExposure decimal.Decimal) Decision {
	if !maxExposure.IsPositive() {
		return Decision{Action: Allow, Reason: ReasonNone}
	}
	next := position.Add(qty.Mul(decimal.NewFromInt(side.Sign())))
	if next.Abs().GreaterThan(maxExposure) && next.Abs().GreaterThan(position.Abs()) {
		return Decision{Action: Block, Reason: ReasonMaxExposure}
	}
	return Decision{Action: Allow, Reason: ReasonNone}
}

// Breaker exposes the circuit breaker for inspection.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}
