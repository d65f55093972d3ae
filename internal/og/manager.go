package og

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/quote"
	"marketmaker/internal/schema"
	"marketmaker/pkg/exception"
)

// UnmanagedLayer marks an adopted order whose slot cannot be recovered.
const UnmanagedLayer = -1

// Config controls order placement and the stale policy of one instrument.
type Config struct {
	Symbol      string
	Mode        schema.PositionMode
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	// StaleAge cancels orders resting longer than this. Zero disables.
	StaleAge time.Duration
	// StalePricePct cancels orders whose price deviates from their slot's quote by more
	// than this fraction.
	StalePricePct  decimal.Decimal
	MaxOpenOrders  int
	CancelInterval time.Duration
	// SyncGrace protects fresh placements from being dropped by a venue sync.
	SyncGrace time.Duration
	PostOnly  bool
}

// Result counts the actions of one reconcile pass.
type Result struct {
	Placed    int
	Cancelled int
	Deferred  int
	Skipped   int
}

// Empty reports whether the pass took no action.
func (r Result) Empty() bool {
	return r.Placed == 0 && r.Cancelled == 0
}

// Manager keeps the resting orders of one instrument in line with the desired quotes.
// It is owned by a single goroutine.
type Manager struct {
	cfg     Config
	gw      *Gateway
	sm      *StateMachine
	log     *zap.SugaredLogger
	metrics *obs.Metrics
}

// NewManager creates an order manager on top of a venue.
func NewManager(cfg Config, venue Venue, log *zap.SugaredLogger, metrics *obs.Metrics) *Manager {
	if cfg.SyncGrace <= 0 {
		cfg.SyncGrace = 5 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		gw:      NewGateway(venue, cfg.CancelInterval, metrics),
		sm:      NewStateMachine(),
		log:     obs.Nop(log).With("symbol", cfg.Symbol),
		metrics: metrics,
	}
}

// Orders returns the live orders sorted by placement time.
func (m *Manager) Orders() []*Order {
	orders := m.sm.Orders()
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].PlacedAt.Equal(orders[j].PlacedAt) {
			return orders[i].PlacedAt.Before(orders[j].PlacedAt)
		}
		return orders[i].ClientID < orders[j].ClientID
	})
	return orders
}

// Restore re-inserts orders from persisted state before the first venue sync.
func (m *Manager) Restore(orders []Order) {
	for _, o := range orders {
		if _, err := m.sm.ApplyIntent(o); err != nil {
			continue
		}
		if o.OrderID != "" {
			_, _ = m.sm.ApplyAck(o.ClientID, o.OrderID)
		}
		if live, ok := m.sm.Order(o.ClientID); ok {
			live.Filled = o.Filled
			if o.Status == schema.OrderStatusPartiallyFilled {
				live.Status = o.Status
			}
		}
	}
}

type slot struct {
	side  schema.Side
	layer int
}

// Reconcile cancels stale orders and places desired quotes into empty slots.
// Running it twice with no new data takes no action the second time.
func (m *Manager) Reconcile(ctx context.Context, desired []quote.Quote, now time.Time) (Result, error) {
	want := make(map[slot]quote.Quote, len(desired))
	for _, q := range desired {
		want[slot{side: q.Side, layer: q.Layer}] = q
	}

	res, occupied, err := m.cancelStale(ctx, want, now)
	if err != nil {
		return res, err
	}

	for _, q := range desired {
		s := slot{side: q.Side, layer: q.Layer}
		if occupied[s] {
			continue
		}
		if m.cfg.MaxOpenOrders > 0 && m.sm.Len() >= m.cfg.MaxOpenOrders {
			m.log.Debugf("skip %s layer %d, err: %+v", q.Side, q.Layer, exception.ErrOrderTooManyOpen)
			res.Skipped++
			continue
		}
		if m.cfg.MinQty.IsPositive() && q.Qty.LessThan(m.cfg.MinQty) {
			res.Skipped++
			continue
		}
		if m.cfg.MinNotional.IsPositive() && q.Price.Mul(q.Qty).LessThan(m.cfg.MinNotional) {
			m.log.Debugf("skip %s layer %d, err: %+v", q.Side, q.Layer, exception.ErrOrderBelowMinNotional)
			res.Skipped++
			continue
		}

		if err := m.place(ctx, q, now); err != nil {
			if errors.Is(err, exception.ErrFatalSession) {
				return res, err
			}
			m.log.Warnf("place %s layer %d at %s, err: %+v", q.Side, q.Layer, q.Price, err)
			continue
		}
		occupied[s] = true
		res.Placed++
	}
	return res, nil
}

// Expire cancels orders older than the stale age and places nothing.
func (m *Manager) Expire(ctx context.Context, now time.Time) (Result, error) {
	keep := make(map[slot]quote.Quote)
	for _, o := range m.sm.Orders() {
		keep[slot{side: o.Side, layer: o.Layer}] = quote.Quote{Side: o.Side, Price: o.Price, Qty: o.Qty, Layer: o.Layer}
	}
	res, _, err := m.cancelStale(ctx, keep, now)
	return res, err
}

func (m *Manager) cancelStale(ctx context.Context, want map[slot]quote.Quote, now time.Time) (Result, map[slot]bool, error) {
	var res Result
	occupied := make(map[slot]bool)
	for _, o := range m.Orders() {
		if o.ReduceOnly {
			continue
		}
		s := slot{side: o.Side, layer: o.Layer}
		if !m.stale(o, want, now) {
			occupied[s] = true
			continue
		}
		if o.OrderID == "" {
			occupied[s] = true
			continue
		}

		sent, err := m.gw.Cancel(ctx, o.Symbol, o.OrderID, now)
		if !sent {
			res.Deferred++
			occupied[s] = true
			continue
		}
		if err != nil {
			if errors.Is(err, exception.ErrVenueOrderNotFound) {
				m.sm.Remove(o.ClientID)
				continue
			}
			if errors.Is(err, exception.ErrFatalSession) {
				return res, occupied, err
			}
			m.log.Warnf("cancel order %s, err: %+v", o.OrderID, err)
			occupied[s] = true
			continue
		}
		if _, _, err := m.sm.ApplyCancel(o.ClientID, o.OrderID); err != nil {
			m.log.Warnf("apply cancel %s, err: %+v", o.ClientID, err)
		}
		res.Cancelled++
	}
	return res, occupied, nil
}

func (m *Manager) stale(o *Order, want map[slot]quote.Quote, now time.Time) bool {
	if m.cfg.StaleAge > 0 && now.Sub(o.PlacedAt) >= m.cfg.StaleAge {
		return true
	}
	if o.Layer == UnmanagedLayer {
		return false
	}
	q, ok := want[slot{side: o.Side, layer: o.Layer}]
	if !ok {
		return true
	}
	if o.Price.Equal(q.Price) {
		return false
	}
	dev := o.Price.Sub(q.Price).Abs().DivRound(q.Price, 12)
	return dev.GreaterThan(m.cfg.StalePricePct)
}

func (m *Manager) place(ctx context.Context, q quote.Quote, now time.Time) error {
	tif := schema.TimeInForceGTC
	if m.cfg.PostOnly {
		tif = schema.TimeInForcePostOnly
	}
	intent := schema.OrderIntent{
		Symbol:      m.cfg.Symbol,
		ClientID:    NewCorrelationID(q.Side, q.Layer),
		Side:        q.Side,
		Price:       q.Price,
		Qty:         q.Qty,
		TimeInForce: tif,
		PositionIdx: m.cfg.Mode.Index(q.Side, false),
	}
	if _, err := m.sm.ApplyIntent(Order{
		ClientID: intent.ClientID,
		Symbol:   intent.Symbol,
		Side:     q.Side,
		Price:    q.Price,
		Qty:      q.Qty,
		Layer:    q.Layer,
		PlacedAt: now,
	}); err != nil {
		return err
	}

	id, err := m.gw.Place(ctx, intent)
	if err != nil {
		if _, _, rerr := m.sm.ApplyReject(intent.ClientID); rerr != nil {
			m.sm.Remove(intent.ClientID)
		}
		if errors.Is(err, exception.ErrFatalOrder) {
			m.metrics.Inc(obs.CounterRejects)
		}
		return err
	}
	_, err = m.sm.ApplyAck(intent.ClientID, id)
	return err
}

// ClosePosition sends a reduce-only IOC market order that closes a signed position.
func (m *Manager) ClosePosition(ctx context.Context, position decimal.Decimal) error {
	qty := position.Abs()
	if m.cfg.QtyStep.IsPositive() {
		qty = quote.FloorToStep(qty, m.cfg.QtyStep)
	}
	if !qty.IsPositive() {
		return nil
	}
	side := schema.SideSell
	if position.IsNegative() {
		side = schema.SideBuy
	}
	_, err := m.gw.Place(ctx, schema.OrderIntent{
		Symbol:      m.cfg.Symbol,
		ClientID:    NewCloseID(),
		Side:        side,
		Qty:         qty,
		TimeInForce: schema.TimeInForceIOC,
		ReduceOnly:  true,
		PositionIdx: m.cfg.Mode.Index(side, true),
	})
	return err
}

// CancelAll cancels every order of the instrument and forgets the local view.
func (m *Manager) CancelAll(ctx context.Context) error {
	if err := m.gw.CancelAll(ctx, m.cfg.Symbol); err != nil {
		return err
	}
	for _, o := range m.sm.Orders() {
		m.sm.Remove(o.ClientID)
	}
	return nil
}

// OnUpdate applies an authoritative order report from the stream.
func (m *Manager) OnUpdate(u schema.OrderUpdate) {
	o, removed, err := m.sm.ApplyUpdate(u)
	switch {
	case errors.Is(err, exception.ErrOrderUnknown):
		m.log.Debugf("order update for untracked %s/%s", u.ClientID, u.OrderID)
	case err != nil:
		m.log.Warnf("apply order update %s, err: %+v", u.OrderID, err)
	case removed && o.Status == schema.OrderStatusRejected:
		m.metrics.Inc(obs.CounterRejects)
		m.log.Warnf("order %s rejected: %s", o.ClientID, u.Reason)
	}
}

// Sync reconciles the local view with the venue's open orders. Remote orders missing
// locally are adopted. Local orders missing remotely are dropped once older than the
// sync grace period.
func (m *Manager) Sync(remote []schema.OrderUpdate, now time.Time) (adopted, dropped int) {
	seen := make(map[string]bool, len(remote))
	for _, u := range remote {
		if u.Symbol != "" && u.Symbol != m.cfg.Symbol {
			continue
		}
		if _, ok := m.sm.Lookup(u.ClientID, u.OrderID); ok {
			seen[u.OrderID] = true
			m.OnUpdate(u)
			continue
		}
		if u.Status.Terminal() {
			continue
		}

		layer := UnmanagedLayer
		if side, l, ok := ParseCorrelationID(u.ClientID); ok && side == u.Side {
			layer = l
		}
		clientID := u.ClientID
		if clientID == "" {
			clientID = "venue-" + u.OrderID
		}
		placedAt := u.Ts
		if placedAt.IsZero() {
			placedAt = now
		}
		if _, err := m.sm.ApplyIntent(Order{
			OrderID:  u.OrderID,
			ClientID: clientID,
			Symbol:   m.cfg.Symbol,
			Side:     u.Side,
			Price:    u.Price,
			Qty:      u.Qty,
			Layer:    layer,
			PlacedAt: placedAt,
		}); err != nil {
			m.log.Warnf("adopt order %s, err: %+v", u.OrderID, err)
			continue
		}
		if live, ok := m.sm.Order(clientID); ok && u.CumQty.IsPositive() {
			live.Filled = u.CumQty
			live.Status = schema.OrderStatusPartiallyFilled
		}
		seen[u.OrderID] = true
		adopted++
	}

	for _, o := range m.sm.Orders() {
		if o.OrderID != "" && seen[o.OrderID] {
			continue
		}
		if now.Sub(o.PlacedAt) < m.cfg.SyncGrace {
			continue
		}
		m.sm.Remove(o.ClientID)
		dropped++
	}
	if adopted > 0 || dropped > 0 {
		m.log.Infof("sync orders, adopted: %d, dropped: %d", adopted, dropped)
	}
	return adopted, dropped
}

// FetchOpen returns the venue's open orders for the instrument.
func (m *Manager) FetchOpen(ctx context.Context) ([]schema.OrderUpdate, error) {
	return m.gw.OpenOrders(ctx, m.cfg.Symbol)
}
