package worker

import (
	"context"

	"marketmaker/internal/errors"
	"marketmaker/internal/og"
	"marketmaker/internal/quote"
	"marketmaker/internal/schema"
	"marketmaker/internal/state"
	"marketmaker/pkg/exception"
)

// Bootstrap loads instrument metadata, sets leverage, seeds candles, restores persisted
// state and runs the first venue sync. It is idempotent.
func (w *Worker) Bootstrap(ctx context.Context) error {
	if w.bootstrapped {
		return nil
	}

	if err := w.loadInstrument(ctx); err != nil {
		return err
	}

	engine, err := quote.NewEngine(w.cfg.QuoteConfig())
	if err != nil {
		return errors.Wrap(exception.ErrConfigInvalidInstrument, err.Error())
	}
	w.engine = engine
	w.orders = og.NewManager(w.cfg.OrderConfig(), w.deps.Venue, w.log, w.metrics)

	if w.cfg.Leverage.IsPositive() {
		callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		err := w.deps.Venue.SetLeverage(callCtx, w.cfg.Symbol, w.cfg.Leverage)
		cancel()
		if errors.Is(err, exception.ErrFatalSession) {
			return err
		}
		if err != nil {
			w.log.Warnf("set leverage %s, err: %+v", w.cfg.Leverage, err)
		}
	}

	w.seedKlines(ctx)

	if err := w.restore(); err != nil {
		return err
	}
	now := w.deps.Clock()
	w.ledger.Rollover(now)

	if err := w.syncVenue(ctx, now); err != nil {
		return err
	}
	w.bootstrapped = true
	return nil
}

// loadInstrument fills tick size, qty step and minimums from the venue. Configured values
// win. A venue failure is only fatal when the config lacks the filters.
func (w *Worker) loadInstrument(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	inst, err := w.deps.Venue.Instrument(callCtx, w.cfg.Symbol)
	if err != nil {
		if errors.Is(err, exception.ErrFatalSession) {
			return err
		}
		if !w.cfg.TickSize.IsPositive() || !w.cfg.QtyStep.IsPositive() {
			return errors.Wrap(err, "load instrument "+w.cfg.Symbol)
		}
		w.log.Warnf("load instrument, using configured filters, err: %+v", err)
		return nil
	}
	w.cfg = w.cfg.WithInstrument(inst.TickSize, inst.QtyStep, inst.MinQty, inst.MinNotional)
	return nil
}

func (w *Worker) seedKlines(ctx context.Context) {
	limit := 4 * w.cfg.Strategy.ATRPeriod
	if limit > maxSeedKlines {
		limit = maxSeedKlines
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	klines, err := w.deps.Venue.Klines(callCtx, w.cfg.Symbol, klineInterval, limit)
	if err != nil {
		w.log.Warnf("seed klines, err: %+v", err)
		return
	}
	if len(klines) > 0 {
		w.market.SeedKlines(klines)
		w.log.Debugf("seeded %d klines", len(klines))
	}
}

func (w *Worker) restore() error {
	if w.deps.Store == nil {
		return nil
	}
	snap, ok, err := w.deps.Store.Load(w.cfg.Symbol)
	if err != nil {
		w.log.Errorf("load state, starting empty, err: %+v", err)
		return nil
	}
	if !ok {
		return nil
	}
	if err := w.ledger.Restore(snap); err != nil {
		return errors.Wrap(err, "restore ledger")
	}
	w.orders.Restore(fromActive(snap.ActiveOrders, w.cfg.Symbol))
	pos := w.ledger.Position()
	w.log.Infof("restored state, position: %s, orders: %d, fills: %d", pos.Qty, len(snap.ActiveOrders), len(snap.TradeHistory))
	return nil
}

func toActive(orders []*og.Order) []state.ActiveOrder {
	result := make([]state.ActiveOrder, 0, len(orders))
	for _, o := range orders {
		result = append(result, state.ActiveOrder{
			OrderID:    o.OrderID,
			ClientID:   o.ClientID,
			Side:       o.Side,
			Price:      o.Price,
			Qty:        o.Qty,
			Filled:     o.Filled,
			Status:     o.Status,
			Layer:      o.Layer,
			ReduceOnly: o.ReduceOnly,
			PlacedAt:   o.PlacedAt,
		})
	}
	return result
}

func fromActive(orders []state.ActiveOrder, symbol string) []og.Order {
	result := make([]og.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status.Terminal() {
			continue
		}
		status := o.Status
		if status == schema.OrderStatusUnknown {
			status = schema.OrderStatusNew
		}
		result = append(result, og.Order{
			OrderID:    o.OrderID,
			ClientID:   o.ClientID,
			Symbol:     symbol,
			Side:       o.Side,
			Price:      o.Price,
			Qty:        o.Qty,
			Filled:     o.Filled,
			Status:     status,
			Layer:      o.Layer,
			PlacedAt:   o.PlacedAt,
			ReduceOnly: o.ReduceOnly,
		})
	}
	return result
}
