package worker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/og"
	"marketmaker/internal/quote"
	"marketmaker/internal/risk"
	"marketmaker/internal/schema"
	"marketmaker/internal/signal"
	"marketmaker/pkg/exception"
)

// closeRetry keeps a pending reduce-only close from being resent every cycle.
const closeRetry = 5 * time.Second

// Cycle runs one decision pass at now. Only session-fatal errors are returned; anything
// else is logged and the next cycle tries again.
func (w *Worker) Cycle(ctx context.Context, now time.Time) error {
	if !w.bootstrapped {
		return errors.Wrap(exception.ErrNilInstance, "worker not bootstrapped")
	}
	start := time.Now()
	defer func() {
		w.metrics.ObserveCycle(time.Since(start))
	}()

	if w.ledger.Rollover(now) {
		w.log.Infof("day rollover, day: %s", w.ledger.Day())
	}

	stale := w.market.Stale(now, w.cfg.MaxDataAge)
	mid, hasMid := w.market.Mid()
	if hasMid && !stale {
		w.smoothed, _ = w.market.Smooth()
		if w.guard.Observe(now, mid) {
			w.metrics.Inc(obs.CounterGuardTrips)
			w.log.Warnf("circuit breaker tripped at mid %s", mid)
		}
	}

	if err := w.act(ctx, now, mid, hasMid && !stale); err != nil {
		return err
	}
	if err := w.syncVenue(ctx, now); err != nil {
		return err
	}
	w.persist()
	return nil
}

// act runs the guard, the trailing stop, the signal and the quoting steps in that order.
func (w *Worker) act(ctx context.Context, now time.Time, mid decimal.Decimal, fresh bool) error {
	mark := decimal.Zero
	if fresh {
		mark = mid
	}
	decision := w.guard.Evaluate(risk.View{
		Now:    now,
		Day:    w.ledger.Day(),
		DayPnL: w.ledger.DayPnL(mark),
		Equity: w.market.Balance().Equity,
	})
	changed := decision != w.decision
	if changed {
		if decision.Action != risk.Allow {
			w.metrics.Inc(obs.CounterGuardTrips)
		}
		w.log.Infof("guard %s, reason: %s", decision.Action, decision.Reason)
		w.decision = decision
	}

	switch decision.Action {
	case risk.Flatten:
		return w.flatten(ctx, changed)
	case risk.Block:
		return w.withdraw(ctx, now)
	}

	if fresh {
		pos := w.ledger.Position()
		if exit := w.guard.CheckExit(pos.Qty, pos.AvgEntry, mid); exit.Action == risk.ClosePosition {
			return w.closePosition(ctx, now, pos.Qty, exit.Reason)
		}
	}

	sig := w.signal(ctx)
	if sig.Pause {
		return w.withdraw(ctx, now)
	}

	if !fresh {
		res, err := w.orders.Expire(ctx, now)
		w.track(res.Cancelled + res.Placed)
		return w.check(err, "expire orders")
	}

	quotes := w.Quotes(mid, sig.Bias)
	w.metrics.Inc(obs.CounterQuotes)
	res, err := w.orders.Reconcile(ctx, quotes, now)
	w.track(res.Cancelled + res.Placed)
	if res.Deferred > 0 {
		w.log.Debugf("reconcile deferred %d cancels", res.Deferred)
	}
	return w.check(err, "reconcile")
}

// Quotes computes the desired ladder at mid and drops layers that would push the position
// beyond max exposure.
func (w *Worker) Quotes(mid, bias decimal.Decimal) []quote.Quote {
	pos := w.ledger.Position()
	quotes := w.engine.Compute(quote.Input{
		Mid:         mid,
		SmoothedMid: w.smoothed,
		Volatility:  w.market.Volatility(w.cfg.Strategy.ATRPeriod),
		Inventory:   pos.Qty,
		Bias:        bias,
		Book:        w.market.Book(),
	})
	return limitExposure(quotes, pos.Qty, w.cfg.MaxExposure)
}

func limitExposure(quotes []quote.Quote, position, maxExposure decimal.Decimal) []quote.Quote {
	result := make([]quote.Quote, 0, len(quotes))
	pending := map[schema.Side]decimal.Decimal{
		schema.SideBuy:  decimal.Zero,
		schema.SideSell: decimal.Zero,
	}
	for _, q := range quotes {
		projected := position.Add(pending[q.Side].Mul(decimal.NewFromInt(q.Side.Sign())))
		if d := risk.AllowOrder(q.Side, q.Qty, projected, maxExposure); d.Action != risk.Allow {
			continue
		}
		pending[q.Side] = pending[q.Side].Add(q.Qty)
		result = append(result, q)
	}
	return result
}

func (w *Worker) flatten(ctx context.Context, changed bool) error {
	if !changed && len(w.orders.Orders()) == 0 {
		return nil
	}
	err := w.orders.CancelAll(ctx)
	if err == nil {
		w.ledger.Touch()
	}
	return w.check(err, "cancel all")
}

// withdraw cancels managed orders through the cancel limiter and places nothing.
func (w *Worker) withdraw(ctx context.Context, now time.Time) error {
	res, err := w.orders.Reconcile(ctx, nil, now)
	w.track(res.Cancelled)
	return w.check(err, "withdraw quotes")
}

func (w *Worker) closePosition(ctx context.Context, now time.Time, qty decimal.Decimal, reason risk.Reason) error {
	if !w.closeSentAt.IsZero() && now.Sub(w.closeSentAt) < closeRetry {
		return nil
	}
	w.log.Warnf("close position %s, reason: %s", qty, reason)
	if err := w.orders.CancelAll(ctx); err != nil {
		return w.check(err, "cancel all before close")
	}
	w.ledger.Touch()
	if err := w.orders.ClosePosition(ctx, qty); err != nil {
		return w.check(err, "close position")
	}
	w.closeSentAt = now
	return nil
}

func (w *Worker) signal(ctx context.Context) signal.Signal {
	sig, err := w.deps.Signals.Signal(ctx, w.cfg.Symbol)
	if err != nil {
		w.log.Warnf("signal, err: %+v", err)
		return signal.Signal{}
	}
	return sig.Clamped()
}

// syncVenue fetches open orders, position and balance in parallel every sync interval
// and applies them on the worker goroutine.
func (w *Worker) syncVenue(ctx context.Context, now time.Time) error {
	if !w.lastSync.IsZero() && now.Sub(w.lastSync) < w.cfg.SyncInterval {
		return nil
	}

	var (
		remote    []schema.OrderUpdate
		positions []schema.PositionUpdate
		balance   schema.Balance
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, defaultCallTimeout)
		defer cancel()
		var err error
		remote, err = w.orders.FetchOpen(callCtx)
		return errors.Wrap(err, "fetch open orders")
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, defaultCallTimeout)
		defer cancel()
		var err error
		positions, err = w.deps.Venue.Position(callCtx, w.cfg.Symbol)
		return errors.Wrap(err, "fetch position")
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, defaultCallTimeout)
		defer cancel()
		var err error
		balance, err = w.deps.Venue.Balance(callCtx, w.deps.Coin)
		return errors.Wrap(err, "fetch balance")
	})
	if err := g.Wait(); err != nil {
		return w.check(err, "venue sync")
	}

	adopted, dropped := w.orders.Sync(remote, now)
	w.track(adopted + dropped)

	net := schema.PositionUpdate{Symbol: w.cfg.Symbol, Ts: now}
	for _, p := range positions {
		net.Size = net.Size.Add(p.Size)
		net.UnrealizedPnL = net.UnrealizedPnL.Add(p.UnrealizedPnL)
		if !p.Size.IsZero() {
			net.AvgPrice = p.AvgPrice
		}
	}
	w.market.ApplyPosition(net)
	if local := w.ledger.Position().Qty; !local.Equal(net.Size) {
		w.log.Warnf("position drift, local: %s, venue: %s", local, net.Size)
	}
	w.market.ApplyBalance(balance)
	w.lastSync = now
	return nil
}

func (w *Worker) persist() {
	if !w.ledger.Dirty() {
		return
	}
	if w.deps.Store == nil {
		w.ledger.MarkClean()
		return
	}
	var active []*og.Order
	if w.orders != nil {
		active = w.orders.Orders()
	}
	if err := w.deps.Store.Save(w.ledger.Snapshot(toActive(active))); err != nil {
		w.metrics.Inc(obs.CounterPersistErrors)
		w.log.Warnf("persist state, err: %+v", err)
		return
	}
	w.ledger.MarkClean()
}

func (w *Worker) track(actions int) {
	if actions > 0 {
		w.ledger.Touch()
	}
}

// check returns session-fatal errors and logs the rest.
func (w *Worker) check(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exception.ErrFatalSession) {
		return errors.Wrap(err, what)
	}
	w.log.Warnf("%s, err: %+v", what, err)
	return nil
}
