package worker

import (
	"context"

	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/schema"
	"marketmaker/pkg/exception"
)

// Apply folds one inbound message into the worker state. Messages for other symbols
// are ignored.
func (w *Worker) Apply(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case schema.BookUpdate:
		w.market.ApplyBook(m, w.deps.Clock())
	case schema.Trade:
		w.market.ApplyTrade(m)
	case schema.Kline:
		w.market.ApplyKline(m)
	case schema.OrderUpdate:
		if m.Symbol != "" && m.Symbol != w.cfg.Symbol {
			return
		}
		if w.orders != nil {
			w.orders.OnUpdate(m)
			w.ledger.Touch()
		}
	case schema.Execution:
		w.applyExecution(ctx, m)
	case schema.PositionUpdate:
		w.market.ApplyPosition(m)
	case schema.Balance:
		if m.Coin == "" || m.Coin == w.deps.Coin {
			w.market.ApplyBalance(m)
		}
	default:
		w.log.Debugf("ignore message %T", msg)
	}
}

func (w *Worker) applyExecution(ctx context.Context, e schema.Execution) {
	if e.Symbol != "" && e.Symbol != w.cfg.Symbol {
		return
	}
	fill, err := w.ledger.ApplyFill(e)
	switch {
	case errors.Is(err, exception.ErrLedgerDuplicateFill):
		w.log.Debugf("duplicate execution %s", e.ExecID)
		return
	case err != nil:
		w.metrics.Inc(obs.CounterDroppedMessages)
		w.log.Warnf("apply execution %s, err: %+v", e.ExecID, err)
		return
	}
	w.metrics.Inc(obs.CounterFills)

	pos := w.ledger.Position()
	w.log.Infof("fill %s %s @ %s, fee: %s, realized: %s, position: %s",
		fill.Side, fill.Qty, fill.Price, fill.Fee, fill.Realized, pos.Qty)

	// a fill is saved before the next cycle so a crash cannot replay it
	w.persist()

	if w.deps.Trades == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCallTimeout)
	defer cancel()
	if err := w.deps.Trades.Append(storeCtx, w.cfg.Symbol, fill); err != nil {
		w.metrics.Inc(obs.CounterPersistErrors)
		w.log.Warnf("append trade %s, err: %+v", fill.ExecID, err)
	}
}
