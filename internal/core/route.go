package core

import (
	"marketmaker/internal/errors"
	"marketmaker/internal/obs"
	"marketmaker/internal/schema"
	"marketmaker/internal/stream"
	"marketmaker/internal/venue"
	"marketmaker/internal/worker"
	"marketmaker/pkg/exception"
)

const (
	klineInterval = "1"
	// parkLimit stays below the worker inbox so a parked backlog fits before Run starts.
	parkLimit = 512
)

// route registers w as the destination of its symbol and subscribes its public topics.
// Messages parked while the symbol had no live worker are handed to w first. On error
// the caller unroutes.
func (h *Handle) route(w *worker.Worker) error {
	symbol := w.Symbol()

	// w is not running yet and its inbox is larger than parkLimit, so the replay cannot
	// block; holding routeMu keeps newer messages behind it.
	h.routeMu.Lock()
	parked := h.parked[symbol]
	delete(h.parked, symbol)
	for _, msg := range parked {
		h.publish(symbol, w, msg)
	}
	h.routes[symbol] = w
	h.routeMu.Unlock()

	if len(parked) > 0 {
		h.log.Infof("replayed %d parked messages to %s", len(parked), symbol)
	}

	if h.env.Private != nil && !h.private[symbol] {
		if err := h.env.Private.Register(symbol, h.handler(symbol)); err != nil {
			return err
		}
		h.private[symbol] = true
	}
	if h.env.Public != nil {
		if err := h.env.Public.Register(symbol, h.handler(symbol)); err != nil {
			return err
		}
		if err := h.env.Public.Subscribe(h.ctx, h.topics(symbol)...); err != nil {
			return errors.Wrap(err, "subscribe "+symbol)
		}
	}
	return nil
}

// unroute detaches the public feed of symbol. The private handler stays registered so
// order and execution reports keep parking until the next worker is routed. leftover
// holds what the stopped worker never applied; it goes ahead of anything parked since.
func (h *Handle) unroute(symbol string, leftover []any) {
	h.routeMu.Lock()
	delete(h.routes, symbol)
	var carried []any
	for _, msg := range leftover {
		if authoritative(msg) {
			carried = append(carried, msg)
		}
	}
	if len(carried) > 0 {
		h.parked[symbol] = append(carried, h.parked[symbol]...)
	}
	h.routeMu.Unlock()

	if h.env.Public != nil {
		h.env.Public.Unregister(symbol)
		if err := h.env.Public.Unsubscribe(h.ctx, h.topics(symbol)...); err != nil {
			h.log.Warnf("unsubscribe %s, err: %+v", symbol, err)
		}
	}
}

// forget drops the private handler and parked backlog of a symbol that is no longer
// configured.
func (h *Handle) forget(symbol string) {
	h.routeMu.Lock()
	parked := h.parked[symbol]
	delete(h.parked, symbol)
	h.routeMu.Unlock()

	if len(parked) > 0 {
		h.env.Metrics.Add(obs.CounterDroppedMessages, uint64(len(parked)))
		h.log.Warnf("drop %d parked messages of removed %s", len(parked), symbol)
	}
	if h.env.Private != nil && h.private[symbol] {
		h.env.Private.Unregister(symbol)
		delete(h.private, symbol)
	}
}

func (h *Handle) topics(symbol string) []string {
	return []string{
		stream.BookTopic(h.env.Depth, symbol),
		stream.TradeTopic(symbol),
		stream.KlineTopic(klineInterval, symbol),
	}
}

func (h *Handle) lookup(symbol string) (*worker.Worker, bool) {
	h.routeMu.RLock()
	defer h.routeMu.RUnlock()
	w, ok := h.routes[symbol]
	return w, ok
}

// handler forwards stream messages to the current worker of symbol. Market data is
// offered and may be dropped when the worker lags or is restarting; order, execution,
// position and wallet messages wait for inbox space or park until a worker is routed.
func (h *Handle) handler(symbol string) stream.Handler {
	return func(msg any) {
		if m, ok := msg.(schema.Trade); ok && h.env.Paper != nil {
			h.env.Paper.Cross(m.Symbol, m.Price)
		}
		if !authoritative(msg) {
			if w, ok := h.lookup(symbol); ok {
				h.offer(w, msg)
			}
			return
		}
		h.deliver(symbol, msg)
	}
}

// deliver publishes an authoritative message to the worker of symbol, parking it when
// there is none or the worker already stopped taking messages.
func (h *Handle) deliver(symbol string, msg any) {
	w, ok := h.lookup(symbol)
	if ok && h.publish(symbol, w, msg) {
		return
	}
	h.park(symbol, msg)
}

func (h *Handle) park(symbol string, msg any) {
	h.routeMu.Lock()
	if w, ok := h.routes[symbol]; ok && !closed(w) {
		// routed while we were waiting
		h.routeMu.Unlock()
		h.deliver(symbol, msg)
		return
	}
	queue := h.parked[symbol]
	full := len(queue) >= parkLimit
	if !full {
		h.parked[symbol] = append(queue, msg)
	}
	h.routeMu.Unlock()

	if full {
		h.env.Metrics.Inc(obs.CounterDroppedMessages)
		h.log.Warnf("park queue of %s full, drop %T", symbol, msg)
	}
}

func closed(w *worker.Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

func authoritative(msg any) bool {
	switch msg.(type) {
	case schema.OrderUpdate, schema.Execution, schema.PositionUpdate, schema.Balance:
		return true
	default:
		return false
	}
}

func (h *Handle) offer(w *worker.Worker, msg any) {
	if err := w.Offer(msg); err != nil && !errors.Is(err, exception.ErrQueueClosed) {
		h.log.Debugf("offer %T to %s, err: %+v", msg, w.Symbol(), err)
	}
}

// publish reports whether w took msg. A closed inbox means the caller should park it.
func (h *Handle) publish(symbol string, w *worker.Worker, msg any) bool {
	err := w.Publish(h.ctx, msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, exception.ErrQueueClosed):
		return false
	case h.ctx.Err() == nil:
		h.log.Warnf("publish %T to %s, err: %+v", msg, symbol, err)
	}
	return true
}

// onPaperReport is called synchronously by the paper venue, possibly on a worker
// goroutine. It only enqueues.
func (h *Handle) onPaperReport(r venue.Report) {
	if err := h.reports.Publish(h.ctx, r); err != nil && !errors.Is(err, exception.ErrQueueClosed) && h.ctx.Err() == nil {
		h.log.Warnf("queue paper report %s, err: %+v", r.Order.OrderID, err)
	}
}

// dispatchReport delivers a paper report the way the private stream would: the execution
// first, then the order update.
func (h *Handle) dispatchReport(r venue.Report) {
	if r.Execution != nil {
		h.deliver(r.Order.Symbol, *r.Execution)
	}
	h.deliver(r.Order.Symbol, r.Order)
}
