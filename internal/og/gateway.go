package og

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"marketmaker/internal/obs"
	"marketmaker/internal/schema"
)

// Venue is the order surface of an exchange.
type Venue interface {
	PlaceOrder(ctx context.Context, intent schema.OrderIntent) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]schema.OrderUpdate, error)
}

// Gateway sends order requests to a venue and paces single cancels.
type Gateway struct {
	venue   Venue
	cancels *rate.Limiter
	metrics *obs.Metrics
}

// NewGateway creates a gateway. A positive cancelInterval is the minimum delay between
// two single-order cancels.
func NewGateway(venue Venue, cancelInterval time.Duration, metrics *obs.Metrics) *Gateway {
	limit := rate.Inf
	if cancelInterval > 0 {
		limit = rate.Every(cancelInterval)
	}
	return &Gateway{
		venue:   venue,
		cancels: rate.NewLimiter(limit, 1),
		metrics: metrics,
	}
}

// Place sends a new order and returns the venue order id.
func (g *Gateway) Place(ctx context.Context, intent schema.OrderIntent) (string, error) {
	id, err := g.venue.PlaceOrder(ctx, intent)
	if err != nil {
		g.metrics.Inc(obs.CounterPlaceErrors)
		return "", err
	}
	g.metrics.Inc(obs.CounterPlacements)
	return id, nil
}

// Cancel cancels one order. It returns false without calling the venue when the
// cancel limiter denies the request at now.
func (g *Gateway) Cancel(ctx context.Context, symbol, orderID string, now time.Time) (bool, error) {
	if !g.cancels.AllowN(now, 1) {
		g.metrics.Inc(obs.CounterCancelDeferred)
		return false, nil
	}
	if err := g.venue.CancelOrder(ctx, symbol, orderID); err != nil {
		g.metrics.Inc(obs.CounterCancelErrors)
		return true, err
	}
	g.metrics.Inc(obs.CounterCancels)
	return true, nil
}

// CancelAll cancels every order of symbol in one request. It is not rate limited.
func (g *Gateway) CancelAll(ctx context.Context, symbol string) error {
	if err := g.venue.CancelAll(ctx, symbol); err != nil {
		g.metrics.Inc(obs.CounterCancelErrors)
		return err
	}
	g.metrics.Inc(obs.CounterCancels)
	return nil
}

// OpenOrders returns the venue's open orders for symbol.
func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]schema.OrderUpdate, error) {
	return g.venue.OpenOrders(ctx, symbol)
}
