package og

import (
	"time"

	"github.com/shopspring/decimal"

	"marketmaker/internal/errors"
	"marketmaker/internal/schema"
	"marketmaker/pkg/exception"
)

// Order holds the manager's view of one resting order.
type Order struct {
	OrderID    string
	ClientID   string
	Symbol     string
	Side       schema.Side
	Price      decimal.Decimal
	Qty        decimal.Decimal
	Filled     decimal.Decimal
	Status     schema.OrderStatus
	Layer      int
	PlacedAt   time.Time
	ReduceOnly bool
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.Filled)
}

// StateMachine tracks orders by correlation id and applies venue reports.
// Terminal orders are removed exactly once.
type StateMachine struct {
	orders  map[string]*Order
	byVenue map[string]string
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		orders:  make(map[string]*Order),
		byVenue: make(map[string]string),
	}
}

// Order returns the order for a correlation id.
func (m *StateMachine) Order(clientID string) (*Order, bool) {
	o, ok := m.orders[clientID]
	return o, ok
}

// Lookup finds an order by correlation id, then by venue id.
func (m *StateMachine) Lookup(clientID, orderID string) (*Order, bool) {
	if o, ok := m.orders[clientID]; ok {
		return o, true
	}
	if id, ok := m.byVenue[orderID]; ok {
		return m.orders[id], true
	}
	return nil, false
}

// Orders returns every live order.
func (m *StateMachine) Orders() []*Order {
	out := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

// Len returns the number of live orders.
func (m *StateMachine) Len() int {
	return len(m.orders)
}

// ApplyIntent creates a New order that has not been acknowledged yet.
func (m *StateMachine) ApplyIntent(o Order) (*Order, error) {
	if o.ClientID == "" {
		return nil, errors.Wrap(exception.ErrOrderUnknown, "empty correlation id")
	}
	if _, ok := m.orders[o.ClientID]; ok {
		return nil, exception.ErrOrderDuplicate
	}
	o.Status = schema.OrderStatusNew
	o.Filled = decimal.Zero
	m.orders[o.ClientID] = &o
	if o.OrderID != "" {
		m.byVenue[o.OrderID] = o.ClientID
	}
	return &o, nil
}

// ApplyAck records the venue order id.
func (m *StateMachine) ApplyAck(clientID, orderID string) (*Order, error) {
	o, ok := m.orders[clientID]
	if !ok {
		return nil, exception.ErrOrderUnknown
	}
	o.OrderID = orderID
	m.byVenue[orderID] = clientID
	return o, nil
}

// ApplyUpdate applies an authoritative order report. It returns the order and whether it
// just became terminal and was removed.
func (m *StateMachine) ApplyUpdate(u schema.OrderUpdate) (*Order, bool, error) {
	o, ok := m.Lookup(u.ClientID, u.OrderID)
	if !ok {
		return nil, false, exception.ErrOrderUnknown
	}
	if o.OrderID == "" && u.OrderID != "" {
		o.OrderID = u.OrderID
		m.byVenue[u.OrderID] = o.ClientID
	}
	if u.CumQty.GreaterThan(o.Filled) {
		o.Filled = decimal.Min(u.CumQty, o.Qty)
	}

	next := u.Status
	if next == schema.OrderStatusUnknown {
		return o, false, nil
	}
	if !validTransition(o.Status, next) {
		return o, false, errors.Wrap(exception.ErrOrderInvalidTransition, o.Status.String()+" -> "+next.String())
	}
	o.Status = next
	return o, m.removeIfTerminal(o), nil
}

// ApplyCancel marks a cancel confirmation.
func (m *StateMachine) ApplyCancel(clientID, orderID string) (*Order, bool, error) {
	o, ok := m.Lookup(clientID, orderID)
	if !ok {
		return nil, false, exception.ErrOrderUnknown
	}
	o.Status = schema.OrderStatusCancelled
	return o, m.removeIfTerminal(o), nil
}

// ApplyReject marks a rejected placement.
func (m *StateMachine) ApplyReject(clientID string) (*Order, bool, error) {
	o, ok := m.orders[clientID]
	if !ok {
		return nil, false, exception.ErrOrderUnknown
	}
	if o.Status != schema.OrderStatusNew {
		return o, false, exception.ErrOrderInvalidTransition
	}
	o.Status = schema.OrderStatusRejected
	return o, m.removeIfTerminal(o), nil
}

// Remove drops an order without a status change.
func (m *StateMachine) Remove(clientID string) bool {
	o, ok := m.orders[clientID]
	if !ok {
		return false
	}
	delete(m.orders, clientID)
	if o.OrderID != "" {
		delete(m.byVenue, o.OrderID)
	}
	return true
}

func (m *StateMachine) removeIfTerminal(o *Order) bool {
	if !o.Status.Terminal() {
		return false
	}
	return m.Remove(o.ClientID)
}

func validTransition(from, to schema.OrderStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case schema.OrderStatusNew:
		return to.Terminal() || to == schema.OrderStatusPartiallyFilled
	case schema.OrderStatusPartiallyFilled:
		return to == schema.OrderStatusFilled || to == schema.OrderStatusCancelled
	default:
		return false
	}
}
