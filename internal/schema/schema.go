package schema

import (
	"fmt"
	"strings"
)

// Side describes order or fill direction.
type Side uint16

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	default:
		return "Unknown"
	}
}

// Sign returns +1 for buy, -1 for sell and 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// ParseSide accepts venue spellings, case-insensitive.
func ParseSide(s string) Side {
	switch strings.ToLower(s) {
	case "buy", "bid", "long":
		return SideBuy
	case "sell", "ask", "short":
		return SideSell
	default:
		return SideUnknown
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	side := ParseSide(string(text))
	if side == SideUnknown {
		return fmt.Errorf("unknown side %q", string(text))
	}
	*s = side
	return nil
}

// PositionMode selects how the venue indexes positions.
//
//	OneWay: one net position, index 0 for every order.
//	Hedge:  separate long and short legs, index 1 for buy/long and 2 for sell/short.
//
// The mode is configured per instrument and never inferred from venue responses.
type PositionMode uint16

const (
	PositionModeOneWay PositionMode = iota
	PositionModeHedge
)

func (m PositionMode) String() string {
	if m == PositionModeHedge {
		return "hedge"
	}
	return "one_way"
}

// Index returns the venue position index for an order that opens on side.
// A reduce-only close in hedge mode uses the index of the leg being closed,
// which is the opposite of the closing order's side.
func (m PositionMode) Index(side Side, reduceOnly bool) int {
	if m != PositionModeHedge {
		return 0
	}
	if reduceOnly {
		side = side.Opposite()
	}
	if side == SideSell {
		return 2
	}
	return 1
}

func (m PositionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *PositionMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "one_way", "oneway", "merged_single":
		*m = PositionModeOneWay
	case "hedge", "both_sides":
		*m = PositionModeHedge
	default:
		return fmt.Errorf("unknown position mode %q", string(text))
	}
	return nil
}

// OrderStatus is the lifecycle status of an order.
type OrderStatus uint16

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusNew
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "New"
	case OrderStatusPartiallyFilled:
		return "PartiallyFilled"
	case OrderStatusFilled:
		return "Filled"
	case OrderStatusCancelled:
		return "Cancelled"
	case OrderStatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// ParseOrderStatus maps venue status strings.
func ParseOrderStatus(s string) OrderStatus {
	switch s {
	case "New", "Created", "Untriggered", "Active":
		return OrderStatusNew
	case "PartiallyFilled":
		return OrderStatusPartiallyFilled
	case "Filled":
		return OrderStatusFilled
	case "Cancelled", "Canceled", "PartiallyFilledCanceled", "Deactivated":
		return OrderStatusCancelled
	case "Rejected":
		return OrderStatusRejected
	default:
		return OrderStatusUnknown
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(text []byte) error {
	status := ParseOrderStatus(string(text))
	if status == OrderStatusUnknown {
		return fmt.Errorf("unknown order status %q", string(text))
	}
	*s = status
	return nil
}
