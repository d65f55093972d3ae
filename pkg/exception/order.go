package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderDuplicate         = errors.New("order: duplicate correlation id")
	ErrOrderUnknown           = errors.New("order: unknown order")
	ErrOrderInvalidTransition = errors.New("order: invalid state transition")
	ErrOrderBelowMinNotional  = errors.New("order: notional below minimum")
	ErrOrderBelowMinQty       = errors.New("order: quantity below minimum")
	ErrOrderTooManyOpen       = errors.New("order: too many open orders")
)
