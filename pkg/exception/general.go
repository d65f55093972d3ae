package exception

import "github.com/yanun0323/errors"

// General errors
var (
	ErrNilInstance     = errors.New("nil instance")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInternal        = errors.New("internal error")
)

// Error classes. Every venue or stream failure maps onto exactly one of these.
var (
	ErrTransient     = errors.New("transient failure")
	ErrFatalSession  = errors.New("fatal for session")
	ErrFatalOrder    = errors.New("fatal for order")
	ErrDataIntegrity = errors.New("data integrity")
)
