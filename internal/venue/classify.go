package venue

import (
	"context"
	"fmt"
	"net"

	"marketmaker/internal/errors"
	"marketmaker/pkg/exception"
)

// Venue return codes the client cares about.
const (
	CodeOK               = 0
	CodeParams           = 10001
	CodeRateLimit        = 10006
	CodeTimestamp        = 10002
	CodeAuth             = 10003
	CodeSign             = 10004
	CodePermission       = 10005
	CodeSystemBusy       = 10016
	CodeOrderNotFound    = 110001
	CodeInsufficient     = 110007
	CodeQtyInvalid       = 110017
	CodePriceInvalid     = 110094
	CodePostOnlyCross    = 110087
	CodeLeverageNotSet   = 110043
	CodeOrderNotModified = 110025
)

var codeClass = map[int]error{
	CodeRateLimit:     exception.ErrTransient,
	CodeTimestamp:     exception.ErrTransient,
	CodeSystemBusy:    exception.ErrTransient,
	CodeAuth:          exception.ErrFatalSession,
	CodeSign:          exception.ErrFatalSession,
	CodePermission:    exception.ErrFatalSession,
	CodeParams:        exception.ErrFatalOrder,
	CodeInsufficient:  exception.ErrFatalOrder,
	CodeQtyInvalid:    exception.ErrFatalOrder,
	CodePriceInvalid:  exception.ErrFatalOrder,
	CodePostOnlyCross: exception.ErrFatalOrder,
	CodeOrderNotFound: exception.ErrFatalOrder,
}

// APIError is a non-zero venue return code.
type APIError struct {
	Code int
	Msg  string
	Path string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue %s: code %d: %s", e.Path, e.Code, e.Msg)
}

// Unwrap exposes the error class, so errors.Is matches the class sentinels.
func (e *APIError) Unwrap() []error {
	errs := []error{ClassOfCode(e.Code)}
	if e.Code == CodeOrderNotFound {
		errs = append(errs, exception.ErrVenueOrderNotFound)
	}
	return errs
}

// ClassOfCode maps a return code to its class. Unknown codes are FatalOrder.
func ClassOfCode(code int) error {
	if class, ok := codeClass[code]; ok {
		return class
	}
	return exception.ErrFatalOrder
}

// Classify returns the class sentinel of err. Network failures and timeouts are transient.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, exception.ErrTransient):
		return exception.ErrTransient
	case errors.Is(err, exception.ErrFatalSession):
		return exception.ErrFatalSession
	case errors.Is(err, exception.ErrFatalOrder):
		return exception.ErrFatalOrder
	case errors.Is(err, exception.ErrDataIntegrity):
		return exception.ErrDataIntegrity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return exception.ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return exception.ErrTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return exception.ErrTransient
	}
	return exception.ErrFatalOrder
}
