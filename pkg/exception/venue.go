package exception

import "github.com/yanun0323/errors"

var (
	ErrVenueEmptyCredential = errors.New("venue: empty credential")
	ErrVenueBadStatus       = errors.New("venue: unexpected http status")
	ErrVenueDecodeResponse  = errors.New("venue: decode response body")
	ErrVenueEmptyOrderID    = errors.New("venue: empty response order id")
	ErrVenueOrderNotFound   = errors.New("venue: order not found")
)
