package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrBrokerRejected    = errors.New("broker rejected order")
	ErrLockHeld          = errors.New("lock held by another instance")
)
