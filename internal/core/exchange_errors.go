package core

import "errors"

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient margin.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrRateLimited indicates the exchange throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthFailed indicates the credentials or signature were refused.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrNoPosition indicates there is no open position to act on.
	ErrNoPosition = errors.New("no position")
	// ErrOrderIDImmutable is returned when an assigned exchange order id would be overwritten.
	ErrOrderIDImmutable = errors.New("order id already assigned")
)
