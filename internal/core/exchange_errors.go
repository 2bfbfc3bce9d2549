package core

import "errors"

var (
	// ErrConfig marks invalid configuration; fatal before trading starts.
	ErrConfig = errors.New("config error")
	// ErrAuth marks rejected credentials or signatures; fatal, never retried.
	ErrAuth = errors.New("auth error")
	// ErrTransport marks a call that kept failing after all retries.
	ErrTransport = errors.New("transport error")
	// ErrRateLimit marks a call that would have waited past the rate-limit ceiling.
	ErrRateLimit = errors.New("rate limit error")
	// ErrState marks an order ledger invariant violation.
	ErrState = errors.New("state error")
)

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderExpired indicates the order has expired on exchange.
	ErrOrderExpired = errors.New("order expired")
)

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrConfig)
}
