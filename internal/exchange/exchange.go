package exchange

import (
	"context"

	"gridbot/internal/core"
)

// Exchange is the venue surface the grid engine drives.
type Exchange interface {
	Name() string
	GetRules(ctx context.Context, symbol string) (core.Rules, error)
	TickerPrice(ctx context.Context, symbol string) (core.PriceTick, error)
	Balances(ctx context.Context) (core.Balance, error)
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error)

	// SubscribeFills and SubscribePrice stream events until ctx is done. After
	// a reconnect an EventResync is delivered before any further event.
	SubscribeFills(ctx context.Context, symbol string) (<-chan core.Event, error)
	SubscribePrice(ctx context.Context, symbol string) (<-chan core.Event, error)
}
