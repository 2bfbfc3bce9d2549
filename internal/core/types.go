package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

const Limit OrderType = "LIMIT"

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}

// RungState is the lifecycle position of the order held by a rung.
type RungState string

const (
	RungUnplaced  RungState = "unplaced"
	RungPending   RungState = "pending"
	RungOpen      RungState = "open"
	RungFilled    RungState = "filled"
	RungCancelled RungState = "cancelled"
	RungFailed    RungState = "failed"
)

// Active reports whether the state holds a live exchange order.
func (s RungState) Active() bool {
	return s == RungPending || s == RungOpen
}

// Rung is one price level of the grid ladder.
type Rung struct {
	Index   int
	Price   decimal.Decimal
	Side    Side
	Amount  decimal.Decimal
	State   RungState
	OrderID string
	Reason  string
}

type FillEvent struct {
	OrderID  string
	ClientID string
	TradeID  string
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Status   OrderStatus
	Time     time.Time
}

type PriceTick struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

type EventKind int

const (
	EventFill EventKind = iota + 1
	EventOrderClosed
	EventPrice
	EventResync
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventFill:
		return "fill"
	case EventOrderClosed:
		return "order_closed"
	case EventPrice:
		return "price"
	case EventResync:
		return "resync"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event is one item of a real-time feed. Fill is set for EventFill and
// EventOrderClosed, Tick for EventPrice, Err for EventFatal.
type Event struct {
	Kind   EventKind
	Source string
	Fill   FillEvent
	Tick   PriceTick
	Err    error
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}

type Balance struct {
	Base        decimal.Decimal
	Quote       decimal.Decimal
	BaseFree    decimal.Decimal
	BaseLocked  decimal.Decimal
	QuoteFree   decimal.Decimal
	QuoteLocked decimal.Decimal
}
