// Package sim is an in-memory spot exchange. Orders rest until a price
// crosses them or a test fills them explicitly; fills and prices are
// delivered through the same feed interface the live client exposes.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
	"gridbot/internal/exchange"
)

var _ exchange.Exchange = (*Exchange)(nil)

const feedBuffer = 1024

type Exchange struct {
	mu sync.Mutex

	symbol   string
	rules    core.Rules
	bal      core.Balance
	makerFee decimal.Decimal

	orders    map[string]*core.Order
	open      map[string]struct{}
	seq       int
	tradeSeq  int
	lastPrice decimal.Decimal
	placed    []core.Order

	failNext     []error
	disconnected bool

	fillSubs  []chan core.Event
	priceSubs []chan core.Event
}

func New(symbol string, balance core.Balance, rules core.Rules) *Exchange {
	bal := balance
	bal.BaseLocked = decimal.Zero
	bal.QuoteLocked = decimal.Zero
	return &Exchange{
		symbol:    symbol,
		rules:     rules,
		bal:       bal,
		makerFee:  decimal.Zero,
		orders:    make(map[string]*core.Order),
		open:      make(map[string]struct{}),
		lastPrice: decimal.Zero,
	}
}

func (s *Exchange) SetFees(makerRate decimal.Decimal) error {
	if makerRate.Cmp(decimal.Zero) < 0 {
		return errors.New("fee rate must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.makerFee = makerRate
	return nil
}

// SetPrice sets the last price without matching orders.
func (s *Exchange) SetPrice(price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrice = price
}

// FailNext makes the next len(errs) calls to PlaceOrder return errs in order.
func (s *Exchange) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

// Placed returns every accepted order in placement order.
func (s *Exchange) Placed() []core.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Order, len(s.placed))
	copy(out, s.placed)
	return out
}

func (s *Exchange) Name() string { return "sim" }

func (s *Exchange) GetRules(_ context.Context, symbol string) (core.Rules, error) {
	if symbol != s.symbol {
		return core.Rules{}, fmt.Errorf("%w: unknown symbol %s", core.ErrConfig, symbol)
	}
	return s.rules, nil
}

func (s *Exchange) TickerPrice(_ context.Context, symbol string) (core.PriceTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return core.PriceTick{}, fmt.Errorf("%w: unknown symbol %s", core.ErrConfig, symbol)
	}
	if s.lastPrice.Cmp(decimal.Zero) <= 0 {
		return core.PriceTick{}, errors.New("no price yet")
	}
	return core.PriceTick{Symbol: s.symbol, Price: s.lastPrice, Time: time.Now()}, nil
}

func (s *Exchange) Balances(context.Context) (core.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.bal
	bal.Base = bal.BaseFree.Add(bal.BaseLocked)
	bal.Quote = bal.QuoteFree.Add(bal.QuoteLocked)
	return bal, nil
}

func (s *Exchange) PlaceOrder(_ context.Context, order core.Order) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		if err != nil {
			return core.Order{}, err
		}
	}
	if order.Symbol != s.symbol {
		return core.Order{}, errors.Join(errors.New("unknown symbol"), core.ErrOrderRejected)
	}
	if order.Type == "" {
		order.Type = core.Limit
	}
	if order.Type != core.Limit {
		return core.Order{}, errors.Join(errors.New("only limit orders are supported"), core.ErrOrderRejected)
	}
	normalized, err := core.NormalizeOrder(order, s.rules)
	if err != nil {
		return core.Order{}, errors.Join(err, core.ErrOrderRejected)
	}
	order = normalized
	if err := s.lock(order); err != nil {
		return core.Order{}, err
	}
	s.seq++
	order.ID = strconv.Itoa(s.seq)
	if order.ClientID == "" {
		order.ClientID = "sim-" + order.ID
	}
	order.Status = core.OrderNew
	order.CreatedAt = time.Now()
	stored := order
	s.orders[order.ID] = &stored
	s.open[order.ID] = struct{}{}
	s.placed = append(s.placed, order)
	return order, nil
}

func (s *Exchange) lock(order core.Order) error {
	switch order.Side {
	case core.Buy:
		need := order.Price.Mul(order.Qty)
		if s.bal.QuoteFree.Cmp(need) < 0 {
			return errors.Join(fmt.Errorf("quote free %s < %s", s.bal.QuoteFree, need), core.ErrInsufficientBalance)
		}
		s.bal.QuoteFree = s.bal.QuoteFree.Sub(need)
		s.bal.QuoteLocked = s.bal.QuoteLocked.Add(need)
	case core.Sell:
		if s.bal.BaseFree.Cmp(order.Qty) < 0 {
			return errors.Join(fmt.Errorf("base free %s < %s", s.bal.BaseFree, order.Qty), core.ErrInsufficientBalance)
		}
		s.bal.BaseFree = s.bal.BaseFree.Sub(order.Qty)
		s.bal.BaseLocked = s.bal.BaseLocked.Add(order.Qty)
	default:
		return errors.Join(fmt.Errorf("invalid side %q", order.Side), core.ErrOrderRejected)
	}
	return nil
}

func (s *Exchange) unlock(order core.Order) {
	switch order.Side {
	case core.Buy:
		amt := order.Price.Mul(order.Qty)
		s.bal.QuoteLocked = s.bal.QuoteLocked.Sub(amt)
		s.bal.QuoteFree = s.bal.QuoteFree.Add(amt)
	case core.Sell:
		s.bal.BaseLocked = s.bal.BaseLocked.Sub(order.Qty)
		s.bal.BaseFree = s.bal.BaseFree.Add(order.Qty)
	}
}

func (s *Exchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return errors.New("unknown symbol")
	}
	if _, ok := s.open[orderID]; !ok {
		return core.ErrOrderNotFound
	}
	s.closeOrder(orderID, core.OrderCanceled)
	return nil
}

// CancelExternally cancels an order as if a user did it on the venue, and
// reports the closure on the fill feed.
func (s *Exchange) CancelExternally(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[orderID]; !ok {
		return core.ErrOrderNotFound
	}
	ord := s.closeOrder(orderID, core.OrderCanceled)
	s.publishFill(core.Event{Kind: core.EventOrderClosed, Source: "sim", Fill: fillFromOrder(ord, "")})
	return nil
}

func (s *Exchange) closeOrder(orderID string, status core.OrderStatus) core.Order {
	ord := s.orders[orderID]
	ord.Status = status
	delete(s.open, orderID)
	s.unlock(*ord)
	return *ord
}

func (s *Exchange) OpenOrders(_ context.Context, symbol string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return nil, errors.New("unknown symbol")
	}
	ids := s.sortedOpenIDs()
	orders := make([]core.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, *s.orders[id])
	}
	return orders, nil
}

func (s *Exchange) QueryOrder(_ context.Context, symbol, orderID string) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if symbol != s.symbol {
		return core.Order{}, errors.New("unknown symbol")
	}
	ord, ok := s.orders[orderID]
	if !ok {
		return core.Order{}, core.ErrOrderNotFound
	}
	return *ord, nil
}

// Match moves the last price and fills every open order it crosses, lowest
// order id first.
func (s *Exchange) Match(price decimal.Decimal, ts time.Time) []core.FillEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrice = price
	s.publishPrice(core.Event{Kind: core.EventPrice, Source: "sim", Tick: core.PriceTick{Symbol: s.symbol, Price: price, Time: ts}})

	fills := make([]core.FillEvent, 0)
	for _, id := range s.sortedOpenIDs() {
		ord := s.orders[id]
		if !shouldFill(ord, price) {
			continue
		}
		fills = append(fills, s.fill(id, ts))
	}
	return fills
}

// Fill fills one open order at its limit price.
func (s *Exchange) Fill(orderID string) (core.FillEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[orderID]; !ok {
		return core.FillEvent{}, core.ErrOrderNotFound
	}
	return s.fill(orderID, time.Now()), nil
}

func (s *Exchange) fill(orderID string, ts time.Time) core.FillEvent {
	ord := s.orders[orderID]
	ord.Status = core.OrderFilled
	delete(s.open, orderID)

	notional := ord.Price.Mul(ord.Qty)
	fee := notional.Mul(s.makerFee)
	switch ord.Side {
	case core.Buy:
		s.bal.QuoteLocked = s.bal.QuoteLocked.Sub(notional)
		s.bal.QuoteFree = s.bal.QuoteFree.Sub(fee)
		s.bal.BaseFree = s.bal.BaseFree.Add(ord.Qty)
	case core.Sell:
		s.bal.BaseLocked = s.bal.BaseLocked.Sub(ord.Qty)
		s.bal.QuoteFree = s.bal.QuoteFree.Add(notional.Sub(fee))
	}

	s.tradeSeq++
	fill := fillFromOrder(*ord, strconv.Itoa(s.tradeSeq))
	fill.Time = ts
	s.publishFill(core.Event{Kind: core.EventFill, Source: "sim", Fill: fill})
	return fill
}

func fillFromOrder(ord core.Order, tradeID string) core.FillEvent {
	return core.FillEvent{
		OrderID:  ord.ID,
		ClientID: ord.ClientID,
		TradeID:  tradeID,
		Symbol:   ord.Symbol,
		Side:     ord.Side,
		Price:    ord.Price,
		Qty:      ord.Qty,
		Status:   ord.Status,
		Time:     time.Now(),
	}
}

func shouldFill(ord *core.Order, price decimal.Decimal) bool {
	switch ord.Side {
	case core.Buy:
		return price.Cmp(ord.Price) <= 0
	case core.Sell:
		return price.Cmp(ord.Price) >= 0
	default:
		return false
	}
}

func (s *Exchange) sortedOpenIDs() []string {
	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}

// Disconnect stops feed delivery. Fills still happen and are only
// discoverable through OpenOrders and QueryOrder until Reconnect.
func (s *Exchange) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

// Reconnect resumes feed delivery and emits EventResync on every feed.
func (s *Exchange) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = false
	s.publishFill(core.Event{Kind: core.EventResync, Source: "sim"})
	s.publishPrice(core.Event{Kind: core.EventResync, Source: "sim"})
}

func (s *Exchange) SubscribeFills(ctx context.Context, symbol string) (<-chan core.Event, error) {
	if symbol != s.symbol {
		return nil, errors.New("unknown symbol")
	}
	return s.subscribe(ctx, &s.fillSubs), nil
}

func (s *Exchange) SubscribePrice(ctx context.Context, symbol string) (<-chan core.Event, error) {
	if symbol != s.symbol {
		return nil, errors.New("unknown symbol")
	}
	return s.subscribe(ctx, &s.priceSubs), nil
}

func (s *Exchange) subscribe(ctx context.Context, subs *[]chan core.Event) <-chan core.Event {
	ch := make(chan core.Event, feedBuffer)
	s.mu.Lock()
	*subs = append(*subs, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range *subs {
			if c == ch {
				*subs = append((*subs)[:i], (*subs)[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

// publishFill and publishPrice run under s.mu; feeds are buffered.
func (s *Exchange) publishFill(ev core.Event) {
	if s.disconnected && ev.Kind != core.EventResync {
		return
	}
	for _, ch := range s.fillSubs {
		ch <- ev
	}
}

func (s *Exchange) publishPrice(ev core.Event) {
	if s.disconnected && ev.Kind != core.EventResync {
		return
	}
	for _, ch := range s.priceSubs {
		ch <- ev
	}
}
