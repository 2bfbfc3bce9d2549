// Package engine drives the grid: it opens the ladder, flips rungs as their
// orders fill and keeps the ledger consistent with the exchange.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/ledger"
)

// ErrFeedClosed is returned by Run when the fill feed ends without a fatal
// event while the context is still live.
var ErrFeedClosed = errors.New("fill feed closed")

type Options struct {
	// Reconcile is the periodic resync interval; 0 disables it.
	Reconcile time.Duration
	// Heartbeat is the status log interval; 0 disables it.
	Heartbeat time.Duration
}

// Engine owns the ledger. All methods must be called from one goroutine;
// Run is that goroutine once it has started.
type Engine struct {
	ex        exchange.Exchange
	symbol    string
	ledger    *ledger.Ledger
	logger    *zap.Logger
	opts      Options
	seen      *seenTracker
	lastPrice decimal.Decimal

	// flips holds filled rungs whose replacement orders are not placed yet.
	flips []core.Rung
	// unsettled holds rungs whose last placement may have reached the
	// exchange without the engine learning the order id.
	unsettled map[int]struct{}
}

func New(ex exchange.Exchange, symbol string, rungs []core.Rung, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		ex:        ex,
		symbol:    symbol,
		logger:    logger.With(zap.String("symbol", symbol)),
		opts:      opts,
		seen:      newSeenTracker(seenTrackerMaxEntries, seenTrackerTTL),
		lastPrice: decimal.Zero,
		unsettled: make(map[int]struct{}),
	}
	e.ledger = ledger.New(rungs, e.queueFlip)
	return e
}

// Rungs returns a copy of the ledger.
func (e *Engine) Rungs() []core.Rung {
	return e.ledger.Rungs()
}

func (e *Engine) LastPrice() decimal.Decimal {
	return e.lastPrice
}

// Run subscribes to both feeds, opens the ladder and processes events until
// ctx is done or a fatal error occurs. Open orders are left on the exchange
// when it returns.
//
// The feeds may still be connecting while the ladder is placed, so a resync
// follows Start to pick up fills that happened in between.
func (e *Engine) Run(ctx context.Context) error {
	fills, err := e.ex.SubscribeFills(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("subscribe fills: %w", err)
	}
	prices, err := e.ex.SubscribePrice(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("subscribe price: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	if err := e.Resync(ctx); err != nil {
		return err
	}

	var reconcileTick <-chan time.Time
	if e.opts.Reconcile > 0 {
		ticker := time.NewTicker(e.opts.Reconcile)
		defer ticker.Stop()
		reconcileTick = ticker.C
	}
	var heartbeat <-chan time.Time
	if e.opts.Heartbeat > 0 {
		ticker := time.NewTicker(e.opts.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case ev, ok := <-fills:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrFeedClosed
			}
			if err := e.Handle(ctx, ev); err != nil {
				return err
			}
		case ev, ok := <-prices:
			if !ok {
				prices = nil
				if ctx.Err() == nil {
					e.logger.Warn("price_feed_closed")
				}
				continue
			}
			if err := e.Handle(ctx, ev); err != nil {
				return err
			}
		case <-reconcileTick:
			if err := e.Resync(ctx); err != nil {
				return err
			}
		case <-heartbeat:
			e.logHeartbeat()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start places an order for every rung. A rung whose placement fails is
// marked Failed and the rest are still placed; only an auth failure or a
// cancelled context stops it.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("grid_starting", zap.Int("rungs", e.ledger.Len()))
	for i := 0; i < e.ledger.Len(); i++ {
		if err := e.place(ctx, i); err != nil {
			return err
		}
	}
	if err := e.drainFlips(ctx); err != nil {
		return err
	}
	counts := e.ledger.Counts()
	e.logger.Info("grid_started",
		zap.Int("open", counts[core.RungOpen]),
		zap.Int("failed", counts[core.RungFailed]),
	)
	return nil
}

// Handle applies one feed event. It returns an error only when the engine
// must stop.
func (e *Engine) Handle(ctx context.Context, ev core.Event) error {
	switch ev.Kind {
	case core.EventFill:
		return e.handleFill(ctx, ev.Fill)
	case core.EventOrderClosed:
		e.handleClosed(ev.Fill)
		return nil
	case core.EventPrice:
		e.lastPrice = ev.Tick.Price
		e.logger.Debug("price", zap.Stringer("price", ev.Tick.Price))
		return nil
	case core.EventResync:
		e.logger.Info("feed_resync", zap.String("source", ev.Source))
		return e.Resync(ctx)
	case core.EventFatal:
		e.logger.Error("feed_fatal", zap.String("source", ev.Source), zap.Error(ev.Err))
		if ev.Err == nil {
			return fmt.Errorf("%s feed failed", ev.Source)
		}
		return fmt.Errorf("%s feed: %w", ev.Source, ev.Err)
	default:
		e.logger.Warn("unknown_event", zap.Int("kind", int(ev.Kind)), zap.String("source", ev.Source))
		return nil
	}
}

func (e *Engine) handleFill(ctx context.Context, f core.FillEvent) error {
	if f.Symbol != "" && f.Symbol != e.symbol {
		return nil
	}
	if e.seen.Seen(fillKey(f), time.Now().UTC()) {
		e.logger.Debug("fill_duplicate_skipped", zap.String("order_id", f.OrderID), zap.String("trade_id", f.TradeID))
		return nil
	}
	if f.Status == core.OrderPartiallyFilled {
		e.logger.Info("partial_fill",
			zap.String("order_id", f.OrderID),
			zap.String("side", string(f.Side)),
			zap.Stringer("price", f.Price),
			zap.Stringer("qty", f.Qty),
		)
		return nil
	}
	if f.Status != core.OrderFilled {
		return nil
	}
	if e.ledger.WasFilled(f.OrderID) {
		e.logger.Info("fill_already_applied", zap.String("order_id", f.OrderID))
		return nil
	}
	i, ok := e.ledger.Lookup(f.OrderID)
	if !ok {
		e.logger.Warn("fill_unknown_order", zap.String("order_id", f.OrderID), zap.String("client_order_id", f.ClientID))
		return nil
	}
	e.markFilled(i, f.OrderID, f.Price)
	return e.drainFlips(ctx)
}

func (e *Engine) handleClosed(f core.FillEvent) {
	i, ok := e.ledger.Lookup(f.OrderID)
	if !ok {
		e.logger.Debug("order_closed_unknown", zap.String("order_id", f.OrderID), zap.String("status", string(f.Status)))
		return
	}
	e.applyClosed(i, f.OrderID, f.Status)
}

// applyClosed records a cancellation, expiry or rejection seen on the
// exchange. The rung is not re-placed.
func (e *Engine) applyClosed(i int, orderID string, status core.OrderStatus) {
	var err error
	switch status {
	case core.OrderCanceled:
		err = e.ledger.MarkCancelled(i)
		e.logger.Warn("order_cancelled_externally", zap.Int("rung", i), zap.String("order_id", orderID))
	case core.OrderExpired, core.OrderRejected:
		err = e.ledger.MarkFailed(i, "order "+string(status))
		e.logger.Warn("order_closed", zap.Int("rung", i), zap.String("order_id", orderID), zap.String("status", string(status)))
	default:
		return
	}
	if err != nil {
		e.logger.Error("ledger_update_failed", zap.Int("rung", i), zap.String("order_id", orderID), zap.Error(err))
	}
}

func (e *Engine) markFilled(i int, orderID string, price decimal.Decimal) {
	err := e.ledger.MarkFilled(i, orderID)
	switch {
	case err == nil:
		r, _ := e.ledger.Rung(i)
		e.logger.Info("order_filled",
			zap.Int("rung", i),
			zap.String("order_id", orderID),
			zap.String("side", string(r.Side)),
			zap.Stringer("price", price),
		)
	case errors.Is(err, ledger.ErrDuplicateFill):
		e.logger.Info("fill_already_applied", zap.String("order_id", orderID))
	default:
		e.logger.Error("ledger_fill_failed", zap.Int("rung", i), zap.String("order_id", orderID), zap.Error(err))
		e.fail(i, err)
	}
}

// queueFlip is the ledger's fill hook; replacements are placed by drainFlips
// once the triggering event has been recorded.
func (e *Engine) queueFlip(r core.Rung) {
	e.flips = append(e.flips, r)
}

func (e *Engine) flipQueued(i int) bool {
	for _, r := range e.flips {
		if r.Index == i {
			return true
		}
	}
	return false
}

func (e *Engine) drainFlips(ctx context.Context) error {
	for len(e.flips) > 0 {
		r := e.flips[0]
		e.flips = e.flips[1:]
		if err := e.flip(ctx, r); err != nil {
			e.flips = nil
			return err
		}
	}
	return nil
}

// flip re-arms the ladder after rung filled.Index filled: the rung takes the
// opposite side and its neighbour (below for a buy, above for a sell) takes
// the filled side. Nothing is placed past either end of the ladder.
func (e *Engine) flip(ctx context.Context, filled core.Rung) error {
	i := filled.Index
	j := i + 1
	if filled.Side == core.Buy {
		j = i - 1
	}
	if j < 0 || j >= e.ledger.Len() {
		e.logger.Info("grid_edge_reached",
			zap.Int("rung", i),
			zap.String("side", string(filled.Side)),
			zap.Stringer("price", filled.Price),
		)
		return nil
	}

	if e.ledger.Active(i) {
		e.logger.Info("flip_skipped_rung_active", zap.Int("rung", i))
	} else if err := e.ledger.Flip(i, filled.Side.Opposite()); err != nil {
		e.logger.Error("flip_failed", zap.Int("rung", i), zap.Error(err))
		e.fail(i, err)
	} else {
		e.logger.Info("rung_flipped", zap.Int("rung", i), zap.String("side", string(filled.Side.Opposite())))
		if err := e.place(ctx, i); err != nil {
			return err
		}
	}

	switch {
	case e.ledger.Active(j):
		e.logger.Info("neighbor_already_active", zap.Int("rung", j), zap.Int("filled_rung", i))
		return nil
	case e.flipQueued(j):
		// j filled as well; its own flip re-arms this part of the ladder.
		e.logger.Info("neighbor_flip_pending", zap.Int("rung", j), zap.Int("filled_rung", i))
		return nil
	}
	if err := e.ledger.Flip(j, filled.Side); err != nil {
		e.logger.Error("flip_failed", zap.Int("rung", j), zap.Error(err))
		e.fail(j, err)
		return nil
	}
	return e.place(ctx, j)
}

// place submits the rung's order. Per-order failures mark the rung Failed and
// return nil; fatal errors and context cancellation are returned.
//
// After a transport failure the order may be live anyway, so the rung is
// left unsettled and its open order, if any, adopted before anything else is
// placed on it.
func (e *Engine) place(ctx context.Context, i int) error {
	r, ok := e.ledger.Rung(i)
	if !ok {
		return nil
	}
	if r.State.Active() {
		return nil
	}
	if _, ok := e.unsettled[i]; ok {
		adopted, err := e.adopt(ctx, i)
		if err != nil {
			if stop := e.stopErr(ctx, err); stop != nil {
				return stop
			}
			e.logger.Warn("order_place_deferred", zap.Int("rung", i), zap.Error(err))
			e.fail(i, fmt.Errorf("earlier placement unresolved: %w", err))
			return nil
		}
		if adopted {
			return nil
		}
	}
	order := core.Order{
		Symbol: e.symbol,
		Side:   r.Side,
		Type:   core.Limit,
		Price:  r.Price,
		Qty:    r.Amount,
	}
	placed, err := e.ex.PlaceOrder(ctx, order)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.logger.Error("order_place_failed",
			zap.Int("rung", i),
			zap.String("side", string(r.Side)),
			zap.Stringer("price", r.Price),
			zap.Error(err),
		)
		e.fail(i, err)
		if core.IsFatal(err) {
			return err
		}
		if errors.Is(err, core.ErrTransport) {
			e.unsettled[i] = struct{}{}
			if _, err := e.adopt(ctx, i); err != nil {
				if stop := e.stopErr(ctx, err); stop != nil {
					return stop
				}
				e.logger.Warn("order_adopt_failed", zap.Int("rung", i), zap.Error(err))
			}
		}
		return nil
	}
	if err := e.ledger.RecordPlacement(i, placed.ID); err != nil {
		e.logger.Error("ledger_record_failed", zap.Int("rung", i), zap.String("order_id", placed.ID), zap.Error(err))
		e.fail(i, err)
		return nil
	}
	if err := e.ledger.ConfirmOpen(i); err != nil {
		e.logger.Error("ledger_confirm_failed", zap.Int("rung", i), zap.String("order_id", placed.ID), zap.Error(err))
		e.fail(i, err)
		return nil
	}
	e.logger.Info("order_placed",
		zap.Int("rung", i),
		zap.String("order_id", placed.ID),
		zap.String("client_order_id", placed.ClientID),
		zap.String("side", string(r.Side)),
		zap.Stringer("price", r.Price),
		zap.Stringer("qty", r.Amount),
	)
	if placed.Status == core.OrderFilled {
		e.markFilled(i, placed.ID, r.Price)
	}
	return nil
}

func (e *Engine) fail(i int, cause error) {
	if err := e.ledger.MarkFailed(i, cause.Error()); err != nil {
		e.logger.Error("ledger_update_failed", zap.Int("rung", i), zap.Error(err))
	}
}

func (e *Engine) logHeartbeat() {
	counts := e.ledger.Counts()
	e.logger.Info("heartbeat",
		zap.Stringer("last_price", e.lastPrice),
		zap.Int("unplaced", counts[core.RungUnplaced]),
		zap.Int("pending", counts[core.RungPending]),
		zap.Int("open", counts[core.RungOpen]),
		zap.Int("filled", counts[core.RungFilled]),
		zap.Int("cancelled", counts[core.RungCancelled]),
		zap.Int("failed", counts[core.RungFailed]),
	)
}
