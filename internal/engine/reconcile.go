package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gridbot/internal/core"
)

// Resync compares the ledger with the exchange's open orders. Every live
// rung whose order is missing from the snapshot is queried and the result
// applied: a fill is processed like a feed fill, a cancellation or expiry
// closes the rung, an unknown order fails it. Failed and cancelled rungs are
// not re-placed. An open order of ours that no rung tracks is adopted by the
// idle rung at its price.
func (e *Engine) Resync(ctx context.Context) error {
	open, err := e.ex.OpenOrders(ctx, e.symbol)
	if err != nil {
		if stop := e.stopErr(ctx, err); stop != nil {
			return stop
		}
		e.logger.Error("resync_open_orders_failed", zap.Error(err))
		return nil
	}
	openByID := make(map[string]struct{}, len(open))
	for _, ord := range open {
		if ord.ID != "" {
			openByID[ord.ID] = struct{}{}
		}
	}

	missing := 0
	for _, r := range e.ledger.Rungs() {
		if !r.State.Active() {
			continue
		}
		if _, ok := openByID[r.OrderID]; ok {
			e.confirm(r)
			continue
		}
		missing++
		if err := e.reconcileMissing(ctx, r); err != nil {
			return err
		}
	}
	adopted, untracked := e.adoptUntracked(open)
	if err := e.drainFlips(ctx); err != nil {
		return err
	}

	counts := e.ledger.Counts()
	e.logger.Info("resync_completed",
		zap.Int("exchange_open", len(open)),
		zap.Int("missing", missing),
		zap.Int("adopted", adopted),
		zap.Int("untracked", untracked),
		zap.Int("open", counts[core.RungOpen]),
		zap.Int("failed", counts[core.RungFailed]),
	)
	return nil
}

func (e *Engine) reconcileMissing(ctx context.Context, r core.Rung) error {
	ord, err := e.ex.QueryOrder(ctx, e.symbol, r.OrderID)
	if err != nil {
		if stop := e.stopErr(ctx, err); stop != nil {
			return stop
		}
		if errors.Is(err, core.ErrOrderNotFound) {
			e.logger.Warn("resync_order_not_found", zap.Int("rung", r.Index), zap.String("order_id", r.OrderID))
			e.fail(r.Index, err)
			return nil
		}
		// Left as is; the next resync retries the query.
		e.logger.Error("resync_query_order_failed", zap.Int("rung", r.Index), zap.String("order_id", r.OrderID), zap.Error(err))
		return nil
	}

	switch ord.Status {
	case core.OrderFilled:
		e.logger.Info("resync_missed_fill", zap.Int("rung", r.Index), zap.String("order_id", r.OrderID))
		e.confirm(r)
		e.markFilled(r.Index, r.OrderID, r.Price)
	case core.OrderCanceled, core.OrderExpired, core.OrderRejected:
		e.applyClosed(r.Index, r.OrderID, ord.Status)
	case core.OrderNew, core.OrderPartiallyFilled:
		e.confirm(r)
	default:
		e.logger.Warn("resync_unknown_status", zap.Int("rung", r.Index), zap.String("order_id", r.OrderID), zap.String("status", string(ord.Status)))
	}
	return nil
}

func (e *Engine) confirm(r core.Rung) {
	if r.State == core.RungOpen {
		return
	}
	if err := e.ledger.ConfirmOpen(r.Index); err != nil {
		e.logger.Error("ledger_confirm_failed", zap.Int("rung", r.Index), zap.String("order_id", r.OrderID), zap.Error(err))
	}
}

// adoptUntracked records every open order in the snapshot that no rung
// tracks on the idle rung at its price. Orders with no such rung are only
// logged. The snapshot settles every rung left unsettled.
func (e *Engine) adoptUntracked(open []core.Order) (adopted, untracked int) {
	for _, ord := range open {
		if ord.ID == "" {
			continue
		}
		if _, ok := e.ledger.Lookup(ord.ID); ok {
			continue
		}
		i, ok := e.rungAt(ord.Price)
		if ok && e.adoptOrder(i, ord) {
			adopted++
			continue
		}
		untracked++
		e.logger.Warn("untracked_open_order",
			zap.String("order_id", ord.ID),
			zap.String("client_order_id", ord.ClientID),
			zap.String("side", string(ord.Side)),
			zap.Stringer("price", ord.Price),
		)
	}
	clear(e.unsettled)
	return adopted, untracked
}

// adopt looks for an open order at rung i's price that no rung tracks and
// records it on the rung.
func (e *Engine) adopt(ctx context.Context, i int) (bool, error) {
	open, err := e.ex.OpenOrders(ctx, e.symbol)
	if err != nil {
		return false, err
	}
	delete(e.unsettled, i)
	r, ok := e.ledger.Rung(i)
	if !ok {
		return false, nil
	}
	for _, ord := range open {
		if ord.ID == "" || !ord.Price.Equal(r.Price) {
			continue
		}
		if _, tracked := e.ledger.Lookup(ord.ID); tracked {
			continue
		}
		return e.adoptOrder(i, ord), nil
	}
	return false, nil
}

// adoptOrder makes ord the live order of idle rung i, taking its side.
func (e *Engine) adoptOrder(i int, ord core.Order) bool {
	if e.ledger.Active(i) {
		return false
	}
	if err := e.ledger.Flip(i, ord.Side); err != nil {
		e.logger.Error("flip_failed", zap.Int("rung", i), zap.Error(err))
		return false
	}
	if err := e.ledger.RecordPlacement(i, ord.ID); err != nil {
		e.logger.Error("ledger_record_failed", zap.Int("rung", i), zap.String("order_id", ord.ID), zap.Error(err))
		return false
	}
	if err := e.ledger.ConfirmOpen(i); err != nil {
		e.logger.Error("ledger_confirm_failed", zap.Int("rung", i), zap.String("order_id", ord.ID), zap.Error(err))
		return false
	}
	e.logger.Warn("order_adopted",
		zap.Int("rung", i),
		zap.String("order_id", ord.ID),
		zap.String("client_order_id", ord.ClientID),
		zap.String("side", string(ord.Side)),
		zap.Stringer("price", ord.Price),
	)
	return true
}

func (e *Engine) rungAt(price decimal.Decimal) (int, bool) {
	for _, r := range e.ledger.Rungs() {
		if r.Price.Equal(price) {
			return r.Index, true
		}
	}
	return 0, false
}

// stopErr returns the error that must end the engine, if err is one.
func (e *Engine) stopErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if core.IsFatal(err) {
		e.logger.Error("engine_stopping", zap.Error(err))
		return err
	}
	return nil
}
