// Package ledger records, per rung, the order the engine believes is live on
// the exchange. It has a single writer and no locking.
package ledger

import (
	"errors"
	"fmt"

	"gridbot/internal/core"
)

// ErrDuplicateFill is returned when an order id has already been filled.
var ErrDuplicateFill = errors.New("duplicate fill")

type Ledger struct {
	rungs    []core.Rung
	byOrder  map[string]int
	// lastFilled holds, per rung, the id of the most recent filled order.
	lastFilled []string
	onFilled   func(core.Rung)
}

// New copies rungs into a ledger. onFilled, if set, is called once per
// filled order with a snapshot of the rung.
func New(rungs []core.Rung, onFilled func(core.Rung)) *Ledger {
	l := &Ledger{
		rungs:      make([]core.Rung, len(rungs)),
		byOrder:    make(map[string]int),
		lastFilled: make([]string, len(rungs)),
		onFilled:   onFilled,
	}
	copy(l.rungs, rungs)
	for i := range l.rungs {
		l.rungs[i].Index = i
		if l.rungs[i].State == "" {
			l.rungs[i].State = core.RungUnplaced
		}
		if l.rungs[i].State.Active() && l.rungs[i].OrderID != "" {
			l.byOrder[l.rungs[i].OrderID] = i
		}
	}
	return l
}

func (l *Ledger) Len() int {
	return len(l.rungs)
}

func (l *Ledger) Rung(i int) (core.Rung, bool) {
	if i < 0 || i >= len(l.rungs) {
		return core.Rung{}, false
	}
	return l.rungs[i], true
}

func (l *Ledger) Rungs() []core.Rung {
	out := make([]core.Rung, len(l.rungs))
	copy(out, l.rungs)
	return out
}

// Lookup returns the rung holding the live order id.
func (l *Ledger) Lookup(orderID string) (int, bool) {
	i, ok := l.byOrder[orderID]
	return i, ok
}

// Active reports whether rung i holds a pending or open order.
func (l *Ledger) Active(i int) bool {
	if i < 0 || i >= len(l.rungs) {
		return false
	}
	return l.rungs[i].State.Active()
}

// WasFilled reports whether the order id is the last fill recorded on any
// rung. Older fills are forgotten; their ids are no longer live either, so a
// replayed event for one finds no rung.
func (l *Ledger) WasFilled(orderID string) bool {
	if orderID == "" {
		return false
	}
	for _, id := range l.lastFilled {
		if id == orderID {
			return true
		}
	}
	return false
}

func (l *Ledger) Counts() map[core.RungState]int {
	out := make(map[core.RungState]int, 6)
	for _, r := range l.rungs {
		out[r.State]++
	}
	return out
}

// RecordPlacement moves a rung without a live order to Pending.
func (l *Ledger) RecordPlacement(i int, orderID string) error {
	r, err := l.at(i)
	if err != nil {
		return err
	}
	if orderID == "" {
		return stateErr(i, "empty order id")
	}
	if r.State.Active() {
		return stateErr(i, fmt.Sprintf("already holds %s order %s", r.State, r.OrderID))
	}
	if owner, ok := l.byOrder[orderID]; ok {
		return stateErr(i, fmt.Sprintf("order %s already recorded on rung %d", orderID, owner))
	}
	r.State = core.RungPending
	r.OrderID = orderID
	r.Reason = ""
	l.byOrder[orderID] = i
	return nil
}

// ConfirmOpen marks the pending order as acknowledged by the exchange.
func (l *Ledger) ConfirmOpen(i int) error {
	r, err := l.at(i)
	if err != nil {
		return err
	}
	switch r.State {
	case core.RungOpen:
		return nil
	case core.RungPending:
		r.State = core.RungOpen
		return nil
	default:
		return stateErr(i, fmt.Sprintf("cannot confirm %s rung", r.State))
	}
}

// MarkFilled moves the open order to Filled and invokes the fill hook.
// A second fill for the rung's last filled order returns ErrDuplicateFill
// and changes nothing.
func (l *Ledger) MarkFilled(i int, orderID string) error {
	r, err := l.at(i)
	if err != nil {
		return err
	}
	if orderID != "" && l.lastFilled[i] == orderID {
		return ErrDuplicateFill
	}
	if r.State != core.RungOpen || r.OrderID != orderID {
		return stateErr(i, fmt.Sprintf("fill for %s but rung is %s with order %q", orderID, r.State, r.OrderID))
	}
	l.lastFilled[i] = orderID
	delete(l.byOrder, orderID)
	r.State = core.RungFilled
	r.OrderID = ""

	snapshot := *r
	snapshot.OrderID = orderID
	if l.onFilled != nil {
		l.onFilled(snapshot)
	}
	return nil
}

// MarkFailed records an unrecoverable per-order error from any state.
func (l *Ledger) MarkFailed(i int, reason string) error {
	r, err := l.at(i)
	if err != nil {
		return err
	}
	if r.OrderID != "" {
		delete(l.byOrder, r.OrderID)
	}
	r.State = core.RungFailed
	r.OrderID = ""
	r.Reason = reason
	return nil
}

// MarkCancelled records a cancellation observed on the exchange.
func (l *Ledger) MarkCancelled(i int) error {
	r, err := l.at(i)
	if err != nil {
		return err
	}
	if !r.State.Active() {
		return stateErr(i, fmt.Sprintf("cannot cancel %s rung", r.State))
	}
	delete(l.byOrder, r.OrderID)
	r.State = core.RungCancelled
	r.OrderID = ""
	return nil
}

// Flip sets the side the next order on rung i will use.
func (l *Ledger) Flip(i int, side core.Side) error {
	r, err := l.at(i)
	if err != nil {
		return err
	}
	if r.State.Active() {
		return stateErr(i, fmt.Sprintf("cannot change side of %s rung", r.State))
	}
	if side != core.Buy && side != core.Sell {
		return stateErr(i, fmt.Sprintf("invalid side %q", side))
	}
	r.Side = side
	return nil
}

func (l *Ledger) at(i int) (*core.Rung, error) {
	if i < 0 || i >= len(l.rungs) {
		return nil, fmt.Errorf("%w: rung index %d out of range [0,%d)", core.ErrState, i, len(l.rungs))
	}
	return &l.rungs[i], nil
}

func stateErr(i int, msg string) error {
	return fmt.Errorf("%w: rung %d: %s", core.ErrState, i, msg)
}
