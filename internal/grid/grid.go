// Package grid computes the rung ladder for one trading pair.
package grid

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

type Spec struct {
	Lower  decimal.Decimal
	Upper  decimal.Decimal
	Grids  int
	Amount decimal.Decimal
}

func (s Spec) Validate() error {
	if s.Grids < 1 {
		return fmt.Errorf("%w: number_of_grids must be >= 1", core.ErrConfig)
	}
	if s.Lower.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: lower_limit must be > 0", core.ErrConfig)
	}
	if s.Upper.Cmp(s.Lower) <= 0 {
		return fmt.Errorf("%w: upper_limit must be higher than lower_limit", core.ErrConfig)
	}
	if s.Amount.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: order_amount must be > 0", core.ErrConfig)
	}
	return nil
}

// Step returns the spacing between neighbouring rungs.
func Step(spec Spec) decimal.Decimal {
	return spec.Upper.Sub(spec.Lower).Div(decimal.NewFromInt(int64(spec.Grids)))
}

// Build returns Grids+1 unplaced rungs from Lower to Upper. Rungs below the
// reference price buy, the rest sell.
func Build(spec Spec, reference decimal.Decimal) ([]core.Rung, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	step := Step(spec)
	rungs := make([]core.Rung, spec.Grids+1)
	for i := range rungs {
		price := spec.Lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if i == spec.Grids {
			price = spec.Upper
		}
		side := core.Sell
		if price.Cmp(reference) < 0 {
			side = core.Buy
		}
		rungs[i] = core.Rung{
			Index:  i,
			Price:  price,
			Side:   side,
			Amount: spec.Amount,
			State:  core.RungUnplaced,
		}
	}
	return rungs, nil
}

// CheckRules rejects a ladder the exchange would silently reshape: every rung
// order must pass the symbol filters without rounding.
func CheckRules(symbol string, rungs []core.Rung, rules core.Rules) error {
	for _, r := range rungs {
		order := core.Order{
			Symbol: symbol,
			Side:   r.Side,
			Type:   core.Limit,
			Price:  r.Price,
			Qty:    r.Amount,
		}
		normalized, err := core.NormalizeOrder(order, rules)
		if err != nil {
			return fmt.Errorf("%w: rung %d price=%s amount=%s: %v", core.ErrConfig, r.Index, r.Price, r.Amount, err)
		}
		if !normalized.Price.Equal(r.Price) {
			return fmt.Errorf("%w: rung %d price %s is not a multiple of tick %s", core.ErrConfig, r.Index, r.Price, rules.PriceTick)
		}
		if !normalized.Qty.Equal(r.Amount) {
			return fmt.Errorf("%w: order_amount %s is not a multiple of step %s", core.ErrConfig, r.Amount, rules.QtyStep)
		}
	}
	return nil
}

// Requirements returns the base asset locked by sell rungs and the quote
// asset locked by buy rungs when every rung holds an order.
func Requirements(rungs []core.Rung) (base, quote decimal.Decimal) {
	base = decimal.Zero
	quote = decimal.Zero
	for _, r := range rungs {
		switch r.Side {
		case core.Sell:
			base = base.Add(r.Amount)
		case core.Buy:
			quote = quote.Add(r.Amount.Mul(r.Price))
		}
	}
	return base, quote
}

var ErrInsufficientFunds = errors.New("insufficient free balance for grid")

// CheckBalance compares Requirements with the free balance.
func CheckBalance(rungs []core.Rung, bal core.Balance) error {
	base, quote := Requirements(rungs)
	if bal.BaseFree.Cmp(base) < 0 {
		return fmt.Errorf("%w: %w: base need=%s free=%s", core.ErrConfig, ErrInsufficientFunds, base, bal.BaseFree)
	}
	if bal.QuoteFree.Cmp(quote) < 0 {
		return fmt.Errorf("%w: %w: quote need=%s free=%s", core.ErrConfig, ErrInsufficientFunds, quote, bal.QuoteFree)
	}
	return nil
}

// IndexForPrice returns the highest rung at or below price, clamped to the ladder.
func IndexForPrice(rungs []core.Rung, price decimal.Decimal) int {
	if len(rungs) == 0 {
		return -1
	}
	idx := sort.Search(len(rungs), func(i int) bool { return rungs[i].Price.Cmp(price) > 0 }) - 1
	if idx < 0 {
		return 0
	}
	return idx
}
