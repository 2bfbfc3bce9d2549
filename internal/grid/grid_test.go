package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot/internal/core"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func ethSpec() Spec {
	return Spec{Lower: d("140"), Upper: d("160"), Grids: 20, Amount: d("0.05")}
}

func TestBuildLadderAroundReference(t *testing.T) {
	rungs, err := Build(ethSpec(), d("150"))
	require.NoError(t, err)
	require.Len(t, rungs, 21)

	for i, r := range rungs {
		assert.Equal(t, i, r.Index)
		assert.True(t, r.Price.Equal(d("140").Add(decimal.NewFromInt(int64(i)))), "rung %d price %s", i, r.Price)
		assert.True(t, r.Amount.Equal(d("0.05")))
		assert.Equal(t, core.RungUnplaced, r.State)
		assert.Empty(t, r.OrderID)
		if r.Price.LessThan(d("150")) {
			assert.Equal(t, core.Buy, r.Side, "rung %d", i)
		} else {
			assert.Equal(t, core.Sell, r.Side, "rung %d", i)
		}
	}
	assert.True(t, rungs[0].Price.Equal(d("140")))
	assert.True(t, rungs[20].Price.Equal(d("160")))
	assert.Equal(t, core.Sell, rungs[10].Side, "rung at the reference price sells")
}

func TestBuildEvenSpacing(t *testing.T) {
	cases := []Spec{
		{Lower: d("0.5"), Upper: d("0.9"), Grids: 4, Amount: d("10")},
		{Lower: d("1800"), Upper: d("2200"), Grids: 8, Amount: d("0.01")},
		{Lower: d("1"), Upper: d("2"), Grids: 1, Amount: d("1")},
	}
	for _, spec := range cases {
		rungs, err := Build(spec, d("1000000"))
		require.NoError(t, err)
		require.Len(t, rungs, spec.Grids+1)
		step := Step(spec)
		for i := 1; i < len(rungs); i++ {
			require.True(t, rungs[i].Price.GreaterThan(rungs[i-1].Price))
			assert.True(t, rungs[i].Price.Sub(rungs[i-1].Price).Equal(step), "gap %d", i)
		}
		assert.True(t, rungs[0].Price.Equal(spec.Lower))
		assert.True(t, rungs[len(rungs)-1].Price.Equal(spec.Upper))
	}
}

func TestBuildLastRungIsExactlyUpper(t *testing.T) {
	spec := Spec{Lower: d("140"), Upper: d("160"), Grids: 3, Amount: d("1")}
	rungs, err := Build(spec, d("150"))
	require.NoError(t, err)
	assert.Equal(t, "160", rungs[3].Price.String())
}

func TestBuildRejectsInvalidSpec(t *testing.T) {
	cases := map[string]Spec{
		"lower above upper":  {Lower: d("160"), Upper: d("140"), Grids: 20, Amount: d("1")},
		"lower equals upper": {Lower: d("150"), Upper: d("150"), Grids: 20, Amount: d("1")},
		"zero grids":         {Lower: d("140"), Upper: d("160"), Grids: 0, Amount: d("1")},
		"zero amount":        {Lower: d("140"), Upper: d("160"), Grids: 20, Amount: decimal.Zero},
		"negative amount":    {Lower: d("140"), Upper: d("160"), Grids: 20, Amount: d("-1")},
		"zero lower":         {Lower: decimal.Zero, Upper: d("160"), Grids: 20, Amount: d("1")},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			rungs, err := Build(spec, d("150"))
			assert.Nil(t, rungs)
			assert.ErrorIs(t, err, core.ErrConfig)
		})
	}
}

func TestCheckRules(t *testing.T) {
	rungs, err := Build(ethSpec(), d("150"))
	require.NoError(t, err)

	ok := core.Rules{MinQty: d("0.001"), MinNotional: d("5"), PriceTick: d("0.01"), QtyStep: d("0.001")}
	assert.NoError(t, CheckRules("ETHUSDT", rungs, ok))

	coarseTick := ok
	coarseTick.PriceTick = d("5")
	err = CheckRules("ETHUSDT", rungs, coarseTick)
	assert.ErrorIs(t, err, core.ErrConfig)
	assert.ErrorContains(t, err, "rung 1")

	coarseStep := ok
	coarseStep.QtyStep = d("0.1")
	assert.ErrorIs(t, CheckRules("ETHUSDT", rungs, coarseStep), core.ErrConfig)

	bigNotional := ok
	bigNotional.MinNotional = d("10")
	err = CheckRules("ETHUSDT", rungs, bigNotional)
	assert.ErrorIs(t, err, core.ErrConfig)
	assert.ErrorContains(t, err, "notional below min")
}

func TestRequirementsAndCheckBalance(t *testing.T) {
	rungs, err := Build(ethSpec(), d("150"))
	require.NoError(t, err)

	base, quote := Requirements(rungs)
	// 11 sell rungs at 150..160, 10 buy rungs at 140..149.
	assert.Equal(t, "0.55", base.String())
	assert.Equal(t, "72.25", quote.String())

	assert.NoError(t, CheckBalance(rungs, core.Balance{BaseFree: d("0.55"), QuoteFree: d("100")}))
	err = CheckBalance(rungs, core.Balance{BaseFree: d("0.5"), QuoteFree: d("100")})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.ErrorIs(t, err, core.ErrConfig)
	assert.ErrorIs(t, CheckBalance(rungs, core.Balance{BaseFree: d("1"), QuoteFree: d("72")}), ErrInsufficientFunds)
}

func TestIndexForPrice(t *testing.T) {
	rungs, err := Build(ethSpec(), d("150"))
	require.NoError(t, err)
	assert.Equal(t, 0, IndexForPrice(rungs, d("100")))
	assert.Equal(t, 8, IndexForPrice(rungs, d("148.5")))
	assert.Equal(t, 8, IndexForPrice(rungs, d("148")))
	assert.Equal(t, 20, IndexForPrice(rungs, d("200")))
	assert.Equal(t, -1, IndexForPrice(nil, d("1")))
}
