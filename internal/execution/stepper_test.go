package execution

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

func TestNextPriceInverse(t *testing.T) {
	for _, tc := range []struct{ step, last string }{
		{"0.05", "10.00"},
		{"0.0013", "1.7800"},
		{"2.5", "431.5"},
	} {
		up, err := NextPrice(signal.Buy, d(tc.step), d(tc.last))
		require.NoError(t, err)
		back, err := NextPrice(signal.Sell, d(tc.step), up)
		require.NoError(t, err)
		require.True(t, back.Equal(d(tc.last)), "%s -> %s -> %s", tc.last, up, back)
	}
}

func TestNextPriceUndefinedStep(t *testing.T) {
	for _, step := range []decimal.Decimal{decimal.Zero, broker.Undeterminable} {
		_, err := NextPrice(signal.Buy, step, d("10"))
		require.ErrorIs(t, err, ErrStepUndefined)
	}
}

func TestPriceLadderMonotonic(t *testing.T) {
	buys, err := PriceLadder(signal.Buy, d("10.05"), d("0.1"), 4)
	require.NoError(t, err)
	require.Len(t, buys, 4)
	for i := 1; i < len(buys); i++ {
		require.True(t, buys[i].GreaterThan(buys[i-1]))
	}

	sells, err := PriceLadder(signal.Sell, d("10.00"), d("0.1"), 3)
	require.NoError(t, err)
	require.Equal(t, []string{"10", "9.9", "9.8"}, []string{sells[0].String(), sells[1].String(), sells[2].String()})

	one, err := PriceLadder(signal.Sell, d("10.00"), d("0.1"), 0)
	require.NoError(t, err)
	require.Len(t, one, 1)

	_, err = PriceLadder(signal.Buy, d("10"), decimal.Zero, 3)
	require.ErrorIs(t, err, ErrStepUndefined)
}

func TestEntryPrice(t *testing.T) {
	narrow := teliaSnapshot()
	require.True(t, EntryPrice(signal.Buy, narrow, DefaultMaxDeviatePrice).Equal(d("10.05")))
	require.True(t, EntryPrice(signal.Sell, narrow, DefaultMaxDeviatePrice).Equal(d("10.00")))

	wide := teliaSnapshot()
	wide.SellPrice = decimal.NewNullDecimal(d("10.50"))
	require.True(t, EntryPrice(signal.Buy, wide, DefaultMaxDeviatePrice).Equal(d("10.00")))
	require.True(t, EntryPrice(signal.Sell, wide, DefaultMaxDeviatePrice).Equal(d("10.50")))
}
