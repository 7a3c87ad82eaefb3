package execution

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/JonasMelin/tradingpalavanza/internal/broker"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// ErrStepUndefined is returned when the one-percent step is not positive.
var ErrStepUndefined = errors.New("price step undefined")

// DefaultMaxDeviatePrice is the sell/buy ratio above which entries use the near side of the spread.
var DefaultMaxDeviatePrice = decimal.RequireFromString("1.03")

// NextPrice walks one step toward the far side of the spread: up for buys, down for sells.
func NextPrice(side signal.Side, step, last decimal.Decimal) (decimal.Decimal, error) {
	if !step.IsPositive() {
		return decimal.Decimal{}, ErrStepUndefined
	}
	if side == signal.Sell {
		return last.Sub(step).Round(4), nil
	}
	return last.Add(step).Round(4), nil
}

// EntryPrice picks the first limit price. Buys take the ask and sells take the
// bid, unless the spread ratio exceeds maxDeviate, in which case the order
// rests on its own side of the book.
func EntryPrice(side signal.Side, snap broker.MarketSnapshot, maxDeviate decimal.Decimal) decimal.Decimal {
	buy, sell := snap.BuyPrice.Decimal, snap.SellPrice.Decimal
	wide := buy.IsPositive() && sell.Div(buy).GreaterThan(maxDeviate)
	if side == signal.Sell {
		if wide {
			return sell
		}
		return buy
	}
	if wide {
		return buy
	}
	return sell
}

// PriceLadder returns attempts prices starting at entry, each one step further.
func PriceLadder(side signal.Side, entry, step decimal.Decimal, attempts int) ([]decimal.Decimal, error) {
	if attempts < 1 {
		attempts = 1
	}
	if !step.IsPositive() {
		return nil, ErrStepUndefined
	}
	ladder := make([]decimal.Decimal, 0, attempts)
	price := entry.Round(4)
	ladder = append(ladder, price)
	for len(ladder) < attempts {
		next, err := NextPrice(side, step, price)
		if err != nil {
			return nil, err
		}
		ladder = append(ladder, next)
		price = next
	}
	return ladder, nil
}
