package cdp

import "github.com/holiman/uint256"

// Value conversion and health factor computation. Pure reads over the
// ledger, registry, and oracle adapters; safe to call any number of
// times with no side effects.

// QuoteValue converts amount of asset (asset-native units) into quote
// units at Precision scale: scaledPrice * amount / Precision.
func (e *Engine) QuoteValue(asset string, amount *uint256.Int) (*uint256.Int, error) {
	feed := e.registry.Feed(asset)
	if feed == nil {
		return nil, ErrUnsupportedAsset
	}
	price, err := feed.ScaledPrice()
	if err != nil {
		return nil, err
	}
	value, overflow := new(uint256.Int).MulDivOverflow(price, amount, Precision)
	if overflow {
		return nil, ErrOverflow
	}
	return value, nil
}

// AmountFromQuote converts a quote-unit value back into asset-native
// units: quoteAmount * Precision / scaledPrice. Inverse of QuoteValue
// up to truncation toward zero.
func (e *Engine) AmountFromQuote(asset string, quoteAmount *uint256.Int) (*uint256.Int, error) {
	feed := e.registry.Feed(asset)
	if feed == nil {
		return nil, ErrUnsupportedAsset
	}
	price, err := feed.ScaledPrice()
	if err != nil {
		return nil, err
	}
	amount, overflow := new(uint256.Int).MulDivOverflow(quoteAmount, Precision, price)
	if overflow {
		return nil, ErrOverflow
	}
	return amount, nil
}

// AccountCollateralValue sums the quote value of every registered
// asset the account holds, in registry order.
func (e *Engine) AccountCollateralValue(user string) (*uint256.Int, error) {
	total := uint256.NewInt(0)
	for _, asset := range e.registry.assets {
		deposited := e.ledger.Collateral(user, asset)
		if deposited.IsZero() {
			continue
		}
		value, err := e.QuoteValue(asset, deposited)
		if err != nil {
			return nil, err
		}
		if _, overflow := total.AddOverflow(total, value); overflow {
			return nil, ErrOverflow
		}
	}
	return total, nil
}

// HealthFactor returns the scaled solvency ratio for user. Accounts
// with no debt are infinitely healthy and report MaxHealthFactor.
func (e *Engine) HealthFactor(user string) (*uint256.Int, error) {
	debt := e.ledger.Debt(user)
	if debt.IsZero() {
		return MaxHealthFactor.Clone(), nil
	}
	value, err := e.AccountCollateralValue(user)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(debt, value)
}

// CalculateHealthFactor derives a health factor from an outstanding
// debt and a total collateral value (both at their native scales):
// (value * LiquidationThreshold / LiquidationPrecision) * Precision / debt.
func CalculateHealthFactor(debt, collateralValue *uint256.Int) (*uint256.Int, error) {
	if debt.IsZero() {
		return MaxHealthFactor.Clone(), nil
	}
	adjusted, overflow := new(uint256.Int).MulDivOverflow(
		collateralValue,
		uint256.NewInt(LiquidationThreshold),
		uint256.NewInt(LiquidationPrecision),
	)
	if overflow {
		return nil, ErrOverflow
	}
	factor, overflow := new(uint256.Int).MulDivOverflow(adjusted, Precision, debt)
	if overflow {
		return nil, ErrOverflow
	}
	return factor, nil
}
