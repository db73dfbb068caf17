package cdp

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Liquidate lets liquidator repay debtToCover of target's debt in
// exchange for the market-equivalent amount of the named collateral
// asset plus the liquidation bonus. The target must be below
// MinHealthFactor before the call and strictly healthier after it;
// otherwise nothing is committed.
func (e *Engine) Liquidate(liquidator, target, asset string, debtToCover *uint256.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := validateAmount(debtToCover); err != nil {
		return err
	}
	gw, ok := e.collateral[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}

	startingFactor, err := e.HealthFactor(target)
	if err != nil {
		return err
	}
	if !startingFactor.Lt(MinHealthFactor) {
		return ErrHealthFactorOk
	}

	// Collateral worth the repaid debt, plus the liquidator's bonus.
	equivalent, err := e.AmountFromQuote(asset, debtToCover)
	if err != nil {
		return err
	}
	bonus, overflow := new(uint256.Int).MulDivOverflow(
		equivalent,
		uint256.NewInt(LiquidationBonus),
		uint256.NewInt(LiquidationPrecision),
	)
	if overflow {
		return ErrOverflow
	}
	seizure, overflow := new(uint256.Int).AddOverflow(equivalent, bonus)
	if overflow {
		return ErrOverflow
	}

	// Ledger mutations and invariant checks run before any gateway
	// call so a rejection never needs a compensating transfer.
	if err := e.ledger.subCollateral(target, asset, seizure); err != nil {
		return err
	}
	if err := e.ledger.subDebt(target, debtToCover); err != nil {
		e.mustAddCollateral(target, asset, seizure)
		return err
	}
	unwind := func() {
		e.mustAddDebt(target, debtToCover)
		e.mustAddCollateral(target, asset, seizure)
	}

	endingFactor, err := e.HealthFactor(target)
	if err != nil {
		unwind()
		return err
	}
	if !endingFactor.Gt(startingFactor) {
		unwind()
		return ErrHealthFactorNotImproved
	}
	// The liquidator must not be left broken either. Vacuous when the
	// liquidator carries no debt of their own.
	if err := e.revertIfBroken(liquidator); err != nil {
		unwind()
		return err
	}

	// Settlement: the liquidator pays the debt, the engine destroys
	// it, the seized collateral leaves custody. Issue undoes a pull
	// when a later step refuses.
	if err := e.stable.Pull(liquidator, debtToCover); err != nil {
		unwind()
		return gatewayErr(ErrTransferFailed, err)
	}
	if err := e.stable.Destroy(debtToCover); err != nil {
		if issueErr := e.stable.Issue(liquidator, debtToCover); issueErr != nil {
			e.logger.Error("failed to return pulled stable units", "liquidator", liquidator, "error", issueErr)
		}
		unwind()
		return gatewayErr(ErrTransferFailed, err)
	}
	if err := gw.TransferOut(liquidator, seizure); err != nil {
		if issueErr := e.stable.Issue(liquidator, debtToCover); issueErr != nil {
			e.logger.Error("failed to return destroyed stable units", "liquidator", liquidator, "error", issueErr)
		}
		unwind()
		return gatewayErr(ErrTransferFailed, err)
	}

	e.emit(Event{Type: EventCollateralMoved, From: target, To: liquidator, Asset: asset, Amount: seizure.Clone()})
	e.emit(Event{
		Type:   EventLiquidation,
		From:   liquidator,
		User:   target,
		Asset:  asset,
		Amount: seizure.Clone(),
		Debt:   debtToCover.Clone(),
	})
	e.logger.Info("position liquidated",
		"target", target,
		"liquidator", liquidator,
		"asset", asset,
		"debtCovered", debtToCover.Dec(),
		"collateralSeized", seizure.Dec(),
		"startingFactor", startingFactor.Dec(),
		"endingFactor", endingFactor.Dec())
	return nil
}
