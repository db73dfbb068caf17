package cdp

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
)

// Engine is the collateralized-debt accounting core. It owns the
// account ledger, consumes the price registry read-only, and
// orchestrates the external token gateways. Every mutating entry
// point runs under the operation guard: one logical operation is in
// flight at a time and a nested invocation fails immediately with
// ErrReentrantCall.
type Engine struct {
	registry   *Registry
	ledger     *Ledger
	stable     StableGateway
	collateral map[string]CollateralGateway
	sink       EventSink
	logger     log.Logger

	entered atomic.Bool
}

// Config wires an Engine. Registry, Stable, and one CollateralGateway
// per registered asset are required; Ledger, Sink, and Logger are
// optional.
type Config struct {
	Registry   *Registry
	Ledger     *Ledger
	Stable     StableGateway
	Collateral map[string]CollateralGateway
	Sink       EventSink
	Logger     log.Logger
}

// NewEngine validates cfg and returns a ready engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Stable == nil {
		return nil, errors.New("stable gateway is required")
	}
	for _, asset := range cfg.Registry.assets {
		if _, ok := cfg.Collateral[asset]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingGateway, asset)
		}
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewLedger()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root().New("module", "cdp")
	}
	gateways := make(map[string]CollateralGateway, len(cfg.Collateral))
	for asset, gw := range cfg.Collateral {
		gateways[asset] = gw
	}
	return &Engine{
		registry:   cfg.Registry,
		ledger:     ledger,
		stable:     cfg.Stable,
		collateral: gateways,
		sink:       cfg.Sink,
		logger:     logger,
	}, nil
}

// Registry returns the engine's collateral registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Ledger returns the account ledger for read access and persistence.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// CollateralBalance returns user's deposited amount of asset.
func (e *Engine) CollateralBalance(user, asset string) *uint256.Int {
	return e.ledger.Collateral(user, asset)
}

// Information returns user's outstanding debt and total collateral
// value in quote units.
func (e *Engine) Information(user string) (AccountInformation, error) {
	value, err := e.AccountCollateralValue(user)
	if err != nil {
		return AccountInformation{}, err
	}
	return AccountInformation{
		DebtMinted:           e.ledger.Debt(user),
		CollateralValueQuote: value,
	}, nil
}

// enter acquires the operation guard. exit must be deferred on every
// path that enters.
func (e *Engine) enter() error {
	if !e.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() {
	e.entered.Store(false)
}

// Deposit locks amount of asset for user. Deposits never weaken
// solvency, so no health check runs.
func (e *Engine) Deposit(user, asset string, amount *uint256.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	return e.deposit(user, asset, amount)
}

func (e *Engine) deposit(user, asset string, amount *uint256.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	gw, ok := e.collateral[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	if err := e.ledger.addCollateral(user, asset, amount); err != nil {
		return err
	}
	if err := gw.TransferIn(user, amount); err != nil {
		e.mustSubCollateral(user, asset, amount)
		return gatewayErr(ErrTransferFailed, err)
	}
	e.emit(Event{Type: EventCollateralDeposited, User: user, Asset: asset, Amount: amount.Clone()})
	e.logger.Debug("collateral deposited", "user", user, "asset", asset, "amount", amount.Dec())
	return nil
}

// Mint issues amount of the stable unit to user, gated on the
// resulting health factor.
func (e *Engine) Mint(user string, amount *uint256.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	return e.mint(user, amount)
}

func (e *Engine) mint(user string, amount *uint256.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := e.ledger.addDebt(user, amount); err != nil {
		return err
	}
	if err := e.revertIfBroken(user); err != nil {
		e.mustSubDebt(user, amount)
		return err
	}
	if err := e.stable.Issue(user, amount); err != nil {
		e.mustSubDebt(user, amount)
		return gatewayErr(ErrMintFailed, err)
	}
	e.emit(Event{Type: EventDebtMinted, User: user, Debt: amount.Clone()})
	e.logger.Debug("debt minted", "user", user, "amount", amount.Dec())
	return nil
}

// DepositAndMint composes Deposit and Mint under one guard
// acquisition. Deposit only strengthens solvency, so its effects
// remain when the mint step is rejected; the error reports the mint
// failure.
func (e *Engine) DepositAndMint(user, asset string, amount, mintAmount *uint256.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.deposit(user, asset, amount); err != nil {
		return err
	}
	return e.mint(user, mintAmount)
}

// Redeem releases amount of asset back to user, gated on the
// resulting health factor.
func (e *Engine) Redeem(user, asset string, amount *uint256.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	return e.redeem(user, asset, amount)
}

func (e *Engine) redeem(user, asset string, amount *uint256.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	gw, ok := e.collateral[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}
	if err := e.ledger.subCollateral(user, asset, amount); err != nil {
		return err
	}
	if err := e.revertIfBroken(user); err != nil {
		e.mustAddCollateral(user, asset, amount)
		return err
	}
	if err := gw.TransferOut(user, amount); err != nil {
		e.mustAddCollateral(user, asset, amount)
		return gatewayErr(ErrTransferFailed, err)
	}
	e.emit(Event{Type: EventCollateralMoved, From: user, To: user, Asset: asset, Amount: amount.Clone()})
	e.logger.Debug("collateral redeemed", "user", user, "asset", asset, "amount", amount.Dec())
	return nil
}

// Burn retires amount of user's debt by pulling and destroying the
// stable unit.
func (e *Engine) Burn(user string, amount *uint256.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	return e.burn(user, amount)
}

func (e *Engine) burn(user string, amount *uint256.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := e.ledger.subDebt(user, amount); err != nil {
		return err
	}
	// Burning can only raise the factor; checked anyway before any
	// external call so a failure still unwinds cleanly.
	if err := e.revertIfBroken(user); err != nil {
		e.mustAddDebt(user, amount)
		return err
	}
	if err := e.stable.Pull(user, amount); err != nil {
		e.mustAddDebt(user, amount)
		return gatewayErr(ErrTransferFailed, err)
	}
	if err := e.stable.Destroy(amount); err != nil {
		// Return the pulled units before unwinding the ledger.
		if issueErr := e.stable.Issue(user, amount); issueErr != nil {
			e.logger.Error("failed to return pulled stable units", "user", user, "error", issueErr)
		}
		e.mustAddDebt(user, amount)
		return gatewayErr(ErrTransferFailed, err)
	}
	e.emit(Event{Type: EventDebtBurned, User: user, Debt: amount.Clone()})
	e.logger.Debug("debt burned", "user", user, "amount", amount.Dec())
	return nil
}

// RedeemAndBurn retires burnAmount of debt and releases amount of
// asset as one atomic operation: both ledger mutations and the
// invariant check run before any gateway call, and a failure at any
// point unwinds everything. The debt is reduced before the collateral
// so the invariant is checked against the post-burn position.
func (e *Engine) RedeemAndBurn(user, asset string, amount, burnAmount *uint256.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := validateAmount(burnAmount); err != nil {
		return err
	}
	gw, ok := e.collateral[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset)
	}

	if err := e.ledger.subDebt(user, burnAmount); err != nil {
		return err
	}
	if err := e.ledger.subCollateral(user, asset, amount); err != nil {
		e.mustAddDebt(user, burnAmount)
		return err
	}
	unwind := func() {
		e.mustAddCollateral(user, asset, amount)
		e.mustAddDebt(user, burnAmount)
	}

	if err := e.revertIfBroken(user); err != nil {
		unwind()
		return err
	}

	if err := e.stable.Pull(user, burnAmount); err != nil {
		unwind()
		return gatewayErr(ErrTransferFailed, err)
	}
	if err := e.stable.Destroy(burnAmount); err != nil {
		if issueErr := e.stable.Issue(user, burnAmount); issueErr != nil {
			e.logger.Error("failed to return pulled stable units", "user", user, "error", issueErr)
		}
		unwind()
		return gatewayErr(ErrTransferFailed, err)
	}
	if err := gw.TransferOut(user, amount); err != nil {
		if issueErr := e.stable.Issue(user, burnAmount); issueErr != nil {
			e.logger.Error("failed to return destroyed stable units", "user", user, "error", issueErr)
		}
		unwind()
		return gatewayErr(ErrTransferFailed, err)
	}

	e.emit(Event{Type: EventDebtBurned, User: user, Debt: burnAmount.Clone()})
	e.emit(Event{Type: EventCollateralMoved, From: user, To: user, Asset: asset, Amount: amount.Clone()})
	e.logger.Debug("debt burned and collateral redeemed",
		"user", user, "asset", asset, "amount", amount.Dec(), "burned", burnAmount.Dec())
	return nil
}

// revertIfBroken returns a HealthFactorError when user's factor is
// below MinHealthFactor. Oracle failures propagate as-is.
func (e *Engine) revertIfBroken(user string) error {
	factor, err := e.HealthFactor(user)
	if err != nil {
		return err
	}
	if factor.Lt(MinHealthFactor) {
		return &HealthFactorError{Factor: factor}
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	ev.Timestamp = time.Now()
	if e.sink != nil {
		e.sink.Publish(ev)
	}
}

// The must* helpers unwind ledger mutations made earlier in the same
// guarded operation. The inverse of an applied mutation cannot fail;
// if it does the ledger is corrupt and continuing would be worse.
func (e *Engine) mustAddCollateral(user, asset string, amount *uint256.Int) {
	if err := e.ledger.addCollateral(user, asset, amount); err != nil {
		e.logger.Crit("ledger unwind failed", "user", user, "asset", asset, "error", err)
		panic(err)
	}
}

func (e *Engine) mustSubCollateral(user, asset string, amount *uint256.Int) {
	if err := e.ledger.subCollateral(user, asset, amount); err != nil {
		e.logger.Crit("ledger unwind failed", "user", user, "asset", asset, "error", err)
		panic(err)
	}
}

func (e *Engine) mustAddDebt(user string, amount *uint256.Int) {
	if err := e.ledger.addDebt(user, amount); err != nil {
		e.logger.Crit("ledger unwind failed", "user", user, "error", err)
		panic(err)
	}
}

func (e *Engine) mustSubDebt(user string, amount *uint256.Int) {
	if err := e.ledger.subDebt(user, amount); err != nil {
		e.logger.Crit("ledger unwind failed", "user", user, "error", err)
		panic(err)
	}
}

func validateAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

// gatewayErr translates a collaborator failure into the engine's
// error taxonomy without double-wrapping.
func gatewayErr(kind error, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}
