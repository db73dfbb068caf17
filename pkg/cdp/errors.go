package cdp

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// Validation errors. No state change has occurred when these are
	// returned.
	ErrZeroAmount         = errors.New("amount must be greater than zero")
	ErrUnsupportedAsset   = errors.New("collateral asset not registered")
	ErrFeedLengthMismatch = errors.New("asset and feed lists differ in length")
	ErrDuplicateAsset     = errors.New("collateral asset registered twice")
	ErrMissingGateway     = errors.New("no gateway configured for asset")

	// ErrStalePrice is returned when an oracle quote is older than
	// StalenessTimeout. Fatal to the calling operation, never retried.
	ErrStalePrice = errors.New("stale price feed")

	// Gateway failures, fatal to the enclosing operation.
	ErrTransferFailed = errors.New("token transfer failed")
	ErrMintFailed     = errors.New("stable unit issuance refused")

	// Arithmetic failures.
	ErrInsufficientCollateral = errors.New("insufficient collateral balance")
	ErrBurnExceedsDebt        = errors.New("burn amount exceeds outstanding debt")
	ErrOverflow               = errors.New("fixed-point arithmetic overflow")

	// ErrHealthFactorBroken is the sentinel wrapped by
	// HealthFactorError; match with errors.Is.
	ErrHealthFactorBroken = errors.New("health factor below minimum")

	// Liquidation preconditions.
	ErrHealthFactorOk          = errors.New("health factor above minimum, not liquidatable")
	ErrHealthFactorNotImproved = errors.New("liquidation did not improve health factor")

	// ErrReentrantCall is returned when a guarded entry point is
	// invoked while another operation is in flight.
	ErrReentrantCall = errors.New("reentrant call rejected")
)

// HealthFactorError reports an invariant violation together with the
// factor that was computed, at Precision scale.
type HealthFactorError struct {
	Factor *uint256.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("health factor below minimum: %s", e.Factor.Dec())
}

func (e *HealthFactorError) Unwrap() error {
	return ErrHealthFactorBroken
}
