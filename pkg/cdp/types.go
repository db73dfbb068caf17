package cdp

import (
	"time"

	"github.com/holiman/uint256"
)

// Fixed-point parameters shared by every monetary computation in the
// engine. Prices and quote values are carried at 1e18 scale; oracle
// feeds report at 1e8 scale and are boosted on read.
const (
	// PrecisionExp is the number of decimal places of the internal
	// fixed-point representation.
	PrecisionExp = 18

	// FeedDecimals is the number of decimal places oracle feeds report.
	FeedDecimals = 8

	// LiquidationThreshold is the percentage of nominal collateral
	// value that counts toward solvency. 50 means positions must be
	// 200% overcollateralized.
	LiquidationThreshold = 50

	// LiquidationPrecision is the divisor paired with
	// LiquidationThreshold and LiquidationBonus.
	LiquidationPrecision = 100

	// LiquidationBonus is the percentage of extra collateral awarded
	// to a liquidator on top of the debt's market equivalent.
	LiquidationBonus = 10

	// StalenessTimeout is the maximum age of an oracle quote before
	// reads fail.
	StalenessTimeout = 3 * time.Hour
)

// Precision is 10^PrecisionExp, the internal fixed-point unit.
var Precision = uint256.NewInt(1e18)

// FeedPrecisionBoost rescales a FeedDecimals price to Precision.
var FeedPrecisionBoost = uint256.NewInt(1e10)

// MinHealthFactor is the lowest health factor a position with debt may
// hold after any mutation, expressed at Precision scale (1.0).
var MinHealthFactor = uint256.NewInt(1e18)

// MaxHealthFactor is the sentinel returned for accounts with no debt.
var MaxHealthFactor = new(uint256.Int).SetAllOne()

// EventType identifies an engine event.
type EventType string

const (
	EventCollateralDeposited EventType = "collateral_deposited"
	EventCollateralMoved     EventType = "collateral_moved"
	EventDebtMinted          EventType = "debt_minted"
	EventDebtBurned          EventType = "debt_burned"
	EventLiquidation         EventType = "liquidation"
)

// Event is emitted by the engine after a successful state mutation.
// From and To are set for collateral movements (redemptions move
// custody back to the owner, seizures move it to the liquidator).
type Event struct {
	Type      EventType    `json:"type"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
	User      string       `json:"user,omitempty"`
	Asset     string       `json:"asset,omitempty"`
	Amount    *uint256.Int `json:"amount,omitempty"`
	Debt      *uint256.Int `json:"debt,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EventSink receives engine events. Implementations must not block;
// the engine publishes synchronously after committing a mutation.
type EventSink interface {
	Publish(Event)
}

// AccountInformation is a point-in-time summary of one account.
type AccountInformation struct {
	DebtMinted           *uint256.Int
	CollateralValueQuote *uint256.Int
}
