package cdp

import (
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wholeUnits returns n asset units at Precision scale.
func wholeUnits(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Precision)
}

// feedPrice returns a price of n quote units at feed precision.
func feedPrice(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e8))
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	engine *Engine
	feeds  map[string]*ManualFeed
	tokens map[string]*MemoryToken
	stable *MemoryStable
	sink   *recordingSink
}

// newTestEnv builds an engine over in-memory gateways with manual
// feeds at the given whole-unit prices.
func newTestEnv(t *testing.T, prices map[string]uint64) *testEnv {
	t.Helper()

	var assets []string
	var adapters []*FeedAdapter
	feeds := make(map[string]*ManualFeed)
	tokens := make(map[string]*MemoryToken)
	gateways := make(map[string]CollateralGateway)
	for asset, price := range prices {
		feed := NewManualFeed(feedPrice(price))
		feeds[asset] = feed
		assets = append(assets, asset)
		adapters = append(adapters, NewFeedAdapter(feed))
		token := NewMemoryToken()
		tokens[asset] = token
		gateways[asset] = token
	}
	stable := NewMemoryStable()
	sink := &recordingSink{}

	registry, err := NewRegistry(assets, adapters)
	require.NoError(t, err)

	engine, err := NewEngine(Config{
		Registry:   registry,
		Stable:     stable,
		Collateral: gateways,
		Sink:       sink,
	})
	require.NoError(t, err)

	return &testEnv{engine: engine, feeds: feeds, tokens: tokens, stable: stable, sink: sink}
}

// fund credits the user with collateral tokens held outside custody.
func (env *testEnv) fund(user, asset string, units uint64) {
	env.tokens[asset].Credit(user, wholeUnits(units))
}

func TestNewEngine(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	assert.NotNil(t, env.engine.Registry())
	assert.NotNil(t, env.engine.Ledger())

	t.Run("MissingGateway", func(t *testing.T) {
		registry, err := NewRegistry([]string{"ETH"}, []*FeedAdapter{NewFeedAdapter(NewManualFeed(feedPrice(2000)))})
		require.NoError(t, err)
		_, err = NewEngine(Config{Registry: registry, Stable: NewMemoryStable()})
		assert.ErrorIs(t, err, ErrMissingGateway)
	})
}

func TestDeposit(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	env.fund("alice", "ETH", 20)

	err := env.engine.Deposit("alice", "ETH", wholeUnits(15))
	require.NoError(t, err)

	assert.Equal(t, wholeUnits(15), env.engine.CollateralBalance("alice", "ETH"))
	assert.Equal(t, wholeUnits(15), env.tokens["ETH"].Custody())
	assert.Equal(t, wholeUnits(5), env.tokens["ETH"].Balance("alice"))
	assert.Len(t, env.sink.byType(EventCollateralDeposited), 1)

	t.Run("ZeroAmount", func(t *testing.T) {
		err := env.engine.Deposit("alice", "ETH", uint256.NewInt(0))
		assert.ErrorIs(t, err, ErrZeroAmount)
	})

	t.Run("UnsupportedAsset", func(t *testing.T) {
		err := env.engine.Deposit("alice", "DOGE", wholeUnits(1))
		assert.ErrorIs(t, err, ErrUnsupportedAsset)
	})

	t.Run("TransferFailureRollsBack", func(t *testing.T) {
		before := env.engine.CollateralBalance("alice", "ETH")
		err := env.engine.Deposit("alice", "ETH", wholeUnits(100))
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.Equal(t, before, env.engine.CollateralBalance("alice", "ETH"))
	})
}

func TestDepositImprovesHealthFactor(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	env.fund("alice", "ETH", 20)

	require.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(10)))
	require.NoError(t, env.engine.Mint("alice", wholeUnits(5000)))

	before, err := env.engine.HealthFactor("alice")
	require.NoError(t, err)

	require.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(5)))
	after, err := env.engine.HealthFactor("alice")
	require.NoError(t, err)

	assert.True(t, after.Gt(before), "deposit must not decrease health factor")
}

func TestMint(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	env.fund("alice", "ETH", 10)
	require.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(10)))

	t.Run("WithinLimit", func(t *testing.T) {
		// 10 ETH at 2000 backs at most 10000 units of debt.
		err := env.engine.Mint("alice", wholeUnits(4000))
		require.NoError(t, err)
		assert.Equal(t, wholeUnits(4000), env.engine.Ledger().Debt("alice"))
		assert.Equal(t, wholeUnits(4000), env.stable.Balance("alice"))

		factor, err := env.engine.HealthFactor("alice")
		require.NoError(t, err)
		// (20000 * 50 / 100) / 4000 = 2.5
		expected := new(uint256.Int).Div(new(uint256.Int).Mul(uint256.NewInt(25), Precision), uint256.NewInt(10))
		assert.Equal(t, expected, factor)
	})

	t.Run("BrokenHealthFactorRejected", func(t *testing.T) {
		debtBefore := env.engine.Ledger().Debt("alice")
		supplyBefore := env.stable.TotalSupply()

		err := env.engine.Mint("alice", wholeUnits(20000))
		assert.ErrorIs(t, err, ErrHealthFactorBroken)

		var hfErr *HealthFactorError
		require.ErrorAs(t, err, &hfErr)
		assert.True(t, hfErr.Factor.Lt(MinHealthFactor))

		assert.Equal(t, debtBefore, env.engine.Ledger().Debt("alice"), "failed mint must not change debt")
		assert.Equal(t, supplyBefore, env.stable.TotalSupply())
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		assert.ErrorIs(t, env.engine.Mint("alice", uint256.NewInt(0)), ErrZeroAmount)
	})

	t.Run("AtExactThreshold", func(t *testing.T) {
		// Minting up to exactly the minimum factor is allowed.
		debt := env.engine.Ledger().Debt("alice")
		headroom := new(uint256.Int).Sub(wholeUnits(10000), debt)
		require.NoError(t, env.engine.Mint("alice", headroom))

		factor, err := env.engine.HealthFactor("alice")
		require.NoError(t, err)
		assert.Equal(t, MinHealthFactor, factor)
	})
}

func TestDepositAndMint(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	env.fund("alice", "ETH", 20)

	t.Run("Success", func(t *testing.T) {
		err := env.engine.DepositAndMint("alice", "ETH", wholeUnits(10), wholeUnits(5000))
		require.NoError(t, err)
		assert.Equal(t, wholeUnits(10), env.engine.CollateralBalance("alice", "ETH"))
		assert.Equal(t, wholeUnits(5000), env.stable.Balance("alice"))
	})

	t.Run("MintRejectionKeepsDeposit", func(t *testing.T) {
		err := env.engine.DepositAndMint("alice", "ETH", wholeUnits(5), wholeUnits(100000))
		assert.ErrorIs(t, err, ErrHealthFactorBroken)
		// The deposit leg stands on its own.
		assert.Equal(t, wholeUnits(15), env.engine.CollateralBalance("alice", "ETH"))
		assert.Equal(t, wholeUnits(5000), env.engine.Ledger().Debt("alice"))
	})
}

func TestRedeem(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	env.fund("alice", "ETH", 10)
	require.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(10)))

	t.Run("Unencumbered", func(t *testing.T) {
		err := env.engine.Redeem("alice", "ETH", wholeUnits(3))
		require.NoError(t, err)
		assert.Equal(t, wholeUnits(7), env.engine.CollateralBalance("alice", "ETH"))
		assert.Equal(t, wholeUnits(3), env.tokens["ETH"].Balance("alice"))

		value, err := env.engine.AccountCollateralValue("alice")
		require.NoError(t, err)
		assert.Equal(t, wholeUnits(7*2000), value)

		moves := env.sink.byType(EventCollateralMoved)
		require.Len(t, moves, 1)
		assert.Equal(t, "alice", moves[0].From)
		assert.Equal(t, "alice", moves[0].To)
	})

	t.Run("InsufficientCollateral", func(t *testing.T) {
		err := env.engine.Redeem("alice", "ETH", wholeUnits(50))
		assert.ErrorIs(t, err, ErrInsufficientCollateral)
	})

	t.Run("HealthFactorGated", func(t *testing.T) {
		require.NoError(t, env.engine.Mint("alice", wholeUnits(7000)))

		before := env.engine.CollateralBalance("alice", "ETH")
		err := env.engine.Redeem("alice", "ETH", wholeUnits(5))
		assert.ErrorIs(t, err, ErrHealthFactorBroken)
		assert.Equal(t, before, env.engine.CollateralBalance("alice", "ETH"), "rejected redeem must roll back")
	})
}

func TestBurn(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	env.fund("alice", "ETH", 10)
	require.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(10)))
	require.NoError(t, env.engine.Mint("alice", wholeUnits(5000)))

	t.Run("Partial", func(t *testing.T) {
		err := env.engine.Burn("alice", wholeUnits(2000))
		require.NoError(t, err)
		assert.Equal(t, wholeUnits(3000), env.engine.Ledger().Debt("alice"))
		assert.Equal(t, wholeUnits(3000), env.stable.Balance("alice"))
		assert.Equal(t, wholeUnits(3000), env.stable.TotalSupply())
	})

	t.Run("ExceedsDebt", func(t *testing.T) {
		err := env.engine.Burn("alice", wholeUnits(9999))
		assert.ErrorIs(t, err, ErrBurnExceedsDebt)
		assert.Equal(t, wholeUnits(3000), env.engine.Ledger().Debt("alice"))
	})

	t.Run("InsufficientStableBalance", func(t *testing.T) {
		// alice holds 3000 stable units; pulling more than held fails
		// at the gateway and the debt decrement unwinds.
		require.NoError(t, env.stable.Pull("alice", wholeUnits(1000)))
		require.NoError(t, env.stable.Destroy(wholeUnits(1000)))

		err := env.engine.Burn("alice", wholeUnits(3000))
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.Equal(t, wholeUnits(3000), env.engine.Ledger().Debt("alice"))
	})
}

func TestRedeemAndBurn(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	env.fund("alice", "ETH", 10)
	require.NoError(t, env.engine.DepositAndMint("alice", "ETH", wholeUnits(10), wholeUnits(10000)))

	t.Run("InsufficientCollateralAbortsBoth", func(t *testing.T) {
		err := env.engine.RedeemAndBurn("alice", "ETH", wholeUnits(50), wholeUnits(5000))
		assert.ErrorIs(t, err, ErrInsufficientCollateral)
		assert.Equal(t, wholeUnits(10000), env.engine.Ledger().Debt("alice"), "burn leg must not survive a failed redeem")
		assert.Equal(t, wholeUnits(10000), env.stable.Balance("alice"))
		assert.Equal(t, wholeUnits(10), env.engine.CollateralBalance("alice", "ETH"))
	})

	t.Run("InsufficientStableAbortsBoth", func(t *testing.T) {
		// Park most of alice's stable units out of reach so the pull
		// fails after both ledger mutations have been applied.
		require.NoError(t, env.stable.Pull("alice", wholeUnits(9000)))

		err := env.engine.RedeemAndBurn("alice", "ETH", wholeUnits(2), wholeUnits(5000))
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.Equal(t, wholeUnits(10000), env.engine.Ledger().Debt("alice"))
		assert.Equal(t, wholeUnits(10), env.engine.CollateralBalance("alice", "ETH"))

		require.NoError(t, env.stable.Issue("alice", wholeUnits(9000)))
		require.NoError(t, env.stable.Destroy(wholeUnits(9000)))
	})

	t.Run("Success", func(t *testing.T) {
		// Redeeming 5 ETH alone would break the invariant; the burn in
		// the same operation frees the headroom.
		err := env.engine.RedeemAndBurn("alice", "ETH", wholeUnits(5), wholeUnits(5000))
		require.NoError(t, err)
		assert.Equal(t, wholeUnits(5), env.engine.CollateralBalance("alice", "ETH"))
		assert.Equal(t, wholeUnits(5000), env.engine.Ledger().Debt("alice"))

		factor, err := env.engine.HealthFactor("alice")
		require.NoError(t, err)
		assert.Equal(t, MinHealthFactor, factor)
	})
}

func TestZeroDebtHealthFactor(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})

	factor, err := env.engine.HealthFactor("nobody")
	require.NoError(t, err)
	assert.Equal(t, MaxHealthFactor, factor)

	env.fund("alice", "ETH", 5)
	require.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(5)))
	factor, err = env.engine.HealthFactor("alice")
	require.NoError(t, err)
	assert.Equal(t, MaxHealthFactor, factor, "collateral with no debt is infinitely healthy")
}

func TestStaleOracleFailsOperations(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000})
	env.fund("alice", "ETH", 11)
	require.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(10)))
	require.NoError(t, env.engine.Mint("alice", wholeUnits(1000)))

	env.feeds["ETH"].Set(feedPrice(2000), time.Now().Add(-4*time.Hour))

	debtBefore := env.engine.Ledger().Debt("alice")
	collateralBefore := env.engine.CollateralBalance("alice", "ETH")

	assert.ErrorIs(t, env.engine.Mint("alice", wholeUnits(1)), ErrStalePrice)
	assert.ErrorIs(t, env.engine.Redeem("alice", "ETH", wholeUnits(1)), ErrStalePrice)
	assert.ErrorIs(t, env.engine.Burn("alice", wholeUnits(1)), ErrStalePrice)
	_, err := env.engine.HealthFactor("alice")
	assert.ErrorIs(t, err, ErrStalePrice)

	assert.Equal(t, debtBefore, env.engine.Ledger().Debt("alice"))
	assert.Equal(t, collateralBefore, env.engine.CollateralBalance("alice", "ETH"))

	// Deposits need no price and still work.
	assert.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(1)))
}

// reentrantGateway calls back into the engine from inside a transfer,
// the way a malicious token contract would.
type reentrantGateway struct {
	engine *Engine
	nested error
}

func (g *reentrantGateway) TransferIn(from string, amount *uint256.Int) error {
	g.nested = g.engine.Mint(from, amount)
	return g.nested
}

func (g *reentrantGateway) TransferOut(to string, amount *uint256.Int) error {
	return nil
}

func TestReentrancyGuard(t *testing.T) {
	feed := NewManualFeed(feedPrice(2000))
	registry, err := NewRegistry([]string{"ETH"}, []*FeedAdapter{NewFeedAdapter(feed)})
	require.NoError(t, err)

	gw := &reentrantGateway{}
	engine, err := NewEngine(Config{
		Registry:   registry,
		Stable:     NewMemoryStable(),
		Collateral: map[string]CollateralGateway{"ETH": gw},
	})
	require.NoError(t, err)
	gw.engine = engine

	err = engine.Deposit("mallory", "ETH", wholeUnits(1))
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, gw.nested, ErrReentrantCall, "nested entry must fail, not deadlock")
	assert.True(t, engine.CollateralBalance("mallory", "ETH").IsZero(), "failed deposit must roll back")

	// The guard clears on exit; the next operation proceeds.
	assert.ErrorIs(t, engine.Mint("mallory", wholeUnits(1)), ErrHealthFactorBroken)
}

func TestAccountInformation(t *testing.T) {
	env := newTestEnv(t, map[string]uint64{"ETH": 2000, "BTC": 30000})
	env.fund("alice", "ETH", 10)
	env.fund("alice", "BTC", 2)
	require.NoError(t, env.engine.Deposit("alice", "ETH", wholeUnits(10)))
	require.NoError(t, env.engine.Deposit("alice", "BTC", wholeUnits(2)))
	require.NoError(t, env.engine.Mint("alice", wholeUnits(1000)))

	info, err := env.engine.Information("alice")
	require.NoError(t, err)
	assert.Equal(t, wholeUnits(1000), info.DebtMinted)
	assert.Equal(t, wholeUnits(10*2000+2*30000), info.CollateralValueQuote)
}
