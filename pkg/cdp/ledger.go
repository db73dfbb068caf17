package cdp

import "github.com/holiman/uint256"

// Ledger holds per-account collateral balances and minted debt. It is
// pure data: only the engine mutates it, serialized by the engine's
// operation guard. Absent entries read as zero; accounts are created
// implicitly on first deposit and never destroyed.
type Ledger struct {
	collateral map[string]map[string]*uint256.Int // user -> asset -> amount
	debt       map[string]*uint256.Int            // user -> stable units
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		collateral: make(map[string]map[string]*uint256.Int),
		debt:       make(map[string]*uint256.Int),
	}
}

// Collateral returns the deposited amount of asset for user.
func (l *Ledger) Collateral(user, asset string) *uint256.Int {
	if amounts, ok := l.collateral[user]; ok {
		if amount, ok := amounts[asset]; ok {
			return amount.Clone()
		}
	}
	return uint256.NewInt(0)
}

// Debt returns user's outstanding minted debt.
func (l *Ledger) Debt(user string) *uint256.Int {
	if debt, ok := l.debt[user]; ok {
		return debt.Clone()
	}
	return uint256.NewInt(0)
}

// Users returns every account that has ever held a balance, in no
// particular order.
func (l *Ledger) Users() []string {
	seen := make(map[string]struct{}, len(l.collateral)+len(l.debt))
	for user := range l.collateral {
		seen[user] = struct{}{}
	}
	for user := range l.debt {
		seen[user] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for user := range seen {
		out = append(out, user)
	}
	return out
}

func (l *Ledger) addCollateral(user, asset string, amount *uint256.Int) error {
	amounts, ok := l.collateral[user]
	if !ok {
		amounts = make(map[string]*uint256.Int)
		l.collateral[user] = amounts
	}
	current, ok := amounts[asset]
	if !ok {
		current = uint256.NewInt(0)
		amounts[asset] = current
	}
	sum := new(uint256.Int)
	if _, overflow := sum.AddOverflow(current, amount); overflow {
		return ErrOverflow
	}
	current.Set(sum)
	return nil
}

func (l *Ledger) subCollateral(user, asset string, amount *uint256.Int) error {
	amounts, ok := l.collateral[user]
	if !ok {
		return ErrInsufficientCollateral
	}
	current, ok := amounts[asset]
	if !ok || current.Lt(amount) {
		return ErrInsufficientCollateral
	}
	current.Sub(current, amount)
	return nil
}

func (l *Ledger) addDebt(user string, amount *uint256.Int) error {
	current, ok := l.debt[user]
	if !ok {
		current = uint256.NewInt(0)
		l.debt[user] = current
	}
	sum := new(uint256.Int)
	if _, overflow := sum.AddOverflow(current, amount); overflow {
		return ErrOverflow
	}
	current.Set(sum)
	return nil
}

func (l *Ledger) subDebt(user string, amount *uint256.Int) error {
	current, ok := l.debt[user]
	if !ok || current.Lt(amount) {
		return ErrBurnExceedsDebt
	}
	current.Sub(current, amount)
	return nil
}

// SetCollateral overwrites user's balance of asset. Used by the
// persistence layer when rebuilding state at startup.
func (l *Ledger) SetCollateral(user, asset string, amount *uint256.Int) {
	amounts, ok := l.collateral[user]
	if !ok {
		amounts = make(map[string]*uint256.Int)
		l.collateral[user] = amounts
	}
	amounts[asset] = amount.Clone()
}

// SetDebt overwrites user's outstanding debt.
func (l *Ledger) SetDebt(user string, amount *uint256.Int) {
	l.debt[user] = amount.Clone()
}
