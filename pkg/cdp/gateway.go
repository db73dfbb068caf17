package cdp

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// CollateralGateway is the engine's view of one collateral asset's
// token contract. A reported failure is fatal to the enclosing
// operation; the engine never continues past it.
type CollateralGateway interface {
	// TransferIn pulls amount from the holder into engine custody.
	TransferIn(from string, amount *uint256.Int) error
	// TransferOut releases amount from engine custody to the holder.
	TransferOut(to string, amount *uint256.Int) error
}

// StableGateway is the engine's view of the stable-unit contract.
type StableGateway interface {
	// Issue creates amount of the stable unit for the holder.
	Issue(to string, amount *uint256.Int) error
	// Pull debits amount of the stable unit from the holder into
	// engine custody.
	Pull(from string, amount *uint256.Int) error
	// Destroy burns amount held in engine custody.
	Destroy(amount *uint256.Int) error
}

// MemoryToken is an in-memory fungible token ledger implementing
// CollateralGateway. The daemon and tests use it in place of a real
// token contract.
type MemoryToken struct {
	mu       sync.Mutex
	balances map[string]*uint256.Int
	custody  *uint256.Int
}

// NewMemoryToken returns an empty token ledger.
func NewMemoryToken() *MemoryToken {
	return &MemoryToken{
		balances: make(map[string]*uint256.Int),
		custody:  uint256.NewInt(0),
	}
}

// Credit mints amount to the holder, outside engine custody.
func (t *MemoryToken) Credit(holder string, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.balances[holder]
	if !ok {
		current = uint256.NewInt(0)
		t.balances[holder] = current
	}
	current.Add(current, amount)
}

// Balance returns the holder's free balance.
func (t *MemoryToken) Balance(holder string) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.balances[holder]; ok {
		return current.Clone()
	}
	return uint256.NewInt(0)
}

// Custody returns the amount held by the engine.
func (t *MemoryToken) Custody() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.custody.Clone()
}

// TransferIn implements CollateralGateway.
func (t *MemoryToken) TransferIn(from string, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.balances[from]
	if !ok || current.Lt(amount) {
		return fmt.Errorf("%w: %s holds less than %s", ErrTransferFailed, from, amount.Dec())
	}
	current.Sub(current, amount)
	t.custody.Add(t.custody, amount)
	return nil
}

// TransferOut implements CollateralGateway.
func (t *MemoryToken) TransferOut(to string, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.custody.Lt(amount) {
		return fmt.Errorf("%w: custody holds less than %s", ErrTransferFailed, amount.Dec())
	}
	t.custody.Sub(t.custody, amount)
	current, ok := t.balances[to]
	if !ok {
		current = uint256.NewInt(0)
		t.balances[to] = current
	}
	current.Add(current, amount)
	return nil
}

// MemoryStable is an in-memory stable-unit ledger implementing
// StableGateway.
type MemoryStable struct {
	mu          sync.Mutex
	balances    map[string]*uint256.Int
	custody     *uint256.Int
	totalSupply *uint256.Int
}

// NewMemoryStable returns an empty stable-unit ledger.
func NewMemoryStable() *MemoryStable {
	return &MemoryStable{
		balances:    make(map[string]*uint256.Int),
		custody:     uint256.NewInt(0),
		totalSupply: uint256.NewInt(0),
	}
}

// Balance returns the holder's stable-unit balance.
func (s *MemoryStable) Balance(holder string) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.balances[holder]; ok {
		return current.Clone()
	}
	return uint256.NewInt(0)
}

// TotalSupply returns the outstanding stable-unit supply.
func (s *MemoryStable) TotalSupply() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSupply.Clone()
}

// Issue implements StableGateway.
func (s *MemoryStable) Issue(to string, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.balances[to]
	if !ok {
		current = uint256.NewInt(0)
		s.balances[to] = current
	}
	current.Add(current, amount)
	s.totalSupply.Add(s.totalSupply, amount)
	return nil
}

// Pull implements StableGateway.
func (s *MemoryStable) Pull(from string, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.balances[from]
	if !ok || current.Lt(amount) {
		return fmt.Errorf("%w: %s holds less than %s stable units", ErrTransferFailed, from, amount.Dec())
	}
	current.Sub(current, amount)
	s.custody.Add(s.custody, amount)
	return nil
}

// Destroy implements StableGateway.
func (s *MemoryStable) Destroy(amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.custody.Lt(amount) {
		return fmt.Errorf("%w: custody holds less than %s stable units", ErrTransferFailed, amount.Dec())
	}
	s.custody.Sub(s.custody, amount)
	s.totalSupply.Sub(s.totalSupply, amount)
	return nil
}
