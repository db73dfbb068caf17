// Package store persists engine ledger state to a luxfi/database
// backend so a daemon restart resumes with the same accounts.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/cdp/pkg/cdp"
)

const accountPrefix = "acct:"

// accountRecord is the stored form of one account. Amounts are
// decimal strings so records stay readable in db dumps.
type accountRecord struct {
	Collateral map[string]string `json:"collateral"`
	Debt       string            `json:"debt"`
}

// Store reads and writes ledger snapshots.
type Store struct {
	db     database.Database
	logger log.Logger
}

// New wraps db.
func New(db database.Database, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	return &Store{db: db, logger: logger}
}

// SaveAccount writes the current state of one account. Assets is the
// registry's asset list; zero balances are elided.
func (s *Store) SaveAccount(ledger *cdp.Ledger, assets []string, user string) error {
	record := accountRecord{
		Collateral: make(map[string]string),
		Debt:       ledger.Debt(user).Dec(),
	}
	for _, asset := range assets {
		amount := ledger.Collateral(user, asset)
		if !amount.IsZero() {
			record.Collateral[asset] = amount.Dec()
		}
	}
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Put(accountKey(user), value)
}

// Save writes every account in the ledger in one batch.
func (s *Store) Save(ledger *cdp.Ledger, assets []string) error {
	batch := s.db.NewBatch()
	defer batch.Reset()

	for _, user := range ledger.Users() {
		record := accountRecord{
			Collateral: make(map[string]string),
			Debt:       ledger.Debt(user).Dec(),
		}
		for _, asset := range assets {
			amount := ledger.Collateral(user, asset)
			if !amount.IsZero() {
				record.Collateral[asset] = amount.Dec()
			}
		}
		value, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := batch.Put(accountKey(user), value); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Load rebuilds ledger state from disk. A database with no account
// rows yields an unchanged ledger.
func (s *Store) Load(ledger *cdp.Ledger) error {
	iter := s.db.NewIteratorWithPrefix([]byte(accountPrefix))
	defer iter.Release()

	loaded := 0
	for iter.Next() {
		user := string(iter.Key()[len(accountPrefix):])
		var record accountRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return fmt.Errorf("corrupt account record for %s: %w", user, err)
		}
		debt, err := uint256.FromDecimal(record.Debt)
		if err != nil {
			return fmt.Errorf("corrupt debt for %s: %w", user, err)
		}
		ledger.SetDebt(user, debt)
		for asset, raw := range record.Collateral {
			amount, err := uint256.FromDecimal(raw)
			if err != nil {
				return fmt.Errorf("corrupt collateral %s for %s: %w", asset, user, err)
			}
			ledger.SetCollateral(user, asset, amount)
		}
		loaded++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if loaded > 0 {
		s.logger.Info("ledger state loaded", "accounts", loaded)
	} else {
		s.logger.Info("no previous state found, starting fresh")
	}
	return nil
}

func accountKey(user string) []byte {
	return []byte(accountPrefix + user)
}
