package repository

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/shopspring/decimal"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when the username is already registered.
	ErrUserExists = errors.New("user already exists")
	// ErrCommitUnknown is returned when a transaction commit could not be
	// confirmed either way. The adjustment may or may not have been applied.
	ErrCommitUnknown = errors.New("transaction commit outcome unknown")
)

// mergeAdjustments folds adjustments by account and returns the deltas with
// the account ids in ascending order, the order every store locks in.
func mergeAdjustments(adjustments []ledger.Adjustment) (map[string]decimal.Decimal, []string, error) {
	if len(adjustments) == 0 {
		return nil, nil, fmt.Errorf("%w: no adjustments", ledger.ErrInvalidRequest)
	}
	deltas := make(map[string]decimal.Decimal, len(adjustments))
	for _, adj := range adjustments {
		if adj.AccountID == "" {
			return nil, nil, fmt.Errorf("%w: empty account id", ledger.ErrInvalidRequest)
		}
		if !ledger.HasValidScale(adj.Delta) {
			return nil, nil, fmt.Errorf("%w: delta %s exceeds %d decimal places", ledger.ErrInvalidRequest, adj.Delta, ledger.Scale)
		}
		deltas[adj.AccountID] = deltas[adj.AccountID].Add(adj.Delta)
	}
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return deltas, ids, nil
}

func validateInitial(initial decimal.Decimal) error {
	if initial.IsNegative() || !ledger.HasValidScale(initial) {
		return fmt.Errorf("%w: initial balance %s", ledger.ErrInvalidRequest, initial)
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
}

func insufficient(id string, balance, delta decimal.Decimal) error {
	return fmt.Errorf("account %s has %s, cannot apply %s: %w",
		id, balance.StringFixed(ledger.Scale), delta.StringFixed(ledger.Scale), ledger.ErrInsufficientFunds)
}
