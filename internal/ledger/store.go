package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Adjustment is a signed change applied to one account balance.
type Adjustment struct {
	AccountID string
	Delta     decimal.Decimal
}

// Store is durable, concurrency-safe storage of account balances.
//
// AtomicAdjust applies every adjustment or none. It fails with ErrNotFound if
// an account is missing, ErrInsufficientFunds if a resulting balance would be
// negative and ErrConflict if a concurrent transaction interfered. No reader
// may observe a state where only some of the adjustments are applied.
type Store interface {
	Get(ctx context.Context, accountID string) (decimal.Decimal, error)
	Create(ctx context.Context, accountID string, initial decimal.Decimal) error
	AtomicAdjust(ctx context.Context, adjustments []Adjustment) error
	// Total returns the sum of all balances.
	Total(ctx context.Context) (decimal.Decimal, error)
}
