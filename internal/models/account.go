package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the single monetary account owned by a user.
// ID equals the owning user's ID.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
