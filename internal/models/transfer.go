package models

import "github.com/shopspring/decimal"

// TransferIntent describes a move of Amount from one account to another.
// It is never persisted.
type TransferIntent struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}
