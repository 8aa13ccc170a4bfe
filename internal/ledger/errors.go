package ledger

import "errors"

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrAlreadyExists is returned when an account id is already taken.
	ErrAlreadyExists = errors.New("account already exists")
	// ErrInvalidRequest covers non-positive amounts, excess precision and self-transfers.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidRecipient is returned when the transfer target does not exist.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrInsufficientFunds is returned when a debit would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflict is returned by a Store when a concurrent transaction won. Retryable.
	ErrConflict = errors.New("storage conflict")
	// ErrTransientFailure is returned by the Engine once the retry budget is spent.
	ErrTransientFailure = errors.New("transient failure")
)
