package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dan9191/ledger-service/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Scale is the number of fractional digits a monetary amount may carry.
const Scale int32 = 2

const (
	defaultMaxAttempts    = 5
	defaultRetryBase      = 20 * time.Millisecond
	defaultAttemptTimeout = 5 * time.Second
)

// HasValidScale reports whether d is representable in Scale fractional digits
// without rounding.
func HasValidScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Scale))
}

// Engine enforces transfer rules on top of a Store.
type Engine struct {
	store Store
	log   *logrus.Logger

	maxAttempts    int
	retryBase      time.Duration
	attemptTimeout time.Duration

	// gate is held shared by provisioning and exclusively by audit snapshots
	gate        sync.RWMutex
	mu          sync.Mutex
	provisioned decimal.Decimal
}

// Option configures an Engine
type Option func(*Engine)

// WithRetry sets the number of attempts per transfer and the initial backoff delay.
func WithRetry(maxAttempts int, base time.Duration) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if base > 0 {
			e.retryBase = base
		}
	}
}

// WithAttemptTimeout bounds every storage round trip. A timed out attempt is
// retried like a conflict.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.attemptTimeout = d
		}
	}
}

// NewEngine initializes a new ledger engine
func NewEngine(store Store, log *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		log:            log,
		maxAttempts:    defaultMaxAttempts,
		retryBase:      defaultRetryBase,
		attemptTimeout: defaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetBalance returns the balance of accountID
func (e *Engine) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	balance, err := e.store.Get(ctx, accountID)
	if err != nil {
		return decimal.Zero, transient(e.storageError(ctx, err))
	}
	return balance, nil
}

// ProvisionAccount opens the account of a new user with an initial balance.
// The seeding policy belongs to the caller.
func (e *Engine) ProvisionAccount(ctx context.Context, accountID string, initial decimal.Decimal) error {
	if accountID == "" {
		return fmt.Errorf("%w: empty account id", ErrInvalidRequest)
	}
	if initial.IsNegative() || !HasValidScale(initial) {
		return fmt.Errorf("%w: initial balance %s", ErrInvalidRequest, initial)
	}

	ctx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	e.gate.RLock()
	defer e.gate.RUnlock()
	if err := e.store.Create(ctx, accountID, initial); err != nil {
		return transient(e.storageError(ctx, err))
	}

	e.mu.Lock()
	e.provisioned = e.provisioned.Add(initial)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"balance":    initial.StringFixed(Scale),
	}).Info("Account provisioned")
	return nil
}

// Transfer moves amount from one account to another with all-or-nothing
// semantics. Storage conflicts are retried with exponential backoff until the
// attempt budget is spent, then ErrTransientFailure is returned.
func (e *Engine) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (*models.TransferIntent, error) {
	intent := models.TransferIntent{From: from, To: to, Amount: amount}
	if err := validateTransfer(intent); err != nil {
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{
		"from":   from,
		"to":     to,
		"amount": amount.StringFixed(Scale),
	})

	attempt := 0
	op := func() error {
		attempt++
		err := e.transferOnce(ctx, intent)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			log.WithField("attempt", attempt).WithError(err).Debug("Transfer conflicted, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(e.newBackOff(), ctx))
	switch {
	case err == nil:
		log.WithField("attempt", attempt).Info("Transfer committed")
		return &intent, nil
	case errors.Is(err, ErrConflict), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		log.WithField("attempt", attempt).WithError(err).Warn("Transfer gave up")
		return nil, fmt.Errorf("%w: transfer abandoned after %d attempts: %v", ErrTransientFailure, attempt, err)
	default:
		log.WithError(err).Info("Transfer rejected")
		return nil, err
	}
}

// Provisioned returns the sum of initial balances opened by this engine.
func (e *Engine) Provisioned() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provisioned
}

// snapshot runs read with provisioning paused and returns the provisioned sum
// consistent with what read observed.
func (e *Engine) snapshot(read func() error) (decimal.Decimal, error) {
	e.gate.Lock()
	defer e.gate.Unlock()
	if err := read(); err != nil {
		return decimal.Zero, err
	}
	return e.Provisioned(), nil
}

// transferOnce runs one Validated -> Checked -> Applied sequence.
func (e *Engine) transferOnce(ctx context.Context, intent models.TransferIntent) error {
	ctx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	if _, err := e.store.Get(ctx, intent.To); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrInvalidRecipient, intent.To)
		}
		return e.storageError(ctx, err)
	}

	err := e.store.AtomicAdjust(ctx, []Adjustment{
		{AccountID: intent.From, Delta: intent.Amount.Neg()},
		{AccountID: intent.To, Delta: intent.Amount},
	})
	if err != nil {
		return e.storageError(ctx, err)
	}
	return nil
}

// storageError turns an attempt-level timeout into a retryable conflict.
func (e *Engine) storageError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// transient reports conflicts from operations that are not retried.
func transient(err error) error {
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: %v", ErrTransientFailure, err)
	}
	return err
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryBase
	b.MaxInterval = e.retryBase * 16
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(e.maxAttempts-1))
}

func validateTransfer(intent models.TransferIntent) error {
	switch {
	case intent.From == "" || intent.To == "":
		return fmt.Errorf("%w: missing account id", ErrInvalidRequest)
	case intent.From == intent.To:
		return fmt.Errorf("%w: cannot transfer to the same account", ErrInvalidRequest)
	case !intent.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidRequest, intent.Amount)
	case !HasValidScale(intent.Amount):
		return fmt.Errorf("%w: amount %s has more than %d decimal places", ErrInvalidRequest, intent.Amount, Scale)
	}
	return nil
}
