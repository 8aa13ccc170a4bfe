package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgreSQL error codes the store reacts to
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

// Repository provides database operations backed by PostgreSQL
type Repository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewRepository initializes a new repository. lockTimeout bounds how long a
// transfer waits for row locks before reporting a conflict.
func NewRepository(db *sql.DB, lockTimeout time.Duration) *Repository {
	return &Repository{db: db, lockTimeout: lockTimeout}
}

// Get returns the balance of an account
func (r *Repository) Get(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, notFound(accountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get account: %w", translate(err))
	}
	return balance, nil
}

// Create creates a new account in the database
func (r *Repository) Create(ctx context.Context, accountID string, initial decimal.Decimal) error {
	if err := validateInitial(initial); err != nil {
		return err
	}
	query := `
		INSERT INTO accounts (id, balance, created_at, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	if _, err := r.db.ExecContext(ctx, query, accountID, initial); err != nil {
		if isCode(err, codeUniqueViolation) {
			return ledger.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create account: %w", translate(err))
	}
	return nil
}

// AtomicAdjust applies all adjustments inside one serializable transaction.
// Rows are locked in ascending id order.
func (r *Repository) AtomicAdjust(ctx context.Context, adjustments []ledger.Adjustment) (err error) {
	deltas, ids, err := mergeAdjustments(adjustments)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", translate(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if r.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", translate(err))
		}
	}

	balances, err := lockBalances(ctx, tx, ids)
	if err != nil {
		return err
	}

	for _, id := range ids {
		current, ok := balances[id]
		if !ok {
			return notFound(id)
		}
		if current.Add(deltas[id]).IsNegative() {
			return insufficient(id, current, deltas[id])
		}
	}

	for _, id := range ids {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
			deltas[id], id)
		if err != nil {
			return fmt.Errorf("failed to adjust account %s: %w", id, translate(err))
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit adjustment: %w", translate(err))
	}
	return nil
}

// Total sums every balance in a single statement snapshot
func (r *Repository) Total(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to total balances: %w", translate(err))
	}
	return total, nil
}

func lockBalances(ctx context.Context, tx *sql.Tx, ids []string) (map[string]decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock accounts: %w", translate(err))
	}
	defer rows.Close()

	balances := make(map[string]decimal.Decimal, len(ids))
	for rows.Next() {
		var (
			id      string
			balance decimal.Decimal
		)
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		balances[id] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to lock accounts: %w", translate(err))
	}
	return balances, nil
}

// CreateUser creates a new user in the database
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, username, email, password_hash, first_name, last_name, avatar, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.Avatar).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if isCode(err, codeUniqueViolation) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// FindUserByID retrieves a user by id
func (r *Repository) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return r.findUser(ctx, "id = $1", id)
}

// FindUserByUsername retrieves a user by username
func (r *Repository) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.findUser(ctx, "username = $1", username)
}

// FindUserByEmail retrieves a user by email
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findUser(ctx, "lower(email) = lower($1)", email)
}

// UpdateUser overwrites the mutable profile fields
func (r *Repository) UpdateUser(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users SET password_hash = $2, first_name = $3, last_name = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, query, user.ID, user.PasswordHash, user.FirstName, user.LastName).
		Scan(&user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// DeleteUser removes a user
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SearchUsers returns users whose first or last name contains filter
func (r *Repository) SearchUsers(ctx context.Context, filter string, limit int) ([]models.User, error) {
	query := `
		SELECT id, username, email, password_hash, first_name, last_name, avatar, created_at, updated_at
		FROM users
		WHERE first_name ILIKE $1 OR last_name ILIKE $1
		ORDER BY username
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, "%"+escapeLike(filter)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
			&u.FirstName, &u.LastName, &u.Avatar, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return users, nil
}

func (r *Repository) findUser(ctx context.Context, where string, arg string) (*models.User, error) {
	user := &models.User{}
	query := `
		SELECT id, username, email, password_hash, first_name, last_name, avatar, created_at, updated_at
		FROM users
		WHERE ` + where
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
			&user.FirstName, &user.LastName, &user.Avatar, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// translate maps PostgreSQL errors onto the ledger taxonomy
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pqErr.Message)
	case codeCheckViolation:
		return fmt.Errorf("%w: %s", ledger.ErrInsufficientFunds, pqErr.Message)
	}
	return err
}

func isCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
