package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/models"
	"github.com/shopspring/decimal"
)

// Memory keeps accounts and users in process memory. It is not durable and is
// meant for development and tests.
//
// Each account carries its own mutex; multi-account adjustments lock in
// ascending id order, so transfers over disjoint pairs never contend.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount

	usersMu sync.RWMutex
	users   map[string]*models.User
}

type memAccount struct {
	mu sync.Mutex
	models.Account
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memAccount),
		users:    make(map[string]*models.User),
	}
}

// Get returns the balance of an account
func (m *Memory) Get(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.RLock()
	acc, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return decimal.Zero, notFound(accountID)
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.Balance, nil
}

// Create opens a new account
func (m *Memory) Create(ctx context.Context, accountID string, initial decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateInitial(initial); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[accountID]; exists {
		return ledger.ErrAlreadyExists
	}
	now := time.Now()
	m.accounts[accountID] = &memAccount{Account: models.Account{
		ID:        accountID,
		Balance:   initial,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	return nil
}

// AtomicAdjust applies all adjustments or none
func (m *Memory) AtomicAdjust(ctx context.Context, adjustments []ledger.Adjustment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deltas, ids, err := mergeAdjustments(adjustments)
	if err != nil {
		return err
	}

	m.mu.RLock()
	locked := make([]*memAccount, 0, len(ids))
	for _, id := range ids {
		acc, ok := m.accounts[id]
		if !ok {
			m.mu.RUnlock()
			return notFound(id)
		}
		locked = append(locked, acc)
	}
	m.mu.RUnlock()

	for _, acc := range locked {
		acc.mu.Lock()
	}
	defer func() {
		for _, acc := range locked {
			acc.mu.Unlock()
		}
	}()

	next := make([]decimal.Decimal, len(ids))
	for i, id := range ids {
		next[i] = locked[i].Balance.Add(deltas[id])
		if next[i].IsNegative() {
			return insufficient(id, locked[i].Balance, deltas[id])
		}
	}
	now := time.Now()
	for i, acc := range locked {
		acc.Balance = next[i]
		acc.UpdatedAt = now
	}
	return nil
}

// Total sums every balance while holding all account locks
func (m *Memory) Total(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	locked := make([]*memAccount, len(ids))
	for i, id := range ids {
		locked[i] = m.accounts[id]
	}
	m.mu.RUnlock()

	total := decimal.Zero
	for _, acc := range locked {
		acc.mu.Lock()
	}
	for _, acc := range locked {
		total = total.Add(acc.Balance)
		acc.mu.Unlock()
	}
	return total, nil
}

// CreateUser stores a new user; usernames are unique
func (m *Memory) CreateUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrUserExists
		}
	}
	if _, exists := m.users[user.ID]; exists {
		return ErrUserExists
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

// FindUserByID retrieves a user by id
func (m *Memory) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return m.findUser(ctx, func(u *models.User) bool { return u.ID == id })
}

// FindUserByUsername retrieves a user by username
func (m *Memory) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.findUser(ctx, func(u *models.User) bool { return u.Username == username })
}

// FindUserByEmail retrieves a user by email
func (m *Memory) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.findUser(ctx, func(u *models.User) bool { return strings.EqualFold(u.Email, email) })
}

// UpdateUser overwrites the mutable profile fields
func (m *Memory) UpdateUser(ctx context.Context, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	existing, ok := m.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	existing.PasswordHash = user.PasswordHash
	existing.FirstName = user.FirstName
	existing.LastName = user.LastName
	existing.UpdatedAt = time.Now()
	user.UpdatedAt = existing.UpdatedAt
	return nil
}

// DeleteUser removes a user
func (m *Memory) DeleteUser(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, id)
	return nil
}

// SearchUsers returns users whose first or last name contains filter
func (m *Memory) SearchUsers(ctx context.Context, filter string, limit int) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(filter)
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()
	var out []models.User
	for _, u := range m.users {
		if strings.Contains(strings.ToLower(u.FirstName), needle) || strings.Contains(strings.ToLower(u.LastName), needle) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) findUser(ctx context.Context, match func(*models.User) bool) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}
