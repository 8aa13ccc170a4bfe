package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"github.com/Dan9191/ledger-service/internal/auth"
	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/models"
	"github.com/Dan9191/ledger-service/internal/notify"
	"github.com/Dan9191/ledger-service/internal/repository"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const searchLimit = 50

var (
	// ErrInvalidInput wraps validation failures of user input
	ErrInvalidInput = errors.New("invalid input")
	// ErrUsernameTaken is returned by Signup for a registered username
	ErrUsernameTaken = errors.New("username already taken")
	// ErrInvalidCredentials is returned by Signin on any mismatch
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when the principal has no user record
	ErrUserNotFound = errors.New("user not found")
)

// UserStore persists user records
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id string) error
	SearchUsers(ctx context.Context, filter string, limit int) ([]models.User, error)
}

// SeedPolicy decides the opening balance of a new account
type SeedPolicy func() decimal.Decimal

// ZeroSeed opens every account empty
func ZeroSeed() decimal.Decimal {
	return decimal.Zero
}

// RandomSeed opens accounts with a whole amount in [1, limit]
func RandomSeed(limit int64) SeedPolicy {
	return func() decimal.Decimal {
		return decimal.NewFromInt(1 + rand.Int63n(limit))
	}
}

// SignupInput is the data required to register a user
type SignupInput struct {
	Username  string `json:"username" validate:"required,min=3,max=30"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,strongpassword"`
	FirstName string `json:"firstName" validate:"required,max=50"`
	LastName  string `json:"lastName" validate:"required,max=50"`
}

// UpdateInput carries the optional profile fields a user may change
type UpdateInput struct {
	Password  *string `json:"password" validate:"omitempty,strongpassword"`
	FirstName *string `json:"firstName" validate:"omitempty,max=50"`
	LastName  *string `json:"lastName" validate:"omitempty,max=50"`
}

// Service handles business logic
type Service struct {
	users    UserStore
	ledger   *ledger.Engine
	tokens   *auth.Tokens
	notifier notify.Notifier
	seed     SeedPolicy
	log      *logrus.Logger
	validate *validator.Validate
}

// NewService initializes a new service. notifier may be nil.
func NewService(users UserStore, engine *ledger.Engine, tokens *auth.Tokens, notifier notify.Notifier, seed SeedPolicy, log *logrus.Logger) *Service {
	if seed == nil {
		seed = ZeroSeed
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("strongpassword", strongPassword)
	return &Service{
		users:    users,
		ledger:   engine,
		tokens:   tokens,
		notifier: notifier,
		seed:     seed,
		log:      log,
		validate: v,
	}
}

// Signup registers a user, opens their account and returns a token
func (s *Service) Signup(ctx context.Context, in SignupInput) (*models.User, string, error) {
	in.Username = strings.ToLower(strings.TrimSpace(in.Username))
	in.Email = strings.TrimSpace(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := s.validate.Struct(in); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if _, err := s.users.FindUserByUsername(ctx, in.Username); err == nil {
		return nil, "", ErrUsernameTaken
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, "", err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, "", err
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, "", ErrUsernameTaken
		}
		return nil, "", err
	}

	if err := s.ledger.ProvisionAccount(ctx, user.ID, s.seed()); err != nil {
		if derr := s.users.DeleteUser(context.WithoutCancel(ctx), user.ID); derr != nil {
			s.log.WithError(derr).WithField("user_id", user.ID).Error("Failed to remove user after provisioning failure")
		}
		return nil, "", fmt.Errorf("failed to provision account: %w", err)
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.Infof("User registered: %s", user.Username)
	return user, token, nil
}

// Signin authenticates by username or email and returns a token
func (s *Service) Signin(ctx context.Context, login, password string) (string, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	var (
		user *models.User
		err  error
	)
	if strings.Contains(login, "@") {
		user, err = s.users.FindUserByEmail(ctx, login)
	} else {
		user, err = s.users.FindUserByUsername(ctx, strings.ToLower(login))
	}
	if errors.Is(err, repository.ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if !auth.CheckPassword(user.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return "", err
	}
	s.log.Infof("User logged in: %s", user.Username)
	return token, nil
}

// UpdateProfile changes password and/or names of userID
func (s *Service) UpdateProfile(ctx context.Context, userID string, in UpdateInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	user, err := s.users.FindUserByID(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}

	if in.Password != nil {
		if user.PasswordHash, err = auth.HashPassword(*in.Password); err != nil {
			return err
		}
	}
	if in.FirstName != nil {
		user.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil {
		user.LastName = strings.TrimSpace(*in.LastName)
	}
	if err := s.users.UpdateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

// Search lists users whose first or last name contains filter
func (s *Service) Search(ctx context.Context, filter string) ([]models.PublicUser, error) {
	users, err := s.users.SearchUsers(ctx, filter, searchLimit)
	if err != nil {
		return nil, err
	}
	out := make([]models.PublicUser, 0, len(users))
	for i := range users {
		out = append(out, users[i].Public())
	}
	return out, nil
}

// Balance returns the balance of the principal's account
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.ledger.GetBalance(ctx, userID)
}

// Transfer moves amount from the principal's account to the account of to
func (s *Service) Transfer(ctx context.Context, userID, to string, amount decimal.Decimal) (*models.TransferIntent, error) {
	intent, err := s.ledger.Transfer(ctx, userID, to, amount)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		go s.notifyTransfer(*intent)
	}
	return intent, nil
}

func (s *Service) notifyTransfer(intent models.TransferIntent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.notifier.TransferCompleted(intent, s.party(ctx, intent.From), s.party(ctx, intent.To))
}

func (s *Service) party(ctx context.Context, userID string) notify.Party {
	user, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("Cannot resolve transfer party for notification")
		return notify.Party{Username: userID}
	}
	return notify.Party{Email: user.Email, Username: user.Username}
}

// strongPassword requires at least eight characters with an upper case
// letter, a lower case letter and a digit.
func strongPassword(fl validator.FieldLevel) bool {
	pw := fl.Field().String()
	if len(pw) < 8 {
		return false
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit
}
