package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dan9191/ledger-service/internal/auth"
	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/models"
	"github.com/Dan9191/ledger-service/internal/notify"
	"github.com/Dan9191/ledger-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu        sync.Mutex
	transfers []models.TransferIntent
	parties   [][2]notify.Party
}

func (r *recordingNotifier) TransferCompleted(t models.TransferIntent, sender, recipient notify.Party) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, t)
	r.parties = append(r.parties, [2]notify.Party{sender, recipient})
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

type fixture struct {
	svc    *Service
	store  *repository.Memory
	tokens *auth.Tokens
}

func newFixture(t *testing.T, seed SeedPolicy, notifier notify.Notifier) fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	store := repository.NewMemory()
	engine := ledger.NewEngine(store, log, ledger.WithRetry(3, time.Millisecond))
	tokens := auth.NewTokens("secret", time.Hour)
	return fixture{
		svc:    NewService(store, engine, tokens, notifier, seed, log),
		store:  store,
		tokens: tokens,
	}
}

func signupInput(username string) SignupInput {
	return SignupInput{
		Username:  username,
		Email:     strings.ToLower(strings.TrimSpace(username)) + "@example.com",
		Password:  "Secret123",
		FirstName: "First",
		LastName:  "Last",
	}
}

func fixedSeed(amount string) SeedPolicy {
	return func() decimal.Decimal { return decimal.RequireFromString(amount) }
}

func TestSignupProvisionsAccountAndIssuesToken(t *testing.T) {
	f := newFixture(t, fixedSeed("100"), nil)
	ctx := context.Background()

	user, token, err := f.svc.Signup(ctx, signupInput("  Alice "))
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	sub, err := f.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, sub)

	bal, err := f.svc.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)))
}

func TestSignupDefaultsToZeroSeed(t *testing.T) {
	f := newFixture(t, nil, nil)
	user, _, err := f.svc.Signup(context.Background(), signupInput("zero"))
	require.NoError(t, err)

	bal, err := f.svc.Balance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestSignupRemovesUserWhenProvisioningFails(t *testing.T) {
	f := newFixture(t, fixedSeed("-1"), nil)
	ctx := context.Background()

	_, _, err := f.svc.Signup(ctx, signupInput("henry"))
	require.ErrorIs(t, err, ledger.ErrInvalidRequest)

	_, err = f.store.FindUserByUsername(ctx, "henry")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
	_, err = f.svc.Signin(ctx, "henry", "Secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignupRejectsDuplicatesAndBadInput(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, _, err := f.svc.Signup(ctx, signupInput("alice"))
	require.NoError(t, err)
	_, _, err = f.svc.Signup(ctx, signupInput("ALICE"))
	assert.ErrorIs(t, err, ErrUsernameTaken)

	weak := signupInput("bob")
	weak.Password = "alllowercase1"
	_, _, err = f.svc.Signup(ctx, weak)
	assert.ErrorIs(t, err, ErrInvalidInput)

	badEmail := signupInput("carol")
	badEmail.Email = "not-an-email"
	_, _, err = f.svc.Signup(ctx, badEmail)
	assert.ErrorIs(t, err, ErrInvalidInput)

	short := signupInput("al")
	_, _, err = f.svc.Signup(ctx, short)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSigninByUsernameOrEmail(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	user, _, err := f.svc.Signup(ctx, signupInput("dave"))
	require.NoError(t, err)

	for _, login := range []string{"dave", "DAVE", "dave@example.com"} {
		token, err := f.svc.Signin(ctx, login, "Secret123")
		require.NoError(t, err, login)
		sub, err := f.tokens.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, sub)
	}

	_, err = f.svc.Signin(ctx, "dave", "Wrong1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.svc.Signin(ctx, "nobody", "Secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	user, _, err := f.svc.Signup(ctx, signupInput("erin"))
	require.NoError(t, err)

	name := "Erin"
	pw := "NewSecret9"
	require.NoError(t, f.svc.UpdateProfile(ctx, user.ID, UpdateInput{FirstName: &name, Password: &pw}))

	_, err = f.svc.Signin(ctx, "erin", pw)
	require.NoError(t, err)
	got, err := f.store.FindUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Erin", got.FirstName)
	assert.Equal(t, "Last", got.LastName)

	weak := "short"
	assert.ErrorIs(t, f.svc.UpdateProfile(ctx, user.ID, UpdateInput{Password: &weak}), ErrInvalidInput)
	assert.ErrorIs(t, f.svc.UpdateProfile(ctx, "ghost", UpdateInput{FirstName: &name}), ErrUserNotFound)
}

func TestSearchReturnsPublicFields(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	in := signupInput("frank")
	in.FirstName = "Franklin"
	_, _, err := f.svc.Signup(ctx, in)
	require.NoError(t, err)
	_, _, err = f.svc.Signup(ctx, signupInput("grace"))
	require.NoError(t, err)

	found, err := f.svc.Search(ctx, "frank")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "frank", found[0].Username)
}

func TestTransferNotifiesBothParties(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, fixedSeed("50"), notifier)
	ctx := context.Background()
	alice, _, err := f.svc.Signup(ctx, signupInput("alice"))
	require.NoError(t, err)
	bob, _, err := f.svc.Signup(ctx, signupInput("bob"))
	require.NoError(t, err)

	intent, err := f.svc.Transfer(ctx, alice.ID, bob.ID, decimal.RequireFromString("20"))
	require.NoError(t, err)
	assert.Equal(t, bob.ID, intent.To)

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, "alice@example.com", notifier.parties[0][0].Email)
	assert.Equal(t, "bob", notifier.parties[0][1].Username)

	bal, err := f.svc.Balance(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(30)))
}

func TestTransferFailureSkipsNotification(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, fixedSeed("5"), notifier)
	ctx := context.Background()
	alice, _, err := f.svc.Signup(ctx, signupInput("alice"))
	require.NoError(t, err)
	bob, _, err := f.svc.Signup(ctx, signupInput("bob"))
	require.NoError(t, err)

	_, err = f.svc.Transfer(ctx, alice.ID, bob.ID, decimal.RequireFromString("6"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, notifier.count())
}

func TestRandomSeedStaysInRange(t *testing.T) {
	seed := RandomSeed(3)
	for i := 0; i < 100; i++ {
		v := seed()
		assert.True(t, v.GreaterThanOrEqual(decimal.NewFromInt(1)) && v.LessThanOrEqual(decimal.NewFromInt(3)), "seed %s", v)
	}
}
