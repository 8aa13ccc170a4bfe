package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Dan9191/ledger-service/internal/ledger"
	"github.com/Dan9191/ledger-service/internal/models"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	labelTransientTransaction = "TransientTransactionError"
	labelUnknownCommitResult  = "UnknownTransactionCommitResult"

	maxCommitAttempts = 3
)

// Mongo stores accounts and users in MongoDB. Multi-document transactions
// require a replica set.
type Mongo struct {
	client   *mongo.Client
	accounts *mongo.Collection
	users    *mongo.Collection
}

type accountDoc struct {
	ID        string               `bson:"_id"`
	Balance   primitive.Decimal128 `bson:"balance"`
	CreatedAt time.Time            `bson:"created_at"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

// NewMongo connects to uri and prepares the collections of database
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:   client,
		accounts: db.Collection("accounts"),
		users:    db.Collection("users"),
	}
	_, err = m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create user index: %w", err)
	}
	return m, nil
}

// Close disconnects the client
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Get returns the balance of an account
func (m *Mongo) Get(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var doc accountDoc
	err := m.accounts.FindOne(ctx, bson.M{"_id": accountID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return decimal.Zero, notFound(accountID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get account: %w", translateMongo(err))
	}
	return fromDecimal128(doc.Balance)
}

// Create opens a new account
func (m *Mongo) Create(ctx context.Context, accountID string, initial decimal.Decimal) error {
	if err := validateInitial(initial); err != nil {
		return err
	}
	balance, err := toDecimal128(initial)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = m.accounts.InsertOne(ctx, accountDoc{ID: accountID, Balance: balance, CreatedAt: now, UpdatedAt: now})
	if mongo.IsDuplicateKeyError(err) {
		return ledger.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", translateMongo(err))
	}
	return nil
}

// AtomicAdjust applies all adjustments inside one multi-document transaction.
// Debits carry a balance guard in their filter so the document is matched only
// when it can cover the amount.
func (m *Mongo) AtomicAdjust(ctx context.Context, adjustments []ledger.Adjustment) error {
	deltas, ids, err := mergeAdjustments(adjustments)
	if err != nil {
		return err
	}

	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", translateMongo(err))
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(txnOpts); err != nil {
			return fmt.Errorf("failed to start transaction: %w", translateMongo(err))
		}
		if err := m.applyDeltas(sc, ids, deltas); err != nil {
			_ = sess.AbortTransaction(context.WithoutCancel(sc))
			return err
		}
		if err := commitWithRetry(sc, sess.CommitTransaction); err != nil {
			return fmt.Errorf("failed to commit adjustment: %w", err)
		}
		return nil
	})
}

// commitWithRetry re-issues only the commit while its outcome is unknown. An
// outcome that stays unknown is reported as ErrCommitUnknown, never ErrConflict.
func commitWithRetry(ctx context.Context, commit func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		err = commit(ctx)
		if err == nil {
			return nil
		}
		if !hasLabel(err, labelUnknownCommitResult) && !mongo.IsTimeout(err) {
			return translateMongo(err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %v", ErrCommitUnknown, err)
}

func (m *Mongo) applyDeltas(sc mongo.SessionContext, ids []string, deltas map[string]decimal.Decimal) error {
	for _, id := range ids {
		delta := deltas[id]
		inc, err := toDecimal128(delta)
		if err != nil {
			return err
		}
		filter := bson.M{"_id": id}
		if delta.IsNegative() {
			floor, err := toDecimal128(delta.Neg())
			if err != nil {
				return err
			}
			filter["balance"] = bson.M{"$gte": floor}
		}
		res, err := m.accounts.UpdateOne(sc, filter, bson.M{
			"$inc":         bson.M{"balance": inc},
			"$currentDate": bson.M{"updated_at": true},
		})
		if err != nil {
			return fmt.Errorf("failed to adjust account %s: %w", id, translateMongo(err))
		}
		if res.MatchedCount == 0 {
			current, err := m.Get(sc, id)
			if err != nil {
				return err
			}
			return insufficient(id, current, delta)
		}
	}
	return nil
}

// Total sums every balance with a snapshot read
func (m *Mongo) Total(ctx context.Context) (decimal.Decimal, error) {
	coll, err := m.accounts.Clone(options.Collection().SetReadConcern(readconcern.Snapshot()))
	if err != nil {
		return decimal.Zero, err
	}
	cur, err := coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$balance"}}}},
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to total balances: %w", translateMongo(err))
	}
	defer cur.Close(ctx)

	var out []struct {
		Total primitive.Decimal128 `bson:"total"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return decimal.Zero, fmt.Errorf("failed to total balances: %w", translateMongo(err))
	}
	if len(out) == 0 {
		return decimal.Zero, nil
	}
	return fromDecimal128(out[0].Total)
}

// CreateUser stores a new user; usernames are unique
func (m *Mongo) CreateUser(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	_, err := m.users.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// FindUserByID retrieves a user by id
func (m *Mongo) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return m.findUser(ctx, bson.M{"_id": id})
}

// FindUserByUsername retrieves a user by username
func (m *Mongo) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.findUser(ctx, bson.M{"username": username})
}

// FindUserByEmail retrieves a user by email
func (m *Mongo) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	pattern := "^" + regexp.QuoteMeta(email) + "$"
	return m.findUser(ctx, bson.M{"email": primitive.Regex{Pattern: pattern, Options: "i"}})
}

// UpdateUser overwrites the mutable profile fields
func (m *Mongo) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := m.users.UpdateByID(ctx, user.ID, bson.M{"$set": bson.M{
		"password_hash": user.PasswordHash,
		"first_name":    user.FirstName,
		"last_name":     user.LastName,
		"updated_at":    user.UpdatedAt,
	}})
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeleteUser removes a user
func (m *Mongo) DeleteUser(ctx context.Context, id string) error {
	res, err := m.users.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SearchUsers returns users whose first or last name contains filter
func (m *Mongo) SearchUsers(ctx context.Context, filter string, limit int) ([]models.User, error) {
	re := primitive.Regex{Pattern: regexp.QuoteMeta(filter), Options: "i"}
	opts := options.Find().SetSort(bson.D{{Key: "username", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.users.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"first_name": re},
		bson.M{"last_name": re},
	}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	var users []models.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	return users, nil
}

func (m *Mongo) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	var user models.User
	err := m.users.FindOne(ctx, filter).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

// translateMongo maps failures of a transaction that did not commit onto
// ErrConflict. An unknown commit result may have been applied and is never a
// conflict.
func translateMongo(err error) error {
	switch {
	case hasLabel(err, labelUnknownCommitResult):
		return fmt.Errorf("%w: %v", ErrCommitUnknown, err)
	case hasLabel(err, labelTransientTransaction), mongo.IsTimeout(err):
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}

func hasLabel(err error, label string) bool {
	var labeled mongo.LabeledError
	return errors.As(err, &labeled) && labeled.HasErrorLabel(label)
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.StringFixed(ledger.Scale))
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("failed to encode amount %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode amount %s: %w", v, err)
	}
	return d, nil
}
