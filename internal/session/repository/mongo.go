package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sinhamajestic/3device-app/internal/session/domain"
)

const (
	sessionCollection  = "active_sessions"
	userLockCollection = "session_user_locks"
)

type mongoSession struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	DeviceID  string    `bson:"device_id"`
	CreatedAt time.Time `bson:"created_at"`
	LastSeen  time.Time `bson:"last_seen"`
}

func (m *mongoSession) toDomain() *domain.Session {
	return &domain.Session{
		ID:        m.ID,
		UserID:    m.UserID,
		DeviceID:  m.DeviceID,
		CreatedAt: m.CreatedAt.UTC(),
		LastSeen:  m.LastSeen.UTC(),
	}
}

// MongoRepository stores sessions in MongoDB. It needs a replica set (or sharded cluster)
// because every unit of work is a multi-document transaction. Per-user exclusion is a write to
// the user's document in session_user_locks: two units of work for the same user write-conflict
// and the driver retries the loser once the winner commits.
type MongoRepository struct {
	client      *mongo.Client
	sessions    *mongo.Collection
	userLocks   *mongo.Collection
	lockTimeout time.Duration
}

// NewMongoRepository ensures indexes exist and returns the repository.
func NewMongoRepository(ctx context.Context, db *mongo.Database, lockTimeout time.Duration) (*MongoRepository, error) {
	sessions := db.Collection(sessionCollection)
	_, err := sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "device_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("ux_active_sessions_device_id"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("ix_active_sessions_user_id_created_at"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure session indexes: %w", err)
	}
	return &MongoRepository{
		client:      db.Client(),
		sessions:    sessions,
		userLocks:   db.Collection(userLockCollection),
		lockTimeout: lockTimeout,
	}, nil
}

// Ping checks connectivity.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// WithinTx runs fn inside a transaction without per-user exclusion.
func (r *MongoRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.run(ctx, "", fn)
}

// WithinUserTx runs fn inside a transaction that first writes the user's lock document.
func (r *MongoRepository) WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if r.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.lockTimeout)
		defer cancel()
	}
	return r.run(ctx, userID, fn)
}

func (r *MongoRepository) run(ctx context.Context, lockUserID string, fn func(tx Tx) error) error {
	sess, err := r.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		if lockUserID != "" {
			_, err := r.userLocks.UpdateOne(txCtx,
				bson.M{"_id": lockUserID},
				bson.M{"$inc": bson.M{"version": 1}},
				options.UpdateOne().SetUpsert(true),
			)
			if err != nil {
				return nil, fmt.Errorf("lock user sessions: %w", err)
			}
		}
		return nil, fn(&mongoTx{sessions: r.sessions, txCtx: txCtx})
	})
	return err
}

// mongoTx carries the transaction context; operations ignore the caller's ctx for session
// binding but still honour its cancellation.
type mongoTx struct {
	sessions *mongo.Collection
	txCtx    context.Context
}

func (t *mongoTx) bind(ctx context.Context) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.txCtx, nil
}

func (t *mongoTx) FindByDevice(ctx context.Context, deviceID string) (*domain.Session, error) {
	txCtx, err := t.bind(ctx)
	if err != nil {
		return nil, err
	}
	var doc mongoSession
	if err := t.sessions.FindOne(txCtx, bson.M{"device_id": deviceID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.toDomain(), nil
}

func (t *mongoTx) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	txCtx, err := t.bind(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := t.sessions.Find(txCtx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoSession
	if err := cur.All(txCtx, &docs); err != nil {
		return nil, err
	}
	out := make([]*domain.Session, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toDomain())
	}
	sortByCreated(out)
	return out, nil
}

func (t *mongoTx) Create(ctx context.Context, userID, deviceID string, now time.Time) (*domain.Session, error) {
	txCtx, err := t.bind(ctx)
	if err != nil {
		return nil, err
	}
	// BSON dates carry millisecond precision.
	now = now.UTC().Truncate(time.Millisecond)
	doc := mongoSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		DeviceID:  deviceID,
		CreatedAt: now,
		LastSeen:  now,
	}
	if _, err := t.sessions.InsertOne(txCtx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return doc.toDomain(), nil
}

func (t *mongoTx) DeleteByDevice(ctx context.Context, deviceID string) (bool, error) {
	txCtx, err := t.bind(ctx)
	if err != nil {
		return false, err
	}
	res, err := t.sessions.DeleteOne(txCtx, bson.M{"device_id": deviceID})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (t *mongoTx) Touch(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	txCtx, err := t.bind(ctx)
	if err != nil {
		return false, err
	}
	res, err := t.sessions.UpdateOne(txCtx,
		bson.M{"device_id": deviceID},
		bson.M{"$set": bson.M{"last_seen": now.UTC().Truncate(time.Millisecond)}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}
