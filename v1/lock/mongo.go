package lock

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopts "go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the subset of *mongo.Collection used by the Mongo locker.
type Collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*mopts.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*mopts.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*mopts.DeleteOptions) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*mopts.CountOptions) (int64, error)
}

type mongoLock struct {
	Name       string    `bson:"_id"`
	Owner      string    `bson:"owner"`
	AcquiredAt time.Time `bson:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at"`
}

// Mongo implements Locker on a document collection keyed by _id = name.
type Mongo struct {
	coll Collection
	opts options
}

// NewMongo returns a locker over coll.
func NewMongo(coll Collection, opts ...Option) *Mongo {
	return &Mongo{coll: coll, opts: buildOptions(opts)}
}

// EnsureMongoIndexes adds a TTL index so the server reaps expired records in
// the background. Uniqueness comes from _id.
func EnsureMongoIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: mopts.Index().SetExpireAfterSeconds(0).SetName("expires_at_ttl"),
	})
	return err
}

// Acquire implements Locker.Acquire.
func (m *Mongo) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	cctx, cancel := context.WithTimeout(ctx, m.opts.timeout)
	defer cancel()

	now := m.opts.clock()
	expires := now.Add(ttl)
	_, err := m.coll.InsertOne(cctx, mongoLock{Name: name, Owner: m.opts.owner, AcquiredAt: now, ExpiresAt: expires})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, m.opts.degrade("lock.acquire", name, err)
	}

	res, err := m.coll.UpdateOne(cctx,
		bson.M{"_id": name, "expires_at": bson.M{"$lt": now}},
		bson.M{"$set": bson.M{"owner": m.opts.owner, "acquired_at": now, "expires_at": expires}},
	)
	if err != nil {
		return false, m.opts.degrade("lock.acquire", name, err)
	}
	return res.ModifiedCount == 1, nil
}

// Release implements Locker.Release.
func (m *Mongo) Release(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.timeout)
	defer cancel()
	res, err := m.coll.DeleteOne(cctx, bson.M{"_id": name})
	if err != nil {
		return false, m.opts.degrade("lock.release", name, err)
	}
	return res.DeletedCount == 1, nil
}

// Exists implements Locker.Exists.
func (m *Mongo) Exists(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.timeout)
	defer cancel()
	n, err := m.coll.CountDocuments(cctx, bson.M{"_id": name, "expires_at": bson.M{"$gt": m.opts.clock()}})
	if err != nil {
		return false, m.opts.degrade("lock.exists", name, err)
	}
	return n > 0, nil
}
