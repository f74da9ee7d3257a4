package lock

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopts "go.mongodb.org/mongo-driver/mongo/options"
)

// fakeCollection understands exactly the filters the Mongo locker issues.
type fakeCollection struct {
	mu   sync.Mutex
	docs map[string]mongoLock
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]mongoLock)}
}

func (f *fakeCollection) InsertOne(ctx context.Context, document interface{}, _ ...*mopts.InsertOneOptions) (*mongo.InsertOneResult, error) {
	doc := document.(mongoLock)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[doc.Name]; ok {
		return nil, mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}}}
	}
	f.docs[doc.Name] = doc
	return &mongo.InsertOneResult{InsertedID: doc.Name}, nil
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, _ ...*mopts.UpdateOptions) (*mongo.UpdateResult, error) {
	fm := filter.(bson.M)
	name := fm["_id"].(string)
	before := fm["expires_at"].(bson.M)["$lt"].(time.Time)
	set := update.(bson.M)["$set"].(bson.M)

	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[name]
	if !ok || !doc.ExpiresAt.Before(before) {
		return &mongo.UpdateResult{}, nil
	}
	doc.Owner = set["owner"].(string)
	doc.AcquiredAt = set["acquired_at"].(time.Time)
	doc.ExpiresAt = set["expires_at"].(time.Time)
	f.docs[name] = doc
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeCollection) DeleteOne(ctx context.Context, filter interface{}, _ ...*mopts.DeleteOptions) (*mongo.DeleteResult, error) {
	name := filter.(bson.M)["_id"].(string)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[name]; !ok {
		return &mongo.DeleteResult{}, nil
	}
	delete(f.docs, name)
	return &mongo.DeleteResult{DeletedCount: 1}, nil
}

func (f *fakeCollection) CountDocuments(ctx context.Context, filter interface{}, _ ...*mopts.CountOptions) (int64, error) {
	fm := filter.(bson.M)
	name := fm["_id"].(string)
	after := fm["expires_at"].(bson.M)["$gt"].(time.Time)
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[name]; ok && doc.ExpiresAt.After(after) {
		return 1, nil
	}
	return 0, nil
}
