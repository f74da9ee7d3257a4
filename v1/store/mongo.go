package store

import (
	"context"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mopts "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mirkobrombin/go-marquee/v1/cache"
	"github.com/mirkobrombin/go-marquee/v1/lock"
)

const (
	recordsCollection  = "catalog_records"
	activityCollection = "activity"
	locksCollection    = "locks"
)

type mongoBackend struct {
	client   *mongo.Client
	records  *mongo.Collection
	activity *mongo.Collection
	locks    *mongo.Collection
}

func openMongo(ctx context.Context, conn string, o options) (backend, error) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	client, err := mongo.Connect(cctx, mopts.Client().ApplyURI(conn))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(cctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := client.Database(o.database)
	m := &mongoBackend{
		client:   client,
		records:  db.Collection(recordsCollection),
		activity: db.Collection(activityCollection),
		locks:    db.Collection(locksCollection),
	}
	if err := m.ensureIndexes(ctx, o); err != nil {
		o.logger.Warn("store: mongo index creation failed", "error", err)
	}
	return m, nil
}

func (m *mongoBackend) ensureIndexes(ctx context.Context, o options) error {
	cctx, cancel := context.WithTimeout(ctx, o.bulkTimeout)
	defer cancel()
	_, err := m.records.Indexes().CreateMany(cctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "title", Value: "text"}, {Key: "normalized_title", Value: "text"}},
			Options: mopts.Index().SetName("title_text"),
		},
		{
			Keys:    bson.D{{Key: "file_name", Value: 1}, {Key: "file_size", Value: 1}},
			Options: mopts.Index().SetName("dedupe"),
		},
	})
	if err != nil {
		return err
	}
	if _, err := m.activity.Indexes().CreateOne(cctx, mongo.IndexModel{
		Keys: bson.D{{Key: "last_seen", Value: 1}},
	}); err != nil {
		return err
	}
	return lock.EnsureMongoIndexes(cctx, m.locks)
}

// upsertFilter matches the record only when its content differs, so an
// identical resync matches nothing and the upsert collides on _id.
func upsertFilter(rec Record) bson.M {
	return bson.M{"_id": rec.UniqueID, "content_hash": bson.M{"$ne": rec.ContentHash}}
}

func upsertUpdate(rec Record) bson.M {
	return bson.M{
		"$set": bson.M{
			"title":            rec.Title,
			"normalized_title": rec.NormalizedTitle,
			"year":             rec.Year,
			"file_name":        rec.FileName,
			"file_size":        rec.FileSize,
			"mime_type":        rec.MimeType,
			"caption":          rec.Caption,
			"chat_id":          rec.ChatID,
			"message_id":       rec.MessageID,
			"content_hash":     rec.ContentHash,
			"updated_at":       rec.UpdatedAt,
		},
		"$setOnInsert": bson.M{"added_at": rec.AddedAt},
	}
}

// textFilter is the primary search; regexFilter is used when the text
// index yields nothing.
func textFilter(text string) bson.M {
	return bson.M{"$text": bson.M{"$search": text}}
}

func regexFilter(text string) bson.M {
	return bson.M{"normalized_title": primitive.Regex{Pattern: regexp.QuoteMeta(Normalize(text)), Options: "i"}}
}

func (m *mongoBackend) upsert(ctx context.Context, rec Record) (bool, error) {
	res, err := m.records.UpdateOne(ctx, upsertFilter(rec), upsertUpdate(rec), mopts.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.UpsertedCount == 1 || res.ModifiedCount == 1, nil
}

func (m *mongoBackend) count(ctx context.Context) (int64, error) {
	return m.records.CountDocuments(ctx, bson.M{})
}

func (m *mongoBackend) search(ctx context.Context, text string, limit int) ([]Record, error) {
	score := bson.M{"score": bson.M{"$meta": "textScore"}}
	recs, err := m.find(ctx, textFilter(text),
		mopts.Find().SetProjection(score).SetSort(score).SetLimit(int64(limit)))
	if err != nil || len(recs) > 0 {
		return recs, err
	}
	return m.find(ctx, regexFilter(text),
		mopts.Find().SetSort(bson.D{{Key: "added_at", Value: -1}}).SetLimit(int64(limit)))
}

func (m *mongoBackend) find(ctx context.Context, filter any, opts *mopts.FindOptions) ([]Record, error) {
	cur, err := m.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var recs []Record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (m *mongoBackend) remove(ctx context.Context, id string) (bool, error) {
	res, err := m.records.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (m *mongoBackend) removeMany(ctx context.Context, ids []string) (int64, error) {
	res, err := m.records.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *mongoBackend) scanDedupe(ctx context.Context) ([]Record, error) {
	return m.find(ctx, bson.M{"file_name": bson.M{"$nin": bson.A{nil, ""}}},
		mopts.Find().SetProjection(bson.M{"_id": 1, "file_name": 1, "file_size": 1, "added_at": 1}))
}

func (m *mongoBackend) index(ctx context.Context) ([]cache.IndexEntry, error) {
	recs, err := m.find(ctx, bson.M{},
		mopts.Find().
			SetProjection(bson.M{"_id": 1, "title": 1, "normalized_title": 1, "year": 1}).
			SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	entries := make([]cache.IndexEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, r.IndexEntry())
	}
	return entries, nil
}

func (m *mongoBackend) touch(ctx context.Context, subjectID string, at time.Time) error {
	_, err := m.activity.UpdateOne(ctx,
		bson.M{"_id": subjectID},
		bson.M{"$set": bson.M{"last_seen": at}},
		mopts.Update().SetUpsert(true))
	return err
}

func (m *mongoBackend) countSince(ctx context.Context, since time.Time) (int64, error) {
	return m.activity.CountDocuments(ctx, bson.M{"last_seen": bson.M{"$gte": since}})
}

func (m *mongoBackend) ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *mongoBackend) locker(opts ...lock.Option) lock.Locker {
	return lock.NewMongo(m.locks, opts...)
}

func (m *mongoBackend) close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
