package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// concurrentUpdateRetries bounds how often optimistic sliding window
// updates are retried before ErrConcurrentUpdate propagates to the caller.
const concurrentUpdateRetries = 3

// Mongo is a storage backend for MongoDB. It implements every capability.
//
// Counters live in the "counters" collection and are incremented with a
// single conditional FindOneAndUpdate pipeline, which makes the
// read-check-write cycle atomic at the document level. Moving window logs
// live in "windows" and are acquired with one conditional $push. Both
// collections carry a TTL index on expireAt, so idle state is reaped server
// side. Sliding window counters use optimistic compare-and-increment;
// conflicts surface as ErrConcurrentUpdate after a bounded retry.
type Mongo struct {
	client     *mongo.Client
	counters   *mongo.Collection
	windows    *mongo.Collection
	wrapErrors bool
	database   string
}

type MongoOption func(*Mongo)

// WithMongoDatabase overrides the database name (default "limits").
func WithMongoDatabase(name string) MongoOption {
	return func(m *Mongo) { m.database = name }
}

// WithMongoWrapErrors makes the backend wrap driver errors in StorageError.
func WithMongoWrapErrors() MongoOption {
	return func(m *Mongo) { m.wrapErrors = true }
}

// NewMongo connects to the given MongoDB uri and prepares the TTL indexes.
func NewMongo(ctx context.Context, uri string, opts ...MongoOption) (*Mongo, error) {
	m := &Mongo{database: "limits"}
	for _, opt := range opts {
		opt(m)
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(time.Second).
		SetConnectTimeout(time.Second))
	if err != nil {
		return nil, wrapError(err, m.wrapErrors)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, wrapError(err, m.wrapErrors)
	}

	m.client = client
	db := client.Database(m.database)
	m.counters = db.Collection("counters")
	m.windows = db.Collection("windows")

	ttl := mongo.IndexModel{
		Keys:    bson.D{{Key: "expireAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	for _, coll := range []*mongo.Collection{m.counters, m.windows} {
		if _, err := coll.Indexes().CreateOne(ctx, ttl); err != nil {
			return nil, wrapError(err, m.wrapErrors)
		}
	}
	return m, nil
}

// Disconnect releases the underlying client.
func (m *Mongo) Disconnect(ctx context.Context) error {
	return wrapError(m.client.Disconnect(ctx), m.wrapErrors)
}

func (m *Mongo) Incr(ctx context.Context, key string, expiry time.Duration, elastic bool, amount int64) (int64, error) {
	expireAt := time.Now().Add(expiry)

	expired := bson.D{{Key: "$lt", Value: bson.A{"$expireAt", "$$NOW"}}}
	var keepExpiry any = "$expireAt"
	if elastic {
		keepExpiry = expireAt
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "count", Value: bson.D{{Key: "$cond", Value: bson.D{
				{Key: "if", Value: expired},
				{Key: "then", Value: amount},
				{Key: "else", Value: bson.D{{Key: "$add", Value: bson.A{"$count", amount}}}},
			}}}},
			{Key: "expireAt", Value: bson.D{{Key: "$cond", Value: bson.D{
				{Key: "if", Value: expired},
				{Key: "then", Value: expireAt},
				{Key: "else", Value: keepExpiry},
			}}}},
		}}},
	}

	var doc struct {
		Count int64 `bson:"count"`
	}
	err := m.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		pipeline,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After).
			SetProjection(bson.M{"count": 1}),
	).Decode(&doc)
	if err != nil {
		return 0, wrapError(err, m.wrapErrors)
	}
	return doc.Count, nil
}

func (m *Mongo) Get(ctx context.Context, key string) (int64, error) {
	var doc struct {
		Count int64 `bson:"count"`
	}
	err := m.counters.FindOne(ctx,
		bson.M{"_id": key, "expireAt": bson.M{"$gte": time.Now()}},
		options.FindOne().SetProjection(bson.M{"count": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapError(err, m.wrapErrors)
	}
	return doc.Count, nil
}

func (m *Mongo) Expiry(ctx context.Context, key string) (time.Time, error) {
	var doc struct {
		ExpireAt time.Time `bson:"expireAt"`
	}
	err := m.counters.FindOne(ctx,
		bson.M{"_id": key},
		options.FindOne().SetProjection(bson.M{"expireAt": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Now(), nil
	}
	if err != nil {
		return time.Time{}, wrapError(err, m.wrapErrors)
	}
	return doc.ExpireAt, nil
}

func (m *Mongo) Clear(ctx context.Context, key string) error {
	if _, err := m.counters.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return wrapError(err, m.wrapErrors)
	}
	if _, err := m.windows.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return wrapError(err, m.wrapErrors)
	}
	return nil
}

func (m *Mongo) Check(ctx context.Context) bool {
	return m.client.Ping(ctx, readpref.Primary()) == nil
}

func (m *Mongo) Reset(ctx context.Context) error {
	if _, err := m.counters.DeleteMany(ctx, bson.D{}); err != nil {
		return wrapError(err, m.wrapErrors)
	}
	if _, err := m.windows.DeleteMany(ctx, bson.D{}); err != nil {
		return wrapError(err, m.wrapErrors)
	}
	return nil
}

func (m *Mongo) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}

	now := time.Now()
	ts := float64(now.UnixNano()) / float64(time.Second)

	entries := make(bson.A, amount)
	for i := range entries {
		entries[i] = ts
	}

	// the filter probes the entry that would be pushed out of the log:
	// the update only matches (or upserts) when that slot is free or
	// stale, so probe and push execute as one document-level operation
	filter := bson.M{
		"_id": key,
		fmt.Sprintf("entries.%d", limit-amount): bson.M{
			"$not": bson.M{"$gte": ts - expiry.Seconds()},
		},
	}
	update := bson.M{
		"$push": bson.M{"entries": bson.M{
			"$each":     entries,
			"$position": 0,
			"$slice":    limit,
		}},
		"$set": bson.M{"expireAt": now.Add(expiry)},
	}
	_, err := m.windows.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// the upsert lost to an existing full window
		return false, nil
	}
	if err != nil {
		return false, wrapError(err, m.wrapErrors)
	}
	return true, nil
}

func (m *Mongo) MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error) {
	now := time.Now()
	start := float64(now.UnixNano())/float64(time.Second) - expiry.Seconds()

	cursor, err := m.windows.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": key}}},
		{{Key: "$project", Value: bson.M{
			"entries": bson.M{"$filter": bson.M{
				"input": "$entries",
				"as":    "entry",
				"cond":  bson.M{"$gte": bson.A{"$$entry", start}},
			}},
		}}},
		{{Key: "$unwind", Value: "$entries"}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$_id",
			"min":   bson.M{"$min": "$entries"},
			"count": bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return time.Time{}, 0, wrapError(err, m.wrapErrors)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Min   float64 `bson:"min"`
		Count int64   `bson:"count"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return time.Time{}, 0, wrapError(err, m.wrapErrors)
	}
	if len(results) == 0 || results[0].Count == 0 {
		return now, 0, nil
	}
	return time.Unix(0, int64(results[0].Min*float64(time.Second))), results[0].Count, nil
}

func (m *Mongo) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}

	for attempt := 0; attempt < concurrentUpdateRetries; attempt++ {
		now := time.Now()
		state, err := m.slidingWindow(ctx, key, expiry, now)
		if err != nil {
			return false, wrapError(err, m.wrapErrors)
		}
		if state.WeightedCount(expiry)+amount > limit {
			return false, nil
		}

		_, current := slidingWindowKeys(key, expiry, now)
		ok, err := m.compareAndIncr(ctx, current, state.CurrentCount, amount, 2*expiry)
		if err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				continue
			}
			return false, wrapError(err, m.wrapErrors)
		}
		if ok {
			return true, nil
		}
	}
	return false, ErrConcurrentUpdate
}

// compareAndIncr increments the counter only if it still holds the observed
// value, reporting ErrConcurrentUpdate when another writer got there first.
func (m *Mongo) compareAndIncr(ctx context.Context, key string, observed, amount int64, expiry time.Duration) (bool, error) {
	now := time.Now()
	if observed == 0 {
		_, err := m.counters.InsertOne(ctx, bson.M{
			"_id":      key,
			"count":    amount,
			"expireAt": now.Add(expiry),
		})
		if mongo.IsDuplicateKeyError(err) {
			return false, ErrConcurrentUpdate
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}

	res, err := m.counters.UpdateOne(ctx,
		bson.M{"_id": key, "count": observed, "expireAt": bson.M{"$gte": now}},
		bson.M{"$inc": bson.M{"count": amount}},
	)
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 0 {
		return false, ErrConcurrentUpdate
	}
	return true, nil
}

func (m *Mongo) SlidingWindow(ctx context.Context, key string, expiry time.Duration) (SlidingWindowState, error) {
	state, err := m.slidingWindow(ctx, key, expiry, time.Now())
	return state, wrapError(err, m.wrapErrors)
}

func (m *Mongo) slidingWindow(ctx context.Context, key string, expiry time.Duration, now time.Time) (SlidingWindowState, error) {
	previous, current := slidingWindowKeys(key, expiry, now)

	var state SlidingWindowState
	var err error
	if state.PreviousCount, err = m.Get(ctx, previous); err != nil {
		return SlidingWindowState{}, err
	}
	if state.CurrentCount, err = m.Get(ctx, current); err != nil {
		return SlidingWindowState{}, err
	}
	state.PreviousTTL, state.CurrentTTL = slidingWindowTTLs(expiry, now, state.PreviousCount)
	return state, nil
}

func (m *Mongo) ClearSlidingWindow(ctx context.Context, key string, expiry time.Duration) error {
	previous, current := slidingWindowKeys(key, expiry, time.Now())
	_, err := m.counters.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": bson.A{key, previous, current}}})
	return wrapError(err, m.wrapErrors)
}
