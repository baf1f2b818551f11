package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

/*
MongoDB Schema:

Collection: records

Document structure:
{
    "_id": string ("{storeName}:{key}"),
    "store_name": string,
    "key": string,
    "payload": BinData,
    "version": long,
    "updated_at": ISODate
}

Indexes:
db.records.createIndex({ "store_name": 1 })
db.records.createIndex({ "store_name": 1, "key": 1 })
*/

type mongoRecord struct {
	ID        string    `bson:"_id"`
	StoreName string    `bson:"store_name"`
	Key       string    `bson:"key"`
	Payload   []byte    `bson:"payload"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoBackend persists bridge records in MongoDB.
type MongoBackend struct {
	collection *mongo.Collection
}

// MongoBackendOption configures a MongoBackend.
type MongoBackendOption func(*mongoBackendOptions)

type mongoBackendOptions struct {
	collection string
}

// WithCollection sets a custom collection name for the MongoDB backend.
func WithCollection(name string) MongoBackendOption {
	return func(o *mongoBackendOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// NewMongoBackend creates a MongoDB backend.
//
// The default collection name is "records".
func NewMongoBackend(db *mongo.Database, opts ...MongoBackendOption) *MongoBackend {
	o := &mongoBackendOptions{
		collection: "records",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &MongoBackend{
		collection: db.Collection(o.collection),
	}
}

// Collection returns the underlying MongoDB collection
func (m *MongoBackend) Collection() *mongo.Collection {
	return m.collection
}

// Indexes returns the required indexes for the records collection.
func (m *MongoBackend) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "store_name", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "store_name", Value: 1},
				{Key: "key", Value: 1},
			},
		},
	}
}

// EnsureIndexes creates the required indexes for the records collection
func (m *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, m.Indexes())
	return err
}

func docID(storeName, key string) string {
	return storeName + ":" + key
}

// Load reads the latest persisted payload for a record.
func (m *MongoBackend) Load(ctx context.Context, storeName, key string) ([]byte, error) {
	var rec mongoRecord
	err := m.collection.FindOne(ctx, bson.M{"_id": docID(storeName, key)}).Decode(&rec)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, storeName, key)
		}
		return nil, fmt.Errorf("find: %w", err)
	}
	return rec.Payload, nil
}

// Store persists a put with a version guard: the upsert only matches when
// the stored version is lower than the incoming one, so a retried older
// write is a no-op. The duplicate key error raised when the guard excludes
// an existing newer document is the stale-write signal and is swallowed.
func (m *MongoBackend) Store(ctx context.Context, rec Record) error {
	filter := bson.M{
		"_id":     docID(rec.StoreName, rec.Key),
		"version": bson.M{"$lt": rec.Version},
	}
	update := bson.M{
		"$set": bson.M{
			"store_name": rec.StoreName,
			"key":        rec.Key,
			"payload":    rec.Payload,
			"version":    rec.Version,
			"updated_at": time.Now(),
		},
	}

	_, err := m.collection.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (m *MongoBackend) Delete(ctx context.Context, rec Record) error {
	_, err := m.collection.DeleteOne(ctx, bson.M{"_id": docID(rec.StoreName, rec.Key)})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Health performs a health check on the MongoDB backend.
func (m *MongoBackend) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := m.collection.Database().Client().Ping(ctx, nil); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("mongodb ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	count, err := m.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count records: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"records":    count,
			"collection": m.collection.Name(),
		},
	}
}

// Compile-time checks
var (
	_ Backend        = (*MongoBackend)(nil)
	_ health.Checker = (*MongoBackend)(nil)
)
