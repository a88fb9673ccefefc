package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollection = "idempotency_keys"

// MongoStore persists records in a MongoDB collection. A TTL index on
// expires_at lets the server reap stale keys; Get still checks expiry since
// the reaper runs on its own schedule.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

type MongoOpts struct {
	URI      string
	Database string
}

type mongoRecord struct {
	Key         string    `bson:"_id"`
	Fingerprint string    `bson:"fingerprint"`
	StatusCode  int       `bson:"status_code"`
	Response    []byte    `bson:"response"`
	CreatedAt   time.Time `bson:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

func NewMongoStore(ctx context.Context, opts MongoOpts) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is empty")
	}
	if opts.Database == "" {
		opts.Database = "escrow"
	}

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetMaxPoolSize(20).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(opts.Database).Collection(mongoCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create ttl index: %w", err)
	}

	return &MongoStore{client: client, coll: coll, now: time.Now}, nil
}

func (m *MongoStore) Get(ctx context.Context, key string) (*Record, error) {
	var doc mongoRecord
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find idempotency key: %w", err)
	}
	if m.now().After(doc.ExpiresAt) {
		return nil, nil
	}
	return &Record{
		Fingerprint: doc.Fingerprint,
		StatusCode:  doc.StatusCode,
		Response:    doc.Response,
		CreatedAt:   doc.CreatedAt,
		ExpiresAt:   doc.ExpiresAt,
	}, nil
}

func (m *MongoStore) Save(ctx context.Context, key string, record Record) error {
	doc := mongoRecord{
		Key:         key,
		Fingerprint: record.Fingerprint,
		StatusCode:  record.StatusCode,
		Response:    record.Response,
		CreatedAt:   record.CreatedAt.UTC(),
		ExpiresAt:   record.ExpiresAt.UTC(),
	}
	_, err := m.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: key}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

// Reserve replaces an expired document or inserts a new one. A live document
// fails the filter, so the upsert collides on _id and the caller loses.
func (m *MongoStore) Reserve(ctx context.Context, key string, record Record) (bool, error) {
	doc := mongoRecord{
		Key:         key,
		Fingerprint: record.Fingerprint,
		StatusCode:  record.StatusCode,
		Response:    record.Response,
		CreatedAt:   record.CreatedAt.UTC(),
		ExpiresAt:   record.ExpiresAt.UTC(),
	}
	filter := bson.D{
		{Key: "_id", Value: key},
		{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: m.now().UTC()}}},
	}
	_, err := m.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return true, nil
}

func (m *MongoStore) Abandon(ctx context.Context, key string) error {
	_, err := m.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}, {Key: "status_code", Value: 0}})
	if err != nil {
		return fmt.Errorf("abandon idempotency key: %w", err)
	}
	return nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
