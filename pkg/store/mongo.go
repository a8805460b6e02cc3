package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "performanceTest",
		Collection: "entries",
	}
}

type mongoEntry struct {
	Value     string    `bson:"value"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Mongo stores entries as documents of one collection.
type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

func NewMongo(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*Mongo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetAppName("loadbench"))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	logger.Info("Connected to MongoDB", zap.String("database", cfg.Database), zap.String("collection", cfg.Collection))
	return &Mongo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		logger:     logger,
	}, nil
}

func (m *Mongo) Name() string { return "mongo" }

// Populate inserts n documents with values "1".."n" in one InsertMany.
func (m *Mongo) Populate(ctx context.Context, n int) error {
	if err := validateCount(n); err != nil {
		return err
	}
	now := time.Now()
	docs := make([]any, n)
	for i := range docs {
		docs[i] = mongoEntry{Value: strconv.Itoa(i + 1), CreatedAt: now}
	}
	if _, err := m.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}
	return nil
}

func (m *Mongo) Retrieve(ctx context.Context, key string) (string, bool, error) {
	var entry mongoEntry
	err := m.collection.FindOne(ctx, bson.M{"value": key}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find entry: %w", err)
	}
	return entry.Value, true, nil
}

func (m *Mongo) Clear(ctx context.Context) (int64, error) {
	res, err := m.collection.DeleteMany(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	return res.DeletedCount, nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
