// Package reports persists finalized incident reports to MongoDB.
//
// Reports are append-only: a FinalReport is inserted once and never mutated.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/minervahq/minerva/internal/models"
)

// Constants for MongoDB store configuration
const (
	// DefaultDatabase is the default database name for Minerva reports
	DefaultDatabase = "minerva"
	// DefaultCollection is the default collection name for final reports
	DefaultCollection = "reports"
	// DefaultConnectTimeout bounds the initial connect and ping
	DefaultConnectTimeout = 15 * time.Second
)

// ReportStore is the append-only sink for finalized reports. Insert returns
// the store-generated internal id, which is never surfaced to the party.
type ReportStore interface {
	Insert(ctx context.Context, report models.FinalReport) (string, error)
	Close(ctx context.Context) error
}

// Opts holds configuration options for the Mongo report store.
type Opts struct {
	URI        string
	Database   string
	Collection string
}

// Option defines a configuration option for the Mongo report store.
type Option func(*Opts)

// WithURI sets the MongoDB connection URI.
func WithURI(uri string) Option {
	return func(o *Opts) {
		o.URI = uri
	}
}

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *Opts) {
		o.Database = name
	}
}

// WithCollection sets the collection name.
func WithCollection(name string) Option {
	return func(o *Opts) {
		o.Collection = name
	}
}

// MongoStore is the MongoDB-backed report store.
type MongoStore struct {
	client *mongo.Client
	col    *mongo.Collection
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures the
// created_at index exists on the report collection.
func NewMongoStore(ctx context.Context, opts ...Option) (*MongoStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URI == "" {
		slog.Error("MongoStore URI not set")
		return nil, fmt.Errorf("mongo URI not set")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	start := time.Now()
	slog.Debug("MongoStore connecting", "uri", redactURI(cfg.URI), "database", cfg.Database, "collection", cfg.Collection)

	dctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(dctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		slog.Error("MongoStore connect failed", "error", err)
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(dctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		slog.Error("MongoStore ping failed", "error", err)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	col := client.Database(cfg.Database).Collection(cfg.Collection)

	// Index creation failure is non-fatal; inserts still work without it.
	if _, err := col.Indexes().CreateOne(dctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	}); err != nil {
		slog.Warn("MongoStore index creation failed", "error", err)
	}

	slog.Info("MongoStore connected", "database", cfg.Database, "elapsed", time.Since(start).Round(time.Millisecond))
	return &MongoStore{client: client, col: col}, nil
}

// Insert writes one final report and returns the generated internal id.
func (s *MongoStore) Insert(ctx context.Context, report models.FinalReport) (string, error) {
	res, err := s.col.InsertOne(ctx, report)
	if err != nil {
		slog.Error("MongoStore Insert failed", "error", err, "public_id", report.PublicID)
		return "", fmt.Errorf("failed to insert report %s: %w", report.PublicID, err)
	}
	id := ""
	if oid, ok := res.InsertedID.(interface{ Hex() string }); ok {
		id = oid.Hex()
	}
	slog.Debug("MongoStore Insert succeeded", "public_id", report.PublicID, "id", id)
	return id, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	slog.Debug("Closing MongoDB connection")
	return s.client.Disconnect(ctx)
}

// redactURI masks credentials in a MongoDB URI for logging.
func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.UserPassword("****", "****")
	return u.String()
}

// InMemoryStore collects reports in memory (for tests and development).
type InMemoryStore struct {
	mu      sync.Mutex
	reports []models.FinalReport
	// FailInsert forces Insert to fail, simulating a store outage.
	FailInsert bool
}

// NewInMemoryStore creates an empty in-memory report store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Insert appends the report and returns its public id as the internal id.
func (s *InMemoryStore) Insert(ctx context.Context, report models.FinalReport) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert {
		return "", fmt.Errorf("simulated report store outage")
	}
	s.reports = append(s.reports, report)
	return report.PublicID, nil
}

// Reports returns a copy of all inserted reports.
func (s *InMemoryStore) Reports() []models.FinalReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FinalReport, len(s.reports))
	copy(out, s.reports)
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close(ctx context.Context) error {
	return nil
}
