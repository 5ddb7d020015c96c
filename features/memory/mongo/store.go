// Package mongo implements memory.Store on MongoDB. It is the durable
// alternative to the Redis store for deployments that already run Mongo but
// not Redis; expiry rides on a TTL index instead of per-key TTLs.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/driveline-ai/driveline/runtime/memory"
)

const (
	collectionName = "conversation_memory"
	storeName      = "memory-mongo"

	defaultOpTimeout = 5 * time.Second
)

// Options configures the Store.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database names the database holding the memory collection. Required.
	Database string
	// TTL overrides the record lifetime. Defaults to memory.TTL.
	TTL time.Duration
	// Timeout bounds individual operations. Defaults to 5s.
	Timeout time.Duration
}

// Store implements memory.Store on a Mongo collection. Records carry an
// expires_at field reaped by a TTL index, so a record older than the TTL may
// still be visible for up to a minute; Load filters those out itself.
type Store struct {
	client  *mongodriver.Client
	coll    *mongodriver.Collection
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

type memoryDocument struct {
	ConversationID string        `bson:"_id"`
	Memory         memory.Memory `bson:"memory"`
	ExpiresAt      time.Time     `bson:"expires_at"`
}

// NewStore builds the store and ensures the TTL index exists.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = memory.TTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		client:  opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collectionName),
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: mongooptions.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return nil, fmt.Errorf("create memory ttl index: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

// Load implements memory.Store. Missing and expired records both come back
// as an empty memory.
func (s *Store) Load(ctx context.Context, conversationID string) (memory.Memory, error) {
	empty := memory.Memory{ConversationID: conversationID}
	if conversationID == "" {
		return empty, errors.New("conversation id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc memoryDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return empty, nil
		}
		return empty, fmt.Errorf("load memory: %w", err)
	}
	if !doc.ExpiresAt.After(s.now().UTC()) {
		return empty, nil
	}
	m := doc.Memory
	m.ConversationID = conversationID
	return m, nil
}

// Save implements memory.Store. Each save refreshes the TTL.
func (s *Store) Save(ctx context.Context, m memory.Memory) error {
	if m.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	now := s.now().UTC()
	m.UpdatedAt = now
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := memoryDocument{
		ConversationID: m.ConversationID,
		Memory:         m,
		ExpiresAt:      now.Add(s.ttl),
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": m.ConversationID}, doc,
		mongooptions.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// Delete implements memory.Store. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": conversationID}); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}
