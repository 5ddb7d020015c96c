package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/driveline-ai/driveline/runtime/settings"
)

// SettingsStore is the Mongo-backed implementation of settings.Store. The
// user and dealership levels live in separate collections with the same
// document shape; owner_id is the user or dealership ID depending on level.
type SettingsStore struct {
	base
	users       collection
	dealerships collection
}

var _ settings.Store = (*SettingsStore)(nil)

// GetUser implements settings.Store.
func (s *SettingsStore) GetUser(ctx context.Context, userID uuid.UUID, key string) (settings.Value, error) {
	return s.get(ctx, s.users, userID, key)
}

// SetUser implements settings.Store.
func (s *SettingsStore) SetUser(ctx context.Context, userID uuid.UUID, key, raw string) error {
	return s.set(ctx, s.users, userID, key, raw)
}

// DeleteUser implements settings.Store.
func (s *SettingsStore) DeleteUser(ctx context.Context, userID uuid.UUID, key string) error {
	return s.delete(ctx, s.users, userID, key)
}

// ListUser implements settings.Store.
func (s *SettingsStore) ListUser(ctx context.Context, userID uuid.UUID) ([]settings.Value, error) {
	return s.list(ctx, s.users, userID)
}

// GetDealership implements settings.Store.
func (s *SettingsStore) GetDealership(ctx context.Context, dealershipID uuid.UUID, key string) (settings.Value, error) {
	return s.get(ctx, s.dealerships, dealershipID, key)
}

// SetDealership implements settings.Store.
func (s *SettingsStore) SetDealership(ctx context.Context, dealershipID uuid.UUID, key, raw string) error {
	return s.set(ctx, s.dealerships, dealershipID, key, raw)
}

// DeleteDealership implements settings.Store.
func (s *SettingsStore) DeleteDealership(ctx context.Context, dealershipID uuid.UUID, key string) error {
	return s.delete(ctx, s.dealerships, dealershipID, key)
}

// ListDealership implements settings.Store.
func (s *SettingsStore) ListDealership(ctx context.Context, dealershipID uuid.UUID) ([]settings.Value, error) {
	return s.list(ctx, s.dealerships, dealershipID)
}

func (s *SettingsStore) get(ctx context.Context, coll collection, ownerID uuid.UUID, key string) (settings.Value, error) {
	if key == "" {
		return settings.Value{}, errors.New("key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc settingDocument
	if err := coll.FindOne(ctx, bson.M{"owner_id": ownerID.String(), "key": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return settings.Value{}, settings.ErrNotFound
		}
		return settings.Value{}, err
	}
	return doc.toValue(), nil
}

func (s *SettingsStore) set(ctx context.Context, coll collection, ownerID uuid.UUID, key, raw string) error {
	if key == "" {
		return errors.New("key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"owner_id": ownerID.String(), "key": key}
	update := bson.M{"$set": bson.M{"value": raw, "updated_at": s.now().UTC()}}
	_, err := coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (s *SettingsStore) delete(ctx context.Context, coll collection, ownerID uuid.UUID, key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := coll.DeleteOne(ctx, bson.M{"owner_id": ownerID.String(), "key": key})
	return err
}

func (s *SettingsStore) list(ctx context.Context, coll collection, ownerID uuid.UUID) ([]settings.Value, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := coll.Find(ctx, bson.M{"owner_id": ownerID.String()}, options.Find().SetSort(bson.D{{Key: "key", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur, func(doc settingDocument) (settings.Value, error) {
		return doc.toValue(), nil
	})
}

type settingDocument struct {
	OwnerID   string    `bson:"owner_id"`
	Key       string    `bson:"key"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (doc settingDocument) toValue() settings.Value {
	return settings.Value{
		Key:       doc.Key,
		Raw:       doc.Value,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func settingIndexes(name string) []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "owner_id", Value: 1},
				{Key: "key", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName(name),
		},
	}
}
