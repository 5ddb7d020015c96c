package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/driveline-ai/driveline/runtime/inventory"
)

// InventoryStore is the Mongo-backed implementation of inventory.Store.
type InventoryStore struct {
	base
	vehicles   collection
	embeddings collection
}

var _ inventory.Store = (*InventoryStore)(nil)

// Create implements inventory.Store.
func (s *InventoryStore) Create(ctx context.Context, v inventory.Vehicle) (inventory.Vehicle, error) {
	if v.DealershipID == uuid.Nil {
		return inventory.Vehicle{}, errors.New("dealership id is required")
	}
	if v.Make == "" || v.Model == "" {
		return inventory.Vehicle{}, errors.New("make and model are required")
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = inventory.StatusActive
	}
	if !inventory.ValidStatus(v.Status) {
		return inventory.Vehicle{}, errors.New("invalid status")
	}
	now := s.now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	} else {
		v.CreatedAt = v.CreatedAt.UTC()
	}
	v.UpdatedAt = v.CreatedAt

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.vehicles.InsertOne(ctx, fromVehicle(v)); err != nil {
		return inventory.Vehicle{}, err
	}
	return v, nil
}

// Get implements inventory.Store.
func (s *InventoryStore) Get(ctx context.Context, id uuid.UUID) (inventory.Vehicle, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc vehicleDocument
	if err := s.vehicles.FindOne(ctx, bson.M{"id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return inventory.Vehicle{}, inventory.ErrNotFound
		}
		return inventory.Vehicle{}, err
	}
	return doc.toVehicle()
}

// Update implements inventory.Store.
func (s *InventoryStore) Update(ctx context.Context, v inventory.Vehicle) (inventory.Vehicle, error) {
	if !inventory.ValidStatus(v.Status) {
		return inventory.Vehicle{}, errors.New("invalid status")
	}
	v.UpdatedAt = s.now().UTC()

	set := bson.M{
		"make":       v.Make,
		"model":      v.Model,
		"year":       v.Year,
		"price":      v.Price,
		"mileage":    v.Mileage,
		"status":     string(v.Status),
		"updated_at": v.UpdatedAt,
	}
	unset := bson.M{}
	assign := func(key, val string) {
		if val != "" {
			set[key] = val
		} else {
			unset[key] = ""
		}
	}
	assign("condition", v.Condition)
	assign("description", v.Description)
	assign("stock_number", v.StockNumber)
	if len(v.Features) > 0 {
		set["features"] = v.Features
	} else {
		unset["features"] = ""
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.vehicles.UpdateOne(ctx, bson.M{"id": v.ID.String()}, bson.M{"$set": set, "$unset": unset})
	if err != nil {
		return inventory.Vehicle{}, err
	}
	if res.MatchedCount == 0 {
		return inventory.Vehicle{}, inventory.ErrNotFound
	}
	return v, nil
}

// Delete implements inventory.Store. The embedding is removed with the
// vehicle so a vector never outlives its listing.
func (s *InventoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.vehicles.DeleteOne(ctx, bson.M{"id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return inventory.ErrNotFound
	}
	_, err = s.embeddings.DeleteOne(ctx, bson.M{"vehicle_id": id.String()})
	return err
}

// List implements inventory.Store.
func (s *InventoryStore) List(ctx context.Context, dealershipID uuid.UUID, filter inventory.ListFilter) ([]inventory.Vehicle, error) {
	query := bson.M{"dealership_id": dealershipID.String()}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.vehicles.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "id", Value: -1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur, vehicleDocument.toVehicle)
}

// PutEmbedding implements inventory.Store.
func (s *InventoryStore) PutEmbedding(ctx context.Context, e inventory.Embedding) error {
	if e.VehicleID == uuid.Nil {
		return errors.New("vehicle id is required")
	}
	if len(e.Vector) == 0 {
		return errors.New("vector is required")
	}
	if _, err := s.Get(ctx, e.VehicleID); err != nil {
		return err
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now().UTC()
	} else {
		e.UpdatedAt = e.UpdatedAt.UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"vehicle_id": e.VehicleID.String()}
	update := bson.M{"$set": bson.M{
		"dealership_id": e.DealershipID.String(),
		"vector":        vectorToDoc(e.Vector),
		"input_hash":    e.InputHash,
		"updated_at":    e.UpdatedAt,
	}}
	_, err := s.embeddings.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// GetEmbedding implements inventory.Store.
func (s *InventoryStore) GetEmbedding(ctx context.Context, vehicleID uuid.UUID) (inventory.Embedding, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc embeddingDocument
	if err := s.embeddings.FindOne(ctx, bson.M{"vehicle_id": vehicleID.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return inventory.Embedding{}, inventory.ErrNotFound
		}
		return inventory.Embedding{}, err
	}
	return doc.toEmbedding()
}

// DeleteEmbedding implements inventory.Store.
func (s *InventoryStore) DeleteEmbedding(ctx context.Context, vehicleID uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.embeddings.DeleteOne(ctx, bson.M{"vehicle_id": vehicleID.String()})
	return err
}

// ListEmbeddings implements inventory.Store.
func (s *InventoryStore) ListEmbeddings(ctx context.Context, dealershipID uuid.UUID) ([]inventory.Embedding, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.embeddings.Find(ctx, bson.M{"dealership_id": dealershipID.String()})
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur, embeddingDocument.toEmbedding)
}

type vehicleDocument struct {
	ID           string    `bson:"id"`
	DealershipID string    `bson:"dealership_id"`
	Make         string    `bson:"make"`
	Model        string    `bson:"model"`
	Year         int       `bson:"year"`
	Price        float64   `bson:"price"`
	Mileage      int       `bson:"mileage"`
	Condition    string    `bson:"condition,omitempty"`
	Description  string    `bson:"description,omitempty"`
	Features     []string  `bson:"features,omitempty"`
	StockNumber  string    `bson:"stock_number,omitempty"`
	Status       string    `bson:"status"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

type embeddingDocument struct {
	VehicleID    string    `bson:"vehicle_id"`
	DealershipID string    `bson:"dealership_id"`
	Vector       []float64 `bson:"vector"`
	InputHash    string    `bson:"input_hash"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func fromVehicle(v inventory.Vehicle) vehicleDocument {
	return vehicleDocument{
		ID:           v.ID.String(),
		DealershipID: v.DealershipID.String(),
		Make:         v.Make,
		Model:        v.Model,
		Year:         v.Year,
		Price:        v.Price,
		Mileage:      v.Mileage,
		Condition:    v.Condition,
		Description:  v.Description,
		Features:     v.Features,
		StockNumber:  v.StockNumber,
		Status:       string(v.Status),
		CreatedAt:    v.CreatedAt.UTC(),
		UpdatedAt:    v.UpdatedAt.UTC(),
	}
}

func (doc vehicleDocument) toVehicle() (inventory.Vehicle, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return inventory.Vehicle{}, err
	}
	dealershipID, err := uuid.Parse(doc.DealershipID)
	if err != nil {
		return inventory.Vehicle{}, err
	}
	return inventory.Vehicle{
		ID:           id,
		DealershipID: dealershipID,
		Make:         doc.Make,
		Model:        doc.Model,
		Year:         doc.Year,
		Price:        doc.Price,
		Mileage:      doc.Mileage,
		Condition:    doc.Condition,
		Description:  doc.Description,
		Features:     doc.Features,
		StockNumber:  doc.StockNumber,
		Status:       inventory.Status(doc.Status),
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}, nil
}

func (doc embeddingDocument) toEmbedding() (inventory.Embedding, error) {
	vehicleID, err := uuid.Parse(doc.VehicleID)
	if err != nil {
		return inventory.Embedding{}, err
	}
	dealershipID, err := uuid.Parse(doc.DealershipID)
	if err != nil {
		return inventory.Embedding{}, err
	}
	vec := make([]float32, len(doc.Vector))
	for i, f := range doc.Vector {
		vec[i] = float32(f)
	}
	return inventory.Embedding{
		VehicleID:    vehicleID,
		DealershipID: dealershipID,
		Vector:       vec,
		InputHash:    doc.InputHash,
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}, nil
}

// vectorToDoc widens to float64, the numeric type BSON stores natively.
func vectorToDoc(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, f := range vec {
		out[i] = float64(f)
	}
	return out
}

func vehicleIndexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("vehicle_id"),
		},
		{
			Keys: bson.D{
				{Key: "dealership_id", Value: 1},
				{Key: "status", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("vehicle_dealership_status"),
		},
	}
}

func embeddingIndexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "vehicle_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("embedding_vehicle"),
		},
		{
			Keys:    bson.D{{Key: "dealership_id", Value: 1}},
			Options: options.Index().SetName("embedding_dealership"),
		},
	}
}
