package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/driveline-ai/driveline/runtime/approval"
)

// ApprovalStore is the Mongo-backed implementation of approval.Store.
type ApprovalStore struct {
	base
	approvals collection
}

var _ approval.Store = (*ApprovalStore)(nil)

// Create implements approval.Store.
func (s *ApprovalStore) Create(ctx context.Context, a approval.Approval) (approval.Approval, error) {
	if a.LeadID == uuid.Nil {
		return approval.Approval{}, errors.New("lead id is required")
	}
	if a.UserID == uuid.Nil {
		return approval.Approval{}, errors.New("user id is required")
	}
	if a.DealershipID == uuid.Nil {
		return approval.Approval{}, errors.New("dealership id is required")
	}
	if a.GeneratedResponse == "" {
		return approval.Approval{}, errors.New("generated response is required")
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	} else {
		a.CreatedAt = a.CreatedAt.UTC()
	}
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = a.CreatedAt.Add(approval.DefaultTTL)
	} else {
		a.ExpiresAt = a.ExpiresAt.UTC()
	}
	a.Status = approval.StatusPending

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// One actionable approval per pair: retire any previous pending one
	// before inserting the replacement.
	retire := bson.M{
		"user_id":       a.UserID.String(),
		"dealership_id": a.DealershipID.String(),
		"status":        string(approval.StatusPending),
	}
	if _, err := s.approvals.UpdateMany(ctx, retire, bson.M{"$set": bson.M{"status": string(approval.StatusExpired)}}); err != nil {
		return approval.Approval{}, err
	}
	if _, err := s.approvals.InsertOne(ctx, fromApproval(a)); err != nil {
		return approval.Approval{}, err
	}
	return a, nil
}

// Get implements approval.Store.
func (s *ApprovalStore) Get(ctx context.Context, id uuid.UUID) (approval.Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc approvalDocument
	if err := s.approvals.FindOne(ctx, bson.M{"id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return approval.Approval{}, approval.ErrNotFound
		}
		return approval.Approval{}, err
	}
	return doc.toApproval()
}

// GetPending implements approval.Store. Expiry is enforced in the query, so
// a lapsed approval is invisible even before a sweep rewrites its status.
func (s *ApprovalStore) GetPending(ctx context.Context, userID, dealershipID uuid.UUID) (approval.Approval, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"user_id":       userID.String(),
		"dealership_id": dealershipID.String(),
		"status":        string(approval.StatusPending),
		"expires_at":    bson.M{"$gt": s.now().UTC()},
	}
	var doc approvalDocument
	if err := s.approvals.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return approval.Approval{}, approval.ErrNotFound
		}
		return approval.Approval{}, err
	}
	return doc.toApproval()
}

// UpdateStatus implements approval.Store. The pending guard in the filter
// makes the transition one-way: a second decision matches nothing and is
// reported as ErrAlreadyDecided.
func (s *ApprovalStore) UpdateStatus(ctx context.Context, id uuid.UUID, status approval.Status) error {
	if !approval.Terminal(status) {
		return errors.New("status must be terminal")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"id": id.String(), "status": string(approval.StatusPending)}
	res, err := s.approvals.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return approval.ErrAlreadyDecided
	}
	return nil
}

// UpdateResponse implements approval.Store.
func (s *ApprovalStore) UpdateResponse(ctx context.Context, id uuid.UUID, response string) error {
	if response == "" {
		return errors.New("response is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"id": id.String(), "status": string(approval.StatusPending)}
	res, err := s.approvals.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"generated_response": response}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return approval.ErrAlreadyDecided
	}
	return nil
}

// ExpireStale implements approval.Store.
func (s *ApprovalStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":     string(approval.StatusPending),
		"expires_at": bson.M{"$lte": now.UTC()},
	}
	res, err := s.approvals.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"status": string(approval.StatusExpired)}})
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

type approvalDocument struct {
	ID                string    `bson:"id"`
	LeadID            string    `bson:"lead_id"`
	UserID            string    `bson:"user_id"`
	DealershipID      string    `bson:"dealership_id"`
	CustomerMessage   string    `bson:"customer_message,omitempty"`
	GeneratedResponse string    `bson:"generated_response"`
	CustomerPhone     string    `bson:"customer_phone,omitempty"`
	Status            string    `bson:"status"`
	CreatedAt         time.Time `bson:"created_at"`
	ExpiresAt         time.Time `bson:"expires_at"`
}

func fromApproval(a approval.Approval) approvalDocument {
	return approvalDocument{
		ID:                a.ID.String(),
		LeadID:            a.LeadID.String(),
		UserID:            a.UserID.String(),
		DealershipID:      a.DealershipID.String(),
		CustomerMessage:   a.CustomerMessage,
		GeneratedResponse: a.GeneratedResponse,
		CustomerPhone:     a.CustomerPhone,
		Status:            string(a.Status),
		CreatedAt:         a.CreatedAt.UTC(),
		ExpiresAt:         a.ExpiresAt.UTC(),
	}
}

func (doc approvalDocument) toApproval() (approval.Approval, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return approval.Approval{}, err
	}
	leadID, err := uuid.Parse(doc.LeadID)
	if err != nil {
		return approval.Approval{}, err
	}
	userID, err := uuid.Parse(doc.UserID)
	if err != nil {
		return approval.Approval{}, err
	}
	dealershipID, err := uuid.Parse(doc.DealershipID)
	if err != nil {
		return approval.Approval{}, err
	}
	return approval.Approval{
		ID:                id,
		LeadID:            leadID,
		UserID:            userID,
		DealershipID:      dealershipID,
		CustomerMessage:   doc.CustomerMessage,
		GeneratedResponse: doc.GeneratedResponse,
		CustomerPhone:     doc.CustomerPhone,
		Status:            approval.Status(doc.Status),
		CreatedAt:         doc.CreatedAt.UTC(),
		ExpiresAt:         doc.ExpiresAt.UTC(),
	}, nil
}

func approvalIndexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("approval_id"),
		},
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "dealership_id", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetName("approval_pending_pair").
				SetPartialFilterExpression(bson.M{"status": string(approval.StatusPending)}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("approval_expiry"),
		},
	}
}
