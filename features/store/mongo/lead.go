package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/driveline-ai/driveline/runtime/lead"
)

const leadPhoneIndex = "lead_phone"

// LeadStore is the Mongo-backed implementation of lead.Store.
type LeadStore struct {
	base
	leads collection
	turns collection
}

var _ lead.Store = (*LeadStore)(nil)

// Create implements lead.Store.
func (s *LeadStore) Create(ctx context.Context, l lead.Lead) (lead.Lead, error) {
	if l.DealershipID == uuid.Nil {
		return lead.Lead{}, errors.New("dealership id is required")
	}
	if l.Phone == "" {
		return lead.Lead{}, errors.New("phone is required")
	}
	l = s.withLeadDefaults(l)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.leads.InsertOne(ctx, fromLead(l)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) && strings.Contains(err.Error(), leadPhoneIndex) {
			return lead.Lead{}, lead.ErrDuplicatePhone
		}
		return lead.Lead{}, err
	}
	return l, nil
}

// Get implements lead.Store.
func (s *LeadStore) Get(ctx context.Context, id uuid.UUID) (lead.Lead, error) {
	return s.findLead(ctx, bson.M{"id": id.String()})
}

// GetByPhone implements lead.Store.
func (s *LeadStore) GetByPhone(ctx context.Context, dealershipID uuid.UUID, phone string) (lead.Lead, error) {
	if phone == "" {
		return lead.Lead{}, errors.New("phone is required")
	}
	return s.findLead(ctx, bson.M{"dealership_id": dealershipID.String(), "phone": phone})
}

// FindDealershipByPhone implements lead.Store.
func (s *LeadStore) FindDealershipByPhone(ctx context.Context, phone string) (uuid.UUID, error) {
	if phone == "" {
		return uuid.Nil, errors.New("phone is required")
	}
	// Earliest created lead wins when several dealerships know the number.
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	l, err := s.findLead(ctx, bson.M{"phone": phone}, opts)
	if err != nil {
		return uuid.Nil, err
	}
	return l.DealershipID, nil
}

// FindOrCreateByPhone implements lead.Store.
func (s *LeadStore) FindOrCreateByPhone(ctx context.Context, dealershipID uuid.UUID, phone string, template lead.Lead) (lead.Lead, bool, error) {
	if dealershipID == uuid.Nil {
		return lead.Lead{}, false, errors.New("dealership id is required")
	}
	if phone == "" {
		return lead.Lead{}, false, errors.New("phone is required")
	}
	template.DealershipID = dealershipID
	template.Phone = phone
	template = s.withLeadDefaults(template)

	// Pure $setOnInsert upsert: concurrent calls for the same pair converge
	// on whichever insert won, and an existing lead is never modified. The
	// filter supplies dealership_id and phone on insert, so the update must
	// not set them again.
	filter := bson.M{"dealership_id": dealershipID.String(), "phone": phone}
	insert := bson.M{
		"id":              template.ID.String(),
		"status":          string(template.Status),
		"created_at":      template.CreatedAt,
		"last_contact_at": template.LastContactAt,
	}
	if template.Name != "" {
		insert["name"] = template.Name
	}
	if template.CarInterest != "" {
		insert["car_interest"] = template.CarInterest
	}
	if template.Source != "" {
		insert["source"] = template.Source
	}
	if template.Email != "" {
		insert["email"] = template.Email
	}
	if template.AssignedUserID != nil {
		insert["assigned_user_id"] = template.AssignedUserID.String()
	}
	if template.AppointmentAt != nil {
		insert["appointment_at"] = template.AppointmentAt.UTC()
	}
	if template.MaxPrice != nil {
		insert["max_price"] = *template.MaxPrice
	}

	upsertCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.leads.UpdateOne(upsertCtx, filter, bson.M{"$setOnInsert": insert}, options.Update().SetUpsert(true))
	if err != nil {
		return lead.Lead{}, false, err
	}

	out, err := s.GetByPhone(ctx, dealershipID, phone)
	if err != nil {
		return lead.Lead{}, false, err
	}
	return out, res.UpsertedCount == 1, nil
}

// List implements lead.Store.
func (s *LeadStore) List(ctx context.Context, dealershipID uuid.UUID) ([]lead.Lead, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"dealership_id": dealershipID.String()}
	cur, err := s.leads.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "last_contact_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur, leadDocument.toLead)
}

// Update implements lead.Store.
func (s *LeadStore) Update(ctx context.Context, l lead.Lead) error {
	set := bson.M{}
	unset := bson.M{}
	assign := func(key, val string) {
		if val != "" {
			set[key] = val
		} else {
			unset[key] = ""
		}
	}
	assign("name", l.Name)
	assign("car_interest", l.CarInterest)
	assign("email", l.Email)
	if l.AssignedUserID != nil {
		set["assigned_user_id"] = l.AssignedUserID.String()
	} else {
		unset["assigned_user_id"] = ""
	}
	if l.MaxPrice != nil {
		set["max_price"] = *l.MaxPrice
	} else {
		unset["max_price"] = ""
	}
	return s.updateLead(ctx, l.ID, bson.M{"$set": set, "$unset": unset})
}

// UpdateStatus implements lead.Store.
func (s *LeadStore) UpdateStatus(ctx context.Context, id uuid.UUID, status lead.Status) error {
	if !lead.ValidStatus(status) {
		return errors.New("invalid status")
	}
	return s.updateLead(ctx, id, bson.M{"$set": bson.M{"status": string(status)}})
}

// UpdateAppointment implements lead.Store.
func (s *LeadStore) UpdateAppointment(ctx context.Context, id uuid.UUID, at *time.Time) error {
	if at == nil {
		return s.updateLead(ctx, id, bson.M{"$unset": bson.M{"appointment_at": ""}})
	}
	return s.updateLead(ctx, id, bson.M{"$set": bson.M{"appointment_at": at.UTC()}})
}

// Touch implements lead.Store.
func (s *LeadStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.updateLead(ctx, id, bson.M{"$set": bson.M{"last_contact_at": at.UTC()}})
}

// AppendTurn implements lead.Store.
func (s *LeadStore) AppendTurn(ctx context.Context, t lead.Turn) (lead.Turn, error) {
	if t.Text == "" {
		return lead.Turn{}, errors.New("text is required")
	}
	if !lead.ValidSender(t.Sender) {
		return lead.Turn{}, errors.New("invalid sender")
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	} else {
		t.CreatedAt = t.CreatedAt.UTC()
	}

	// The contact-time update doubles as the lead existence check; the turn
	// is inserted after it so a missing lead never acquires history.
	if err := s.Touch(ctx, t.LeadID, t.CreatedAt); err != nil {
		return lead.Turn{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.turns.InsertOne(ctx, fromTurn(t)); err != nil {
		return lead.Turn{}, err
	}
	return t, nil
}

// ListTurns implements lead.Store.
func (s *LeadStore) ListTurns(ctx context.Context, leadID uuid.UUID, limit int) ([]lead.Turn, error) {
	if _, err := s.Get(ctx, leadID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"lead_id": leadID.String()}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	if limit > 0 {
		// Scan newest first to keep only the most recent turns, then restore
		// chronological order.
		opts = options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "id", Value: -1}}).
			SetLimit(int64(limit))
	}
	cur, err := s.turns.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out, err := decodeAll(ctx, cur, turnDocument.toTurn)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *LeadStore) findLead(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (lead.Lead, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc leadDocument
	if err := s.leads.FindOne(ctx, filter, opts...).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return lead.Lead{}, lead.ErrNotFound
		}
		return lead.Lead{}, err
	}
	return doc.toLead()
}

func (s *LeadStore) updateLead(ctx context.Context, id uuid.UUID, update bson.M) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.leads.UpdateOne(ctx, bson.M{"id": id.String()}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return lead.ErrNotFound
	}
	return nil
}

func (s *LeadStore) withLeadDefaults(l lead.Lead) lead.Lead {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = lead.StatusNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	} else {
		l.CreatedAt = l.CreatedAt.UTC()
	}
	if l.LastContactAt.IsZero() {
		l.LastContactAt = l.CreatedAt
	} else {
		l.LastContactAt = l.LastContactAt.UTC()
	}
	return l
}

type leadDocument struct {
	ID             string     `bson:"id"`
	DealershipID   string     `bson:"dealership_id"`
	Name           string     `bson:"name,omitempty"`
	CarInterest    string     `bson:"car_interest,omitempty"`
	Source         string     `bson:"source,omitempty"`
	Status         string     `bson:"status"`
	Phone          string     `bson:"phone,omitempty"`
	Email          string     `bson:"email,omitempty"`
	AssignedUserID string     `bson:"assigned_user_id,omitempty"`
	AppointmentAt  *time.Time `bson:"appointment_at,omitempty"`
	MaxPrice       *float64   `bson:"max_price,omitempty"`
	LastContactAt  time.Time  `bson:"last_contact_at"`
	CreatedAt      time.Time  `bson:"created_at"`
}

type turnDocument struct {
	ID        string    `bson:"id"`
	LeadID    string    `bson:"lead_id"`
	Sender    string    `bson:"sender"`
	Text      string    `bson:"text"`
	CreatedAt time.Time `bson:"created_at"`
}

func fromLead(l lead.Lead) leadDocument {
	doc := leadDocument{
		ID:            l.ID.String(),
		DealershipID:  l.DealershipID.String(),
		Name:          l.Name,
		CarInterest:   l.CarInterest,
		Source:        l.Source,
		Status:        string(l.Status),
		Phone:         l.Phone,
		Email:         l.Email,
		LastContactAt: l.LastContactAt.UTC(),
		CreatedAt:     l.CreatedAt.UTC(),
	}
	if l.AssignedUserID != nil {
		doc.AssignedUserID = l.AssignedUserID.String()
	}
	if l.AppointmentAt != nil {
		at := l.AppointmentAt.UTC()
		doc.AppointmentAt = &at
	}
	if l.MaxPrice != nil {
		price := *l.MaxPrice
		doc.MaxPrice = &price
	}
	return doc
}

func (doc leadDocument) toLead() (lead.Lead, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return lead.Lead{}, err
	}
	dealershipID, err := uuid.Parse(doc.DealershipID)
	if err != nil {
		return lead.Lead{}, err
	}
	l := lead.Lead{
		ID:            id,
		DealershipID:  dealershipID,
		Name:          doc.Name,
		CarInterest:   doc.CarInterest,
		Source:        doc.Source,
		Status:        lead.Status(doc.Status),
		Phone:         doc.Phone,
		Email:         doc.Email,
		LastContactAt: doc.LastContactAt.UTC(),
		CreatedAt:     doc.CreatedAt.UTC(),
	}
	if doc.AssignedUserID != "" {
		assigned, err := uuid.Parse(doc.AssignedUserID)
		if err != nil {
			return lead.Lead{}, err
		}
		l.AssignedUserID = &assigned
	}
	if doc.AppointmentAt != nil {
		at := doc.AppointmentAt.UTC()
		l.AppointmentAt = &at
	}
	if doc.MaxPrice != nil {
		price := *doc.MaxPrice
		l.MaxPrice = &price
	}
	return l, nil
}

func fromTurn(t lead.Turn) turnDocument {
	return turnDocument{
		ID:        t.ID.String(),
		LeadID:    t.LeadID.String(),
		Sender:    string(t.Sender),
		Text:      t.Text,
		CreatedAt: t.CreatedAt.UTC(),
	}
}

func (doc turnDocument) toTurn() (lead.Turn, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return lead.Turn{}, err
	}
	leadID, err := uuid.Parse(doc.LeadID)
	if err != nil {
		return lead.Turn{}, err
	}
	return lead.Turn{
		ID:        id,
		LeadID:    leadID,
		Sender:    lead.Sender(doc.Sender),
		Text:      doc.Text,
		CreatedAt: doc.CreatedAt.UTC(),
	}, nil
}

func leadIndexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("lead_id"),
		},
		{
			Keys: bson.D{
				{Key: "dealership_id", Value: 1},
				{Key: "phone", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetName(leadPhoneIndex).
				SetPartialFilterExpression(bson.M{"phone": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "phone", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("lead_phone_routing"),
		},
		{
			Keys:    bson.D{{Key: "dealership_id", Value: 1}, {Key: "last_contact_at", Value: -1}},
			Options: options.Index().SetName("lead_dealership_contact"),
		},
	}
}

func turnIndexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("turn_id"),
		},
		{
			Keys: bson.D{
				{Key: "lead_id", Value: 1},
				{Key: "created_at", Value: 1},
				{Key: "id", Value: 1},
			},
			Options: options.Index().SetName("turn_lead_created"),
		},
	}
}
