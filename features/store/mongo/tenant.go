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

	"github.com/driveline-ai/driveline/runtime/tenant"
)

const (
	profileMembershipIndex = "profile_membership"
	profilePhoneIndex      = "profile_phone"
)

// TenantStore is the Mongo-backed implementation of tenant.Store.
type TenantStore struct {
	base
	dealerships collection
	profiles    collection
	invites     collection
}

var _ tenant.Store = (*TenantStore)(nil)

// CreateDealership implements tenant.Store.
func (s *TenantStore) CreateDealership(ctx context.Context, d tenant.Dealership) (tenant.Dealership, error) {
	if d.Name == "" {
		return tenant.Dealership{}, errors.New("name is required")
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	} else {
		d.CreatedAt = d.CreatedAt.UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.dealerships.InsertOne(ctx, fromDealership(d)); err != nil {
		return tenant.Dealership{}, err
	}
	return d, nil
}

// GetDealership implements tenant.Store.
func (s *TenantStore) GetDealership(ctx context.Context, id uuid.UUID) (tenant.Dealership, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc dealershipDocument
	if err := s.dealerships.FindOne(ctx, bson.M{"id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return tenant.Dealership{}, tenant.ErrNotFound
		}
		return tenant.Dealership{}, err
	}
	return doc.toDealership()
}

// ListDealerships implements tenant.Store.
func (s *TenantStore) ListDealerships(ctx context.Context) ([]tenant.Dealership, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.dealerships.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur, dealershipDocument.toDealership)
}

// UpdateIntegrations implements tenant.Store.
func (s *TenantStore) UpdateIntegrations(ctx context.Context, id uuid.UUID, integrations map[string]tenant.IntegrationConfig) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"integrations": fromIntegrations(integrations)}}
	res, err := s.dealerships.UpdateOne(ctx, bson.M{"id": id.String()}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

// CreateProfile implements tenant.Store.
func (s *TenantStore) CreateProfile(ctx context.Context, p tenant.UserProfile) (tenant.UserProfile, error) {
	if p.UserID == "" {
		return tenant.UserProfile{}, errors.New("user id is required")
	}
	if p.DealershipID == uuid.Nil {
		return tenant.UserProfile{}, errors.New("dealership id is required")
	}
	if !tenant.ValidRole(p.Role) {
		return tenant.UserProfile{}, errors.New("invalid role")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	} else {
		p.CreatedAt = p.CreatedAt.UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.profiles.InsertOne(ctx, fromProfile(p)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			// The violated index name identifies which uniqueness rule fired.
			if strings.Contains(err.Error(), profilePhoneIndex) {
				return tenant.UserProfile{}, tenant.ErrDuplicatePhone
			}
			return tenant.UserProfile{}, tenant.ErrDuplicateMembership
		}
		return tenant.UserProfile{}, err
	}
	return p, nil
}

// GetProfile implements tenant.Store.
func (s *TenantStore) GetProfile(ctx context.Context, id uuid.UUID) (tenant.UserProfile, error) {
	return s.findProfile(ctx, bson.M{"id": id.String()})
}

// GetProfileByUser implements tenant.Store.
func (s *TenantStore) GetProfileByUser(ctx context.Context, userID string) (tenant.UserProfile, error) {
	if userID == "" {
		return tenant.UserProfile{}, errors.New("user id is required")
	}
	// Earliest membership wins when the user belongs to several dealerships.
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return s.findProfile(ctx, bson.M{"user_id": userID}, opts)
}

// GetProfileByUserAndDealership implements tenant.Store.
func (s *TenantStore) GetProfileByUserAndDealership(ctx context.Context, userID string, dealershipID uuid.UUID) (tenant.UserProfile, error) {
	return s.findProfile(ctx, bson.M{"user_id": userID, "dealership_id": dealershipID.String()})
}

// GetProfileByPhone implements tenant.Store.
func (s *TenantStore) GetProfileByPhone(ctx context.Context, dealershipID uuid.UUID, phone string) (tenant.UserProfile, error) {
	if phone == "" {
		return tenant.UserProfile{}, errors.New("phone is required")
	}
	return s.findProfile(ctx, bson.M{"dealership_id": dealershipID.String(), "phone": phone})
}

func (s *TenantStore) findProfile(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (tenant.UserProfile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc profileDocument
	if err := s.profiles.FindOne(ctx, filter, opts...).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return tenant.UserProfile{}, tenant.ErrNotFound
		}
		return tenant.UserProfile{}, err
	}
	return doc.toProfile()
}

// ListProfiles implements tenant.Store.
func (s *TenantStore) ListProfiles(ctx context.Context, dealershipID uuid.UUID) ([]tenant.UserProfile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"dealership_id": dealershipID.String()}
	cur, err := s.profiles.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur, profileDocument.toProfile)
}

// UpdateProfileRole implements tenant.Store.
func (s *TenantStore) UpdateProfileRole(ctx context.Context, id uuid.UUID, role tenant.Role) error {
	if !tenant.ValidRole(role) {
		return errors.New("invalid role")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.profiles.UpdateOne(ctx, bson.M{"id": id.String()}, bson.M{"$set": bson.M{"role": string(role)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

// DeleteProfile implements tenant.Store.
func (s *TenantStore) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.profiles.DeleteOne(ctx, bson.M{"id": id.String()})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

// CreateInvite implements tenant.Store.
func (s *TenantStore) CreateInvite(ctx context.Context, inv tenant.Invite) (tenant.Invite, error) {
	if inv.DealershipID == uuid.Nil {
		return tenant.Invite{}, errors.New("dealership id is required")
	}
	if inv.Email == "" {
		return tenant.Invite{}, errors.New("email is required")
	}
	if inv.TokenHash == "" {
		return tenant.Invite{}, errors.New("token hash is required")
	}
	if !tenant.ValidRole(inv.Role) {
		return tenant.Invite{}, errors.New("invalid role")
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now().UTC()
	} else {
		inv.CreatedAt = inv.CreatedAt.UTC()
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = inv.CreatedAt.Add(tenant.InviteTTL)
	}
	if inv.Status == "" {
		inv.Status = tenant.InviteStatusPending
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.invites.InsertOne(ctx, fromInvite(inv)); err != nil {
		return tenant.Invite{}, err
	}
	return inv, nil
}

// GetInviteByTokenHash implements tenant.Store.
func (s *TenantStore) GetInviteByTokenHash(ctx context.Context, hash string) (tenant.Invite, error) {
	if hash == "" {
		return tenant.Invite{}, errors.New("token hash is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc inviteDocument
	if err := s.invites.FindOne(ctx, bson.M{"token_hash": hash}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return tenant.Invite{}, tenant.ErrNotFound
		}
		return tenant.Invite{}, err
	}
	return doc.toInvite()
}

// MarkInviteUsed implements tenant.Store.
func (s *TenantStore) MarkInviteUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":  string(tenant.InviteStatusAccepted),
		"used_at": usedAt.UTC(),
	}}
	return s.transitionInvite(ctx, id, update)
}

// CancelInvite implements tenant.Store.
func (s *TenantStore) CancelInvite(ctx context.Context, id uuid.UUID) error {
	update := bson.M{"$set": bson.M{"status": string(tenant.InviteStatusCancelled)}}
	return s.transitionInvite(ctx, id, update)
}

// transitionInvite applies update to a pending invite. The pending check
// rides in the filter so concurrent transitions cannot both win.
func (s *TenantStore) transitionInvite(ctx context.Context, id uuid.UUID, update bson.M) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"id": id.String(), "status": string(tenant.InviteStatusPending)}
	res, err := s.invites.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	var doc inviteDocument
	if err := s.invites.FindOne(ctx, bson.M{"id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return tenant.ErrNotFound
		}
		return err
	}
	return tenant.ErrInviteNotPending
}

// ListInvites implements tenant.Store.
func (s *TenantStore) ListInvites(ctx context.Context, dealershipID uuid.UUID) ([]tenant.Invite, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"dealership_id": dealershipID.String()}
	cur, err := s.invites.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur, inviteDocument.toInvite)
}

type dealershipDocument struct {
	ID             string                         `bson:"id"`
	Name           string                         `bson:"name"`
	Location       string                         `bson:"location,omitempty"`
	Integrations   map[string]integrationDocument `bson:"integrations,omitempty"`
	SubscriptionID string                         `bson:"subscription_id,omitempty"`
	CreatedAt      time.Time                      `bson:"created_at"`
}

type integrationDocument struct {
	PhoneNumbers []string `bson:"phone_numbers,omitempty"`
}

type profileDocument struct {
	ID           string `bson:"id"`
	UserID       string `bson:"user_id"`
	DealershipID string `bson:"dealership_id"`
	FullName     string `bson:"full_name,omitempty"`
	// Phone is omitted when empty so the partial phone index skips the
	// document entirely.
	Phone     string    `bson:"phone,omitempty"`
	Role      string    `bson:"role"`
	Timezone  string    `bson:"timezone,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

type inviteDocument struct {
	ID           string     `bson:"id"`
	DealershipID string     `bson:"dealership_id"`
	Email        string     `bson:"email"`
	TokenHash    string     `bson:"token_hash"`
	Role         string     `bson:"role"`
	InvitedBy    string     `bson:"invited_by,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	ExpiresAt    time.Time  `bson:"expires_at"`
	UsedAt       *time.Time `bson:"used_at,omitempty"`
	Status       string     `bson:"status"`
}

func fromDealership(d tenant.Dealership) dealershipDocument {
	doc := dealershipDocument{
		ID:           d.ID.String(),
		Name:         d.Name,
		Location:     d.Location,
		Integrations: fromIntegrations(d.Integrations),
		CreatedAt:    d.CreatedAt.UTC(),
	}
	if d.SubscriptionID != nil {
		doc.SubscriptionID = d.SubscriptionID.String()
	}
	return doc
}

func (doc dealershipDocument) toDealership() (tenant.Dealership, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return tenant.Dealership{}, err
	}
	d := tenant.Dealership{
		ID:           id,
		Name:         doc.Name,
		Location:     doc.Location,
		Integrations: toIntegrations(doc.Integrations),
		CreatedAt:    doc.CreatedAt.UTC(),
	}
	if doc.SubscriptionID != "" {
		sub, err := uuid.Parse(doc.SubscriptionID)
		if err != nil {
			return tenant.Dealership{}, err
		}
		d.SubscriptionID = &sub
	}
	return d, nil
}

func fromIntegrations(in map[string]tenant.IntegrationConfig) map[string]integrationDocument {
	if in == nil {
		return nil
	}
	out := make(map[string]integrationDocument, len(in))
	for name, cfg := range in {
		numbers := make([]string, len(cfg.PhoneNumbers))
		copy(numbers, cfg.PhoneNumbers)
		out[name] = integrationDocument{PhoneNumbers: numbers}
	}
	return out
}

func toIntegrations(in map[string]integrationDocument) map[string]tenant.IntegrationConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]tenant.IntegrationConfig, len(in))
	for name, doc := range in {
		numbers := make([]string, len(doc.PhoneNumbers))
		copy(numbers, doc.PhoneNumbers)
		out[name] = tenant.IntegrationConfig{PhoneNumbers: numbers}
	}
	return out
}

func fromProfile(p tenant.UserProfile) profileDocument {
	return profileDocument{
		ID:           p.ID.String(),
		UserID:       p.UserID,
		DealershipID: p.DealershipID.String(),
		FullName:     p.FullName,
		Phone:        p.Phone,
		Role:         string(p.Role),
		Timezone:     p.Timezone,
		CreatedAt:    p.CreatedAt.UTC(),
	}
}

func (doc profileDocument) toProfile() (tenant.UserProfile, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return tenant.UserProfile{}, err
	}
	dealershipID, err := uuid.Parse(doc.DealershipID)
	if err != nil {
		return tenant.UserProfile{}, err
	}
	return tenant.UserProfile{
		ID:           id,
		UserID:       doc.UserID,
		DealershipID: dealershipID,
		FullName:     doc.FullName,
		Phone:        doc.Phone,
		Role:         tenant.Role(doc.Role),
		Timezone:     doc.Timezone,
		CreatedAt:    doc.CreatedAt.UTC(),
	}, nil
}

func fromInvite(inv tenant.Invite) inviteDocument {
	doc := inviteDocument{
		ID:           inv.ID.String(),
		DealershipID: inv.DealershipID.String(),
		Email:        inv.Email,
		TokenHash:    inv.TokenHash,
		Role:         string(inv.Role),
		CreatedAt:    inv.CreatedAt.UTC(),
		ExpiresAt:    inv.ExpiresAt.UTC(),
		Status:       string(inv.Status),
	}
	if inv.InvitedBy != uuid.Nil {
		doc.InvitedBy = inv.InvitedBy.String()
	}
	if inv.UsedAt != nil {
		at := inv.UsedAt.UTC()
		doc.UsedAt = &at
	}
	return doc
}

func (doc inviteDocument) toInvite() (tenant.Invite, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return tenant.Invite{}, err
	}
	dealershipID, err := uuid.Parse(doc.DealershipID)
	if err != nil {
		return tenant.Invite{}, err
	}
	inv := tenant.Invite{
		ID:           id,
		DealershipID: dealershipID,
		Email:        doc.Email,
		TokenHash:    doc.TokenHash,
		Role:         tenant.Role(doc.Role),
		CreatedAt:    doc.CreatedAt.UTC(),
		ExpiresAt:    doc.ExpiresAt.UTC(),
		Status:       tenant.InviteStatus(doc.Status),
	}
	if doc.InvitedBy != "" {
		invitedBy, err := uuid.Parse(doc.InvitedBy)
		if err != nil {
			return tenant.Invite{}, err
		}
		inv.InvitedBy = invitedBy
	}
	if doc.UsedAt != nil {
		at := doc.UsedAt.UTC()
		inv.UsedAt = &at
	}
	return inv, nil
}

func dealershipIndexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("dealership_id"),
	}}
}

func profileIndexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("profile_id"),
		},
		{
			Keys: bson.D{
				{Key: "dealership_id", Value: 1},
				{Key: "user_id", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName(profileMembershipIndex),
		},
		{
			// Partial rather than sparse: a compound sparse index still
			// indexes documents missing only one key, so it would not allow
			// several phoneless profiles per dealership.
			Keys: bson.D{
				{Key: "dealership_id", Value: 1},
				{Key: "phone", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetName(profilePhoneIndex).
				SetPartialFilterExpression(bson.M{"phone": bson.M{"$exists": true}}),
		},
	}
}

func inviteIndexes() []mongodriver.IndexModel {
	return []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("invite_id"),
		},
		{
			Keys:    bson.D{{Key: "token_hash", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("invite_token"),
		},
		{
			Keys:    bson.D{{Key: "dealership_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("invite_dealership_created"),
		},
	}
}
