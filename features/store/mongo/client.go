// Package mongo hosts the MongoDB persistence layer: one store per domain
// contract (tenant, lead, inventory, approval, settings) sharing a database
// handle, index bootstrap, and operation timeouts.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	dealershipsCollection        = "dealerships"
	profilesCollection           = "user_profiles"
	invitesCollection            = "invites"
	leadsCollection              = "leads"
	turnsCollection              = "conversations"
	vehiclesCollection           = "inventory"
	embeddingsCollection         = "vehicle_embeddings"
	approvalsCollection          = "pending_approvals"
	userSettingsCollection       = "user_settings"
	dealershipSettingsCollection = "dealership_settings"

	defaultOpTimeout = 5 * time.Second
	storeClientName  = "store-mongo"
)

// Options configures the Mongo persistence layer.
type Options struct {
	// Client is the connected Mongo client. Required.
	Client *mongodriver.Client
	// Database names the database holding every collection. Required.
	Database string
	// Timeout bounds individual store operations. Defaults to 5s.
	Timeout time.Duration
}

// Stores bundles the per-domain stores sharing one database.
type Stores struct {
	mongo *mongodriver.Client

	Tenant    *TenantStore
	Lead      *LeadStore
	Inventory *InventoryStore
	Approval  *ApprovalStore
	Settings  *SettingsStore
}

// New connects the domain stores to their collections and creates the
// indexes each store relies on.
func New(opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	wrap := func(name string) collection {
		return mongoCollection{coll: db.Collection(name)}
	}

	b := base{timeout: timeout, now: time.Now}
	s := &Stores{
		mongo: opts.Client,
		Tenant: &TenantStore{
			base:        b,
			dealerships: wrap(dealershipsCollection),
			profiles:    wrap(profilesCollection),
			invites:     wrap(invitesCollection),
		},
		Lead: &LeadStore{
			base:  b,
			leads: wrap(leadsCollection),
			turns: wrap(turnsCollection),
		},
		Inventory: &InventoryStore{
			base:       b,
			vehicles:   wrap(vehiclesCollection),
			embeddings: wrap(embeddingsCollection),
		},
		Approval: &ApprovalStore{
			base:      b,
			approvals: wrap(approvalsCollection),
		},
		Settings: &SettingsStore{
			base:        b,
			users:       wrap(userSettingsCollection),
			dealerships: wrap(dealershipSettingsCollection),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stores) ensureIndexes(ctx context.Context) error {
	for _, ic := range []struct {
		coll   collection
		models []mongodriver.IndexModel
	}{
		{s.Tenant.dealerships, dealershipIndexes()},
		{s.Tenant.profiles, profileIndexes()},
		{s.Tenant.invites, inviteIndexes()},
		{s.Lead.leads, leadIndexes()},
		{s.Lead.turns, turnIndexes()},
		{s.Inventory.vehicles, vehicleIndexes()},
		{s.Inventory.embeddings, embeddingIndexes()},
		{s.Approval.approvals, approvalIndexes()},
		{s.Settings.users, settingIndexes("user_setting_key")},
		{s.Settings.dealerships, settingIndexes("dealership_setting_key")},
	} {
		if _, err := ic.coll.Indexes().CreateMany(ctx, ic.models); err != nil {
			return err
		}
	}
	return nil
}

// Name implements health.Pinger.
func (s *Stores) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Stores) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// base carries the plumbing every store shares.
type base struct {
	timeout time.Duration
	now     func() time.Time
}

func (b base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// collection is the slice of the Mongo driver the stores use. The concrete
// driver collection satisfies it through mongoCollection; tests may
// substitute fakes.
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	UpdateMany(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) ([]string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) ([]string, error) {
	return v.view.CreateMany(ctx, models, opts...)
}

// decodeAll drains a cursor into out via the convert callback.
func decodeAll[D any, T any](ctx context.Context, cur cursor, convert func(D) (T, error)) ([]T, error) {
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []T
	for cur.Next(ctx) {
		var doc D
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		item, err := convert(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
