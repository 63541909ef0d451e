// Package mongostore implements store.Store over a MongoDB collection.
// Commands are documents keyed by id; a counters document hands out the
// seq used to break created_at ties.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"devdispatch/internal/store"
	"devdispatch/internal/types"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Config represents the MongoDB store configuration
type Config struct {
	URI            string
	Database       string
	Collection     string
	Transactions   bool // requires a replica set
	ConnectTimeout time.Duration
}

// document is the stored form of a command
type document struct {
	ID             string  `bson:"_id"`
	Seq            int64   `bson:"seq"`
	DeviceID       string  `bson:"device_id"`
	Type           string  `bson:"command_type"`
	Params         *string `bson:"params,omitempty"`
	Status         string  `bson:"status"`
	CreatedAt      int64   `bson:"created_at"`
	LeasedAt       *int64  `bson:"leased_at,omitempty"`
	LeaseExpiresAt *int64  `bson:"lease_expires_at,omitempty"`
	CompletedAt    *int64  `bson:"completed_at,omitempty"`
	Output         *string `bson:"output,omitempty"`
	TTLSeconds     *int    `bson:"ttl_seconds,omitempty"`
	ExpiresAt      *int64  `bson:"expires_at,omitempty"`
}

// Store is the MongoDB command store
type Store struct {
	client       *mongo.Client
	commands     *mongo.Collection
	counters     *mongo.Collection
	transactions bool
	session      mongo.Session // set on transaction-bound views
	ownsClient   bool
	logger       *zap.Logger
}

// _ implements store.Store
var _ store.Store = (*Store)(nil)

// New connects to MongoDB and prepares the collection indexes
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s, err := NewWithClient(ctx, client, cfg, logger)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// NewWithClient creates a store over an existing client
func NewWithClient(ctx context.Context, client *mongo.Client, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = "devdispatch"
	}
	if cfg.Collection == "" {
		cfg.Collection = "commands"
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:       client,
		commands:     db.Collection(cfg.Collection),
		counters:     db.Collection(cfg.Collection + "_counters"),
		transactions: cfg.Transactions,
		logger:       logger,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.commands.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "lease_expires_at", Value: 1}}},
	})
	return err
}

// ctx binds the caller's context to the transaction session, if any
func (s *Store) ctx(ctx context.Context) context.Context {
	if s.session == nil {
		return ctx
	}
	return mongo.NewSessionContext(ctx, s.session)
}

// Insert persists a new PENDING command
func (s *Store) Insert(ctx context.Context, cmd *types.Command) (string, error) {
	if cmd == nil {
		return "", types.StoreFailure("insert", errors.New("nil command"))
	}
	ctx = s.ctx(ctx)

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return "", types.StoreFailure("insert", err)
	}

	doc := document{
		ID:         cmd.ID,
		Seq:        seq,
		DeviceID:   cmd.DeviceID,
		Type:       string(cmd.Type),
		Params:     rawString(cmd.Params),
		Status:     string(types.CommandStatusPending),
		CreatedAt:  cmd.CreatedAt.UnixMilli(),
		TTLSeconds: cmd.TTLSeconds,
		ExpiresAt:  millis(cmd.ExpiresAt),
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}

	if _, err := s.commands.InsertOne(ctx, doc); err != nil {
		return "", types.StoreFailure("insert", err)
	}
	return doc.ID, nil
}

// nextSeq increments the per-collection insertion counter
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": s.commands.Name()},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

// FindByID returns a command by id
func (s *Store) FindByID(ctx context.Context, id string) (*types.Command, error) {
	var doc document
	err := s.commands.FindOne(s.ctx(ctx), bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NotFound("command %s not found", id)
	}
	if err != nil {
		return nil, types.StoreFailure("find by id", err)
	}
	return doc.command(), nil
}

// FindOldestEligible returns the oldest eligible PENDING command for a device
func (s *Store) FindOldestEligible(ctx context.Context, deviceID string, now time.Time) (*types.Command, error) {
	filter := bson.M{
		"device_id": deviceID,
		"status":    string(types.CommandStatusPending),
		"$or": bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": now.UnixMilli()}},
		},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}})

	var doc document
	err := s.commands.FindOne(s.ctx(ctx), filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, types.StoreFailure("find oldest eligible", err)
	}
	return doc.command(), nil
}

// CompareAndSetStatus transitions a command if its status matches expected
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next types.CommandStatus, fields store.Fields) (bool, error) {
	set := bson.M{"status": string(next)}
	unset := bson.M{}

	if fields.ClearLease {
		if fields.LeasedAt == nil {
			unset["leased_at"] = ""
		}
		if fields.LeaseExpiresAt == nil {
			unset["lease_expires_at"] = ""
		}
	}
	if fields.LeasedAt != nil {
		set["leased_at"] = fields.LeasedAt.UnixMilli()
	}
	if fields.LeaseExpiresAt != nil {
		set["lease_expires_at"] = fields.LeaseExpiresAt.UnixMilli()
	}
	if fields.CompletedAt != nil {
		set["completed_at"] = fields.CompletedAt.UnixMilli()
	}
	if fields.Output != nil {
		set["output"] = string(fields.Output)
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	result, err := s.commands.UpdateOne(s.ctx(ctx), bson.M{"_id": id, "status": string(expected)}, update)
	if err != nil {
		return false, types.StoreFailure("compare and set status", err)
	}
	return result.MatchedCount == 1, nil
}

// BulkExpireByTTL expires non-terminal commands past their TTL
func (s *Store) BulkExpireByTTL(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"status":     bson.M{"$in": bson.A{string(types.CommandStatusPending), string(types.CommandStatusLeased)}},
		"expires_at": bson.M{"$ne": nil, "$lte": now.UnixMilli()},
	}
	update := bson.M{
		"$set":   bson.M{"status": string(types.CommandStatusExpired)},
		"$unset": bson.M{"leased_at": "", "lease_expires_at": ""},
	}
	return s.updateMany(ctx, "bulk expire by ttl", filter, update)
}

// BulkReleaseExpiredLeases returns lapsed leases to PENDING
func (s *Store) BulkReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	ms := now.UnixMilli()
	filter := bson.M{
		"status":           string(types.CommandStatusLeased),
		"lease_expires_at": bson.M{"$lte": ms},
		"$or": bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": ms}},
		},
	}
	update := bson.M{
		"$set":   bson.M{"status": string(types.CommandStatusPending)},
		"$unset": bson.M{"leased_at": "", "lease_expires_at": ""},
	}
	return s.updateMany(ctx, "bulk release expired leases", filter, update)
}

func (s *Store) updateMany(ctx context.Context, op string, filter, update bson.M) (int64, error) {
	result, err := s.commands.UpdateMany(s.ctx(ctx), filter, update)
	if err != nil {
		return 0, types.StoreFailure(op, err)
	}
	if result.ModifiedCount > 0 {
		s.logger.Debug("Swept commands", zap.String("op", op), zap.Int64("count", result.ModifiedCount))
	}
	return result.ModifiedCount, nil
}

// WithTx runs fn inside a multi-document transaction when transactions are
// enabled. Otherwise fn runs directly and each operation is atomic on its
// own; the status CAS still admits a single winner.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.session != nil || !s.transactions {
		return fn(s)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return types.StoreFailure("start session", err)
	}
	defer session.EndSession(context.Background())

	var fnErr error
	_, err = session.WithTransaction(ctx, func(mongo.SessionContext) (interface{}, error) {
		tx := *s
		tx.session = session
		fnErr = fn(&tx)
		return nil, fnErr
	})
	if err != nil && fnErr == nil {
		return types.StoreFailure("transaction", err)
	}
	return err
}

// Ping checks MongoDB is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return types.StoreFailure("ping", err)
	}
	return nil
}

// Close disconnects the client when the store created it
func (s *Store) Close() error {
	if !s.ownsClient || s.session != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes the command and counter collections
func (s *Store) Drop(ctx context.Context) error {
	if err := s.commands.Drop(ctx); err != nil {
		return err
	}
	return s.counters.Drop(ctx)
}

func (d *document) command() *types.Command {
	cmd := &types.Command{
		ID:             d.ID,
		DeviceID:       d.DeviceID,
		Type:           types.CommandType(d.Type),
		Status:         types.CommandStatus(d.Status),
		CreatedAt:      time.UnixMilli(d.CreatedAt).UTC(),
		LeasedAt:       fromMillis(d.LeasedAt),
		LeaseExpiresAt: fromMillis(d.LeaseExpiresAt),
		CompletedAt:    fromMillis(d.CompletedAt),
		ExpiresAt:      fromMillis(d.ExpiresAt),
	}
	if d.Params != nil {
		cmd.Params = json.RawMessage(*d.Params)
	}
	if d.Output != nil {
		cmd.Output = json.RawMessage(*d.Output)
	}
	if d.TTLSeconds != nil {
		ttl := *d.TTLSeconds
		cmd.TTLSeconds = &ttl
	}
	return cmd
}

func millis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func rawString(b json.RawMessage) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}
