package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// activeStatuses are the non-terminal statuses.
var activeStatuses = []Status{StatusPending, StatusDelegated, StatusEscalated}

// MongoStore keeps one document per approval request. Writes are guarded by
// the document's version field: a replace only matches when the version is
// still the one that was read.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps a collection.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the indexes used by expiry sweeps and pending lookups.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "approval_chain.approver_id", Value: 1}}},
		{Keys: bson.D{{Key: "approval_chain.delegated_to", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request indexes")
	}
	return nil
}

// Create inserts a new request at version 1.
func (s *MongoStore) Create(ctx context.Context, req *ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now

	if _, err := s.coll.InsertOne(ctx, req); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Newf(errors.ErrCodeConflict, "approval request %q already exists", req.ID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// Get retrieves a request by id.
func (s *MongoStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(req)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// Commit reads the request, applies mutate and replaces the document only if
// nobody else bumped the version in between.
func (s *MongoStore) Commit(
	ctx context.Context,
	id string,
	expectedVersion int64,
	mutate func(*ApprovalRequest) error,
) (*ApprovalRequest, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Version != expectedVersion {
		return nil, errors.Conflict("approval_request", id)
	}

	if err := mutate(req); err != nil {
		return nil, err
	}
	req.Version = expectedVersion + 1
	req.UpdatedAt = time.Now().UTC()

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id, "version": expectedVersion}, req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	if res.MatchedCount == 0 {
		return nil, errors.Conflict("approval_request", id)
	}
	return req, nil
}

// ListExpired returns ids of active requests whose deadline passed before the
// given instant.
func (s *MongoStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	filter := bson.M{
		"status":     bson.M{"$in": activeStatuses},
		"expires_at": bson.M{"$lt": before},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "expires_at", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expired approval requests")
	}
	defer cur.Close(ctx)

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode expired approval requests")
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// ListPendingFor returns active requests currently awaiting approverID.
func (s *MongoStore) ListPendingFor(ctx context.Context, approverID string) ([]*ApprovalRequest, error) {
	filter := bson.M{
		"status": bson.M{"$in": activeStatuses},
		"$or": bson.A{
			bson.M{"approval_chain.approver_id": approverID},
			bson.M{"approval_chain.delegated_to": approverID},
		},
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer cur.Close(ctx)

	var out []*ApprovalRequest
	for cur.Next(ctx) {
		req := &ApprovalRequest{}
		if err := cur.Decode(req); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode approval request")
		}
		// The filter matches any level; only the active one counts.
		if req.CanAct(approverID) {
			out = append(out, req)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	return out, nil
}
