package journal

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/dauro/pkg/api"
)

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	executions *mongo.Collection
	operations *mongo.Collection
	tokens     *mongo.Collection
	leases     *mongo.Collection
	counters   *mongo.Collection

	now func() time.Time
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed journal store and ensures the
// indexes it relies on. dbName defaults to "dauro" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "dauro"
	}
	db := client.Database(dbName)

	s := &MongoStore{
		executions: db.Collection("executions"),
		operations: db.Collection("operations"),
		tokens:     db.Collection("callback_tokens"),
		leases:     db.Collection("execution_leases"),
		counters:   db.Collection("counters"),
		now:        time.Now,
	}

	_, err := s.operations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "path", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "seq", Value: 1}},
		},
	})
	if err != nil {
		return nil, err
	}
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "execution_id", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

type mongoExecutionDoc struct {
	ID          string `bson:"_id"`
	Workflow    string `bson:"workflow"`
	Version     string `bson:"version"`
	Status      string `bson:"status"`
	Input       []byte `bson:"input,omitempty"`
	InputCodec  string `bson:"input_codec,omitempty"`
	Output      []byte `bson:"output,omitempty"`
	OutputCodec string `bson:"output_codec,omitempty"`
	Failure     string `bson:"failure,omitempty"`
	CreatedAt   int64  `bson:"created_at"`
	ResumedAt   int64  `bson:"resumed_at,omitempty"`
	UpdatedAt   int64  `bson:"updated_at"`
	Deadline    int64  `bson:"deadline,omitempty"`
}

func executionToDoc(exec *api.Execution) (*mongoExecutionDoc, error) {
	failure, err := failureToJSON(exec.Failure)
	if err != nil {
		return nil, err
	}
	return &mongoExecutionDoc{
		ID:          exec.ID,
		Workflow:    exec.Workflow,
		Version:     exec.Version,
		Status:      string(exec.Status),
		Input:       exec.Input,
		InputCodec:  exec.InputCodec,
		Output:      exec.Output,
		OutputCodec: exec.OutputCodec,
		Failure:     failure,
		CreatedAt:   nanos(exec.CreatedAt),
		ResumedAt:   nanos(exec.ResumedAt),
		UpdatedAt:   nanos(exec.UpdatedAt),
		Deadline:    nanos(exec.Deadline),
	}, nil
}

func executionFromDoc(doc *mongoExecutionDoc) (*api.Execution, error) {
	failure, err := failureFromJSON(doc.Failure)
	if err != nil {
		return nil, err
	}
	return &api.Execution{
		ID:          doc.ID,
		Workflow:    doc.Workflow,
		Version:     doc.Version,
		Status:      api.ExecutionStatus(doc.Status),
		Input:       doc.Input,
		InputCodec:  doc.InputCodec,
		Output:      doc.Output,
		OutputCodec: doc.OutputCodec,
		Failure:     failure,
		CreatedAt:   fromNanos(doc.CreatedAt),
		ResumedAt:   fromNanos(doc.ResumedAt),
		UpdatedAt:   fromNanos(doc.UpdatedAt),
		Deadline:    fromNanos(doc.Deadline),
	}, nil
}

func (s *MongoStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	doc, err := executionToDoc(exec)
	if err != nil {
		return err
	}
	_, err = s.executions.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrExecutionExists
	}
	return err
}

func (s *MongoStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	doc, err := executionToDoc(exec)
	if err != nil {
		return err
	}

	update := bson.M{
		"$set": bson.M{
			"workflow":     doc.Workflow,
			"version":      doc.Version,
			"status":       doc.Status,
			"input":        doc.Input,
			"input_codec":  doc.InputCodec,
			"output":       doc.Output,
			"output_codec": doc.OutputCodec,
			"failure":      doc.Failure,
			"resumed_at":   doc.ResumedAt,
			"updated_at":   doc.UpdatedAt,
			"deadline":     doc.Deadline,
		},
	}
	res, err := s.executions.UpdateByID(ctx, exec.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var doc mongoExecutionDoc
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return executionFromDoc(&doc)
}

func (s *MongoStore) ListExecutions(ctx context.Context, filter Filter) ([]*api.Execution, error) {
	bfilter := bson.M{}
	if filter.Workflow != "" {
		bfilter["workflow"] = filter.Workflow
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.executions.Find(ctx, bfilter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var executions []*api.Execution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		exec, err := executionFromDoc(&doc)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return executions, nil
}

type mongoOperationDoc struct {
	ExecutionID string `bson:"execution_id"`
	Path        string `bson:"path"`
	Kind        string `bson:"kind"`
	Status      string `bson:"status"`
	Seq         int64  `bson:"seq"`
	Attempt     int    `bson:"attempt"`
	Result      []byte `bson:"result,omitempty"`
	Codec       string `bson:"codec,omitempty"`
	Failure     string `bson:"failure,omitempty"`
	ScheduledAt int64  `bson:"scheduled_at,omitempty"`
	Token       string `bson:"token,omitempty"`
	StartedAt   int64  `bson:"started_at,omitempty"`
	UpdatedAt   int64  `bson:"updated_at,omitempty"`
}

func operationToDoc(executionID string, op *api.Operation) (*mongoOperationDoc, error) {
	failure, err := failureToJSON(op.Failure)
	if err != nil {
		return nil, err
	}
	return &mongoOperationDoc{
		ExecutionID: executionID,
		Path:        op.Path,
		Kind:        string(op.Kind),
		Status:      string(op.Status),
		Seq:         op.Seq,
		Attempt:     op.Attempt,
		Result:      op.Result,
		Codec:       op.Codec,
		Failure:     failure,
		ScheduledAt: nanos(op.ScheduledAt),
		Token:       op.Token,
		StartedAt:   nanos(op.StartedAt),
		UpdatedAt:   nanos(op.UpdatedAt),
	}, nil
}

func operationFromDoc(doc *mongoOperationDoc) (*api.Operation, error) {
	failure, err := failureFromJSON(doc.Failure)
	if err != nil {
		return nil, err
	}
	return &api.Operation{
		Path:        doc.Path,
		Kind:        api.OperationKind(doc.Kind),
		Status:      api.OperationStatus(doc.Status),
		Seq:         doc.Seq,
		Attempt:     doc.Attempt,
		Result:      doc.Result,
		Codec:       doc.Codec,
		Failure:     failure,
		ScheduledAt: fromNanos(doc.ScheduledAt),
		Token:       doc.Token,
		StartedAt:   fromNanos(doc.StartedAt),
		UpdatedAt:   fromNanos(doc.UpdatedAt),
	}, nil
}

// nextSeq increments the per-execution operation counter.
func (s *MongoStore) nextSeq(ctx context.Context, executionID string) (int64, error) {
	res := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "ops:" + executionID},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc struct {
		Value int64 `bson:"value"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Value, nil
}

func (s *MongoStore) AppendOperation(ctx context.Context, executionID string, op *api.Operation) error {
	seq, err := s.nextSeq(ctx, executionID)
	if err != nil {
		return err
	}
	op.Seq = seq

	doc, err := operationToDoc(executionID, op)
	if err != nil {
		return err
	}
	_, err = s.operations.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateOperation
	}
	return err
}

func (s *MongoStore) UpdateOperation(ctx context.Context, executionID string, op *api.Operation) error {
	doc, err := operationToDoc(executionID, op)
	if err != nil {
		return err
	}

	filter := bson.M{
		"execution_id": executionID,
		"path":         op.Path,
		"status":       bson.M{"$nin": bson.A{"SUCCEEDED", "FAILED"}},
	}
	update := bson.M{
		"$set": bson.M{
			"kind":         doc.Kind,
			"status":       doc.Status,
			"attempt":      doc.Attempt,
			"result":       doc.Result,
			"codec":        doc.Codec,
			"failure":      doc.Failure,
			"scheduled_at": doc.ScheduledAt,
			"token":        doc.Token,
			"started_at":   doc.StartedAt,
			"updated_at":   doc.UpdatedAt,
		},
	}
	res, err := s.operations.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Either the operation is terminal (the write is ignored) or it does
	// not exist at all.
	err = s.operations.FindOne(ctx, bson.M{"execution_id": executionID, "path": op.Path}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrOperationNotFound
	}
	return err
}

func (s *MongoStore) GetOperation(ctx context.Context, executionID, path string) (*api.Operation, error) {
	var doc mongoOperationDoc
	err := s.operations.FindOne(ctx, bson.M{"execution_id": executionID, "path": path}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return operationFromDoc(&doc)
}

func (s *MongoStore) ListOperations(ctx context.Context, executionID string) ([]api.Operation, error) {
	cur, err := s.operations.Find(ctx,
		bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var ops []api.Operation
	for cur.Next(ctx) {
		var doc mongoOperationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		op, err := operationFromDoc(&doc)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

type mongoTokenDoc struct {
	ID                string `bson:"_id"`
	ExecutionID       string `bson:"execution_id"`
	OperationPath     string `bson:"operation_path"`
	Deadline          int64  `bson:"deadline,omitempty"`
	HeartbeatDeadline int64  `bson:"heartbeat_deadline,omitempty"`
	HeartbeatInterval int64  `bson:"heartbeat_interval,omitempty"`
	Resolved          bool   `bson:"resolved"`
	CreatedAt         int64  `bson:"created_at"`
}

func tokenFromDoc(doc *mongoTokenDoc) *api.CallbackToken {
	return &api.CallbackToken{
		ID:                doc.ID,
		ExecutionID:       doc.ExecutionID,
		OperationPath:     doc.OperationPath,
		Deadline:          fromNanos(doc.Deadline),
		HeartbeatDeadline: fromNanos(doc.HeartbeatDeadline),
		HeartbeatInterval: time.Duration(doc.HeartbeatInterval),
		Resolved:          doc.Resolved,
		CreatedAt:         fromNanos(doc.CreatedAt),
	}
}

func (s *MongoStore) CreateToken(ctx context.Context, tok *api.CallbackToken) error {
	doc := mongoTokenDoc{
		ID:                tok.ID,
		ExecutionID:       tok.ExecutionID,
		OperationPath:     tok.OperationPath,
		Deadline:          nanos(tok.Deadline),
		HeartbeatDeadline: nanos(tok.HeartbeatDeadline),
		HeartbeatInterval: int64(tok.HeartbeatInterval),
		Resolved:          tok.Resolved,
		CreatedAt:         nanos(tok.CreatedAt),
	}
	_, err := s.tokens.InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) GetToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	var doc mongoTokenDoc
	err := s.tokens.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return tokenFromDoc(&doc), nil
}

func (s *MongoStore) UpdateToken(ctx context.Context, tok *api.CallbackToken) error {
	res, err := s.tokens.UpdateOne(ctx,
		bson.M{"_id": tok.ID, "resolved": false},
		bson.M{"$set": bson.M{
			"deadline":           nanos(tok.Deadline),
			"heartbeat_deadline": nanos(tok.HeartbeatDeadline),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	err = s.tokens.FindOne(ctx, bson.M{"_id": tok.ID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	return ErrTokenResolved
}

func (s *MongoStore) ResolveToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	res := s.tokens.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "resolved": false},
		bson.M{"$set": bson.M{"resolved": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	)

	var doc mongoTokenDoc
	err := res.Decode(&doc)
	if err == nil {
		return tokenFromDoc(&doc), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	err = s.tokens.FindOne(ctx, bson.M{"_id": id}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrTokenResolved
}

func (s *MongoStore) ListExecutionTokens(ctx context.Context, executionID string) ([]*api.CallbackToken, error) {
	cur, err := s.tokens.Find(ctx, bson.M{"execution_id": executionID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var tokens []*api.CallbackToken
	for cur.Next(ctx) {
		var doc mongoTokenDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		tokens = append(tokens, tokenFromDoc(&doc))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	filter := bson.M{
		"_id": executionID,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": nanos(now)}},
		},
	}
	update := bson.M{"$set": bson.M{
		"owner":      owner,
		"expires_at": nanos(now.Add(ttl)),
	}}

	res, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The lease exists and is held by someone else; the upsert raced
		// against the unique _id.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": executionID, "owner": owner},
		bson.M{"$set": bson.M{"expires_at": nanos(s.now().Add(ttl))}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.leases.DeleteOne(ctx, bson.M{"_id": executionID, "owner": owner})
	return err
}
