package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"k8s.io/utils/clock"

	"github.com/petrijr/durable/pkg/api"
)

// MongoStore is a Store backed by MongoDB.
//
// Event ids are protected by a unique index on (workflow_id, run_id,
// event_id), so of two writers appending at the same position only the
// first insert succeeds. Appends use ordered inserts and do not require a
// replica set.
type MongoStore struct {
	clock clock.PassiveClock

	events    *mongo.Collection
	current   *mongo.Collection
	snapshots *mongo.Collection
	keys      *mongo.Collection
	leases    *mongo.Collection
}

// Ensure it implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store and its indexes.
// dbName defaults to "durable" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (*MongoStore, error) {
	if dbName == "" {
		dbName = "durable"
	}
	o := applyOptions(opts)
	db := client.Database(dbName)
	s := &MongoStore{
		clock:     o.clock,
		events:    db.Collection("history_events"),
		current:   db.Collection("current_runs"),
		snapshots: db.Collection("snapshots"),
		keys:      db.Collection("idempotency_keys"),
		leases:    db.Collection("leases"),
	}
	if err := s.initIndexes(ctx); err != nil {
		return nil, storageErr("init_indexes", api.StorageErrConnection, err)
	}
	return s, nil
}

func (s *MongoStore) initIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "run_id", Value: 1}, {Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = s.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}},
	})
	return err
}

type mongoEventDoc struct {
	WorkflowID string `bson:"workflow_id"`
	RunID      string `bson:"run_id"`
	EventID    int64  `bson:"event_id"`
	EventType  string `bson:"event_type"`
	Data       string `bson:"data"`
}

type mongoSnapshotDoc struct {
	ID           string `bson:"_id"`
	WorkflowID   string `bson:"workflow_id"`
	RunID        string `bson:"run_id"`
	WorkflowType string `bson:"workflow_type"`
	TaskQueue    string `bson:"task_queue"`
	Status       string `bson:"status"`
	StartedAt    int64  `bson:"started_at"`
	Data         string `bson:"data"`
}

func (s *MongoStore) eventDocs(exec api.WorkflowExecution, events []api.WorkflowEvent) ([]any, error) {
	docs := make([]any, 0, len(events))
	for _, ev := range events {
		data, err := encodeEvent(ev)
		if err != nil {
			return nil, err
		}
		docs = append(docs, mongoEventDoc{
			WorkflowID: exec.WorkflowID,
			RunID:      exec.RunID,
			EventID:    int64(ev.ID),
			EventType:  string(ev.Type),
			Data:       string(data),
		})
	}
	return docs, nil
}

func (s *MongoStore) SaveWorkflowExecution(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	const op = "save_workflow_execution"
	if err := api.ValidateSequence(0, false, events); err != nil {
		return classify(op, err)
	}
	docs, err := s.eventDocs(exec, events)
	if err != nil {
		return err
	}
	if len(docs) > 0 {
		if _, err := s.events.InsertMany(ctx, docs); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return classify(op, ErrAlreadyExists)
			}
			return classify(op, err)
		}
	}
	_, err = s.current.UpdateByID(ctx, exec.WorkflowID,
		bson.M{"$set": bson.M{"run_id": exec.RunID}},
		options.Update().SetUpsert(true),
	)
	return classify(op, err)
}

func (s *MongoStore) LoadWorkflowExecution(ctx context.Context, workflowID api.WorkflowID) (api.WorkflowExecution, []api.WorkflowEvent, error) {
	runID, err := s.currentRun(ctx, workflowID)
	if err != nil {
		return api.WorkflowExecution{}, nil, classify("load_workflow_execution", err)
	}
	exec := api.WorkflowExecution{WorkflowID: workflowID, RunID: runID}
	events, err := s.LoadHistory(ctx, exec)
	if err != nil {
		return api.WorkflowExecution{}, nil, err
	}
	return exec, events, nil
}

func (s *MongoStore) currentRun(ctx context.Context, workflowID api.WorkflowID) (api.RunID, error) {
	var doc struct {
		RunID string `bson:"run_id"`
	}
	err := s.current.FindOne(ctx, bson.M{"_id": workflowID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	return doc.RunID, err
}

func (s *MongoStore) LoadHistory(ctx context.Context, exec api.WorkflowExecution) ([]api.WorkflowEvent, error) {
	const op = "load_history"
	cur, err := s.events.Find(ctx,
		bson.M{"workflow_id": exec.WorkflowID, "run_id": exec.RunID},
		options.Find().SetSort(bson.D{{Key: "event_id", Value: 1}}),
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer cur.Close(ctx)

	var out []api.WorkflowEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, storageErr(op, api.StorageErrSerialization, err)
		}
		ev, err := decodeEvent([]byte(doc.Data))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, classify(op, err)
	}
	if len(out) == 0 {
		return nil, classify(op, ErrNotFound)
	}
	return out, nil
}

func (s *MongoStore) AppendEvents(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	const op = "append_events"

	var last mongoEventDoc
	err := s.events.FindOne(ctx,
		bson.M{"workflow_id": exec.WorkflowID, "run_id": exec.RunID},
		options.FindOne().SetSort(bson.D{{Key: "event_id", Value: -1}}),
	).Decode(&last)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return classify(op, ErrNotFound)
	}
	if err != nil {
		return classify(op, err)
	}

	closed := api.EventType(last.EventType).IsTerminal()
	if err := checkAppend(api.EventID(last.EventID+1), closed, events); err != nil {
		return classify(op, err)
	}
	if len(events) == 0 {
		return nil
	}

	docs, err := s.eventDocs(exec, events)
	if err != nil {
		return err
	}
	if _, err := s.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return classify(op, ErrConflict)
		}
		return classify(op, err)
	}
	return nil
}

func (s *MongoStore) SaveState(ctx context.Context, snap api.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	doc := mongoSnapshotDoc{
		ID:           snapshotField(snap.Execution),
		WorkflowID:   snap.Execution.WorkflowID,
		RunID:        snap.Execution.RunID,
		WorkflowType: snap.WorkflowType,
		TaskQueue:    snap.TaskQueue,
		Status:       string(snap.Status),
		StartedAt:    snap.StartedAt.UnixNano(),
		Data:         string(data),
	}
	_, err = s.snapshots.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return classify("save_state", err)
}

func (s *MongoStore) LoadState(ctx context.Context, workflowID api.WorkflowID) (*api.Snapshot, error) {
	runID, err := s.currentRun(ctx, workflowID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load_state", err)
	}
	return s.LoadRunState(ctx, api.WorkflowExecution{WorkflowID: workflowID, RunID: runID})
}

func (s *MongoStore) LoadRunState(ctx context.Context, exec api.WorkflowExecution) (*api.Snapshot, error) {
	var doc mongoSnapshotDoc
	err := s.snapshots.FindOne(ctx, bson.M{"_id": snapshotField(exec)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load_state", err)
	}
	return decodeSnapshot([]byte(doc.Data))
}

func (s *MongoStore) ListStates(ctx context.Context, filter StateFilter) ([]api.Snapshot, error) {
	const op = "list_states"
	bfilter := bson.M{}
	if filter.WorkflowType != "" {
		bfilter["workflow_type"] = filter.WorkflowType
	}
	if filter.TaskQueue != "" {
		bfilter["task_queue"] = filter.TaskQueue
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	cur, err := s.snapshots.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, classify(op, err)
	}
	defer cur.Close(ctx)

	var out []api.Snapshot
	for cur.Next(ctx) {
		var doc mongoSnapshotDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, storageErr(op, api.StorageErrSerialization, err)
		}
		snap, err := decodeSnapshot([]byte(doc.Data))
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, classify(op, cur.Err())
}

func (s *MongoStore) PutIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	const op = "put_idempotency_key"
	now := s.clock.Now()

	// Expired records are removed first so the insert below can take the key.
	_, err := s.keys.DeleteOne(ctx, bson.M{"_id": key, "expires_at": bson.M{"$lte": now.UnixNano()}})
	if err != nil {
		return false, classify(op, err)
	}
	_, err = s.keys.InsertOne(ctx, bson.M{"_id": key, "expires_at": now.Add(ttl).UnixNano()})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, classify(op, err)
	}
	return true, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	filter := bson.M{
		"_id": workflowID,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl).UnixNano()}}

	_, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// The document exists and is held by someone else.
		return false, nil
	}
	if err != nil {
		return false, classify("try_acquire_lease", err)
	}
	return true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) error {
	now := s.clock.Now()
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": workflowID, "owner": owner, "expires_at": bson.M{"$gt": now.UnixNano()}},
		bson.M{"$set": bson.M{"expires_at": now.Add(ttl).UnixNano()}},
	)
	if err != nil {
		return classify("renew_lease", err)
	}
	if res.MatchedCount == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, workflowID api.WorkflowID, owner string) error {
	_, err := s.leases.DeleteOne(ctx, bson.M{"_id": workflowID, "owner": owner})
	return classify("release_lease", err)
}
