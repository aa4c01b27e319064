package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/durable/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>hist:<workflow>:<run>  => LIST of JSON events, index == event id
//	<prefix>current:<workflow>     => current run id
//	<prefix>snapshots              => HASH of <workflow>/<run> => JSON snapshot
//	<prefix>idem:<key>             => idempotency marker with TTL
//	<prefix>lease:<workflow>       => lease owner with TTL
//
// Appends are optimistic WATCH/MULTI transactions on the history list.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "durable:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "durable:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyHistory(exec api.WorkflowExecution) string {
	return s.prefix + "hist:" + exec.WorkflowID + ":" + exec.RunID
}

func (s *RedisStore) keyCurrent(workflowID api.WorkflowID) string {
	return s.prefix + "current:" + workflowID
}

func (s *RedisStore) keySnapshots() string {
	return s.prefix + "snapshots"
}

func (s *RedisStore) keyIdempotency(key string) string {
	return s.prefix + "idem:" + key
}

func (s *RedisStore) keyLease(workflowID api.WorkflowID) string {
	return s.prefix + "lease:" + workflowID
}

func snapshotField(exec api.WorkflowExecution) string {
	return exec.WorkflowID + "/" + exec.RunID
}

func encodeEventValues(events []api.WorkflowEvent) ([]any, error) {
	vals := make([]any, 0, len(events))
	for _, ev := range events {
		b, err := encodeEvent(ev)
		if err != nil {
			return nil, err
		}
		vals = append(vals, b)
	}
	return vals, nil
}

func (s *RedisStore) SaveWorkflowExecution(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	const op = "save_workflow_execution"
	if err := api.ValidateSequence(0, false, events); err != nil {
		return classify(op, err)
	}
	vals, err := encodeEventValues(events)
	if err != nil {
		return err
	}

	key := s.keyHistory(exec)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(vals) > 0 {
				pipe.RPush(ctx, key, vals...)
			}
			pipe.Set(ctx, s.keyCurrent(exec.WorkflowID), exec.RunID, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return classify(op, ErrAlreadyExists)
	}
	return classify(op, err)
}

func (s *RedisStore) LoadWorkflowExecution(ctx context.Context, workflowID api.WorkflowID) (api.WorkflowExecution, []api.WorkflowEvent, error) {
	runID, err := s.client.Get(ctx, s.keyCurrent(workflowID)).Result()
	if errors.Is(err, redis.Nil) {
		return api.WorkflowExecution{}, nil, classify("load_workflow_execution", ErrNotFound)
	}
	if err != nil {
		return api.WorkflowExecution{}, nil, storageErr("load_workflow_execution", api.StorageErrConnection, err)
	}
	exec := api.WorkflowExecution{WorkflowID: workflowID, RunID: runID}
	events, err := s.LoadHistory(ctx, exec)
	if err != nil {
		return api.WorkflowExecution{}, nil, err
	}
	return exec, events, nil
}

func (s *RedisStore) LoadHistory(ctx context.Context, exec api.WorkflowExecution) ([]api.WorkflowEvent, error) {
	raw, err := s.client.LRange(ctx, s.keyHistory(exec), 0, -1).Result()
	if err != nil {
		return nil, storageErr("load_history", api.StorageErrConnection, err)
	}
	if len(raw) == 0 {
		return nil, classify("load_history", ErrNotFound)
	}
	out := make([]api.WorkflowEvent, 0, len(raw))
	for _, r := range raw {
		ev, err := decodeEvent([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) AppendEvents(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	const op = "append_events"
	vals, err := encodeEventValues(events)
	if err != nil {
		return err
	}

	key := s.keyHistory(exec)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		last, err := tx.LIndex(ctx, key, -1).Bytes()
		if err != nil {
			return err
		}
		lastEv, err := decodeEvent(last)
		if err != nil {
			return err
		}
		if err := checkAppend(api.EventID(n), lastEv.Type.IsTerminal(), events); err != nil {
			return err
		}
		if len(vals) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, vals...)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return classify(op, ErrConflict)
	}
	return classify(op, err)
}

func (s *RedisStore) SaveState(ctx context.Context, snap api.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	err = s.client.HSet(ctx, s.keySnapshots(), snapshotField(snap.Execution), data).Err()
	return classify("save_state", err)
}

func (s *RedisStore) LoadState(ctx context.Context, workflowID api.WorkflowID) (*api.Snapshot, error) {
	runID, err := s.client.Get(ctx, s.keyCurrent(workflowID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load_state", err)
	}
	return s.LoadRunState(ctx, api.WorkflowExecution{WorkflowID: workflowID, RunID: runID})
}

func (s *RedisStore) LoadRunState(ctx context.Context, exec api.WorkflowExecution) (*api.Snapshot, error) {
	data, err := s.client.HGet(ctx, s.keySnapshots(), snapshotField(exec)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load_state", err)
	}
	return decodeSnapshot(data)
}

func (s *RedisStore) ListStates(ctx context.Context, filter StateFilter) ([]api.Snapshot, error) {
	all, err := s.client.HGetAll(ctx, s.keySnapshots()).Result()
	if err != nil {
		return nil, classify("list_states", err)
	}

	var out []api.Snapshot
	for _, data := range all {
		snap, err := decodeSnapshot([]byte(data))
		if err != nil {
			return nil, err
		}
		if filter.matches(snap) {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// PutIdempotencyKey relies on Redis key expiry, so the TTL is measured by
// the server clock.
func (s *RedisStore) PutIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyIdempotency(key), 1, ttl).Result()
	if err != nil {
		return false, classify("put_idempotency_key", err)
	}
	return ok, nil
}

const (
	// Lua script for acquiring a lease. Returns 1 if acquired, 0 otherwise.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

func (s *RedisStore) TryAcquireLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	n, err := s.client.Eval(ctx, redisLeaseAcquireLua, []string{s.keyLease(workflowID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, classify("try_acquire_lease", err)
	}
	return n == 1, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	n, err := s.client.Eval(ctx, redisLeaseRenewLua, []string{s.keyLease(workflowID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return classify("renew_lease", err)
	}
	if n != 1 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, workflowID api.WorkflowID, owner string) error {
	err := s.client.Eval(ctx, redisLeaseReleaseLua, []string{s.keyLease(workflowID)}, owner).Err()
	return classify("release_lease", err)
}
