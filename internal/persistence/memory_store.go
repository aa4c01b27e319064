package persistence

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/petrijr/durable/pkg/api"
)

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryStore is a simple, goroutine-safe Store backed by maps. It is
// used by tests and by the local runner.
type InMemoryStore struct {
	clock clock.PassiveClock

	mu        sync.RWMutex
	histories map[api.WorkflowExecution][]api.WorkflowEvent
	current   map[api.WorkflowID]api.RunID
	snapshots map[api.WorkflowExecution]api.Snapshot
	keys      map[string]time.Time
	leases    map[api.WorkflowID]memoryLease
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	o := applyOptions(opts)
	return &InMemoryStore{
		clock:     o.clock,
		histories: make(map[api.WorkflowExecution][]api.WorkflowEvent),
		current:   make(map[api.WorkflowID]api.RunID),
		snapshots: make(map[api.WorkflowExecution]api.Snapshot),
		keys:      make(map[string]time.Time),
		leases:    make(map[api.WorkflowID]memoryLease),
	}
}

func (s *InMemoryStore) SaveWorkflowExecution(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	if err := api.ValidateSequence(0, false, events); err != nil {
		return classify("save_workflow_execution", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.histories[exec]; ok {
		return classify("save_workflow_execution", ErrAlreadyExists)
	}
	s.histories[exec] = cloneEvents(events)
	s.current[exec.WorkflowID] = exec.RunID
	return nil
}

func (s *InMemoryStore) LoadWorkflowExecution(ctx context.Context, workflowID api.WorkflowID) (api.WorkflowExecution, []api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.current[workflowID]
	if !ok {
		return api.WorkflowExecution{}, nil, classify("load_workflow_execution", ErrNotFound)
	}
	exec := api.WorkflowExecution{WorkflowID: workflowID, RunID: runID}
	return exec, cloneEvents(s.histories[exec]), nil
}

func (s *InMemoryStore) LoadHistory(ctx context.Context, exec api.WorkflowExecution) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.histories[exec]
	if !ok {
		return nil, classify("load_history", ErrNotFound)
	}
	return cloneEvents(events), nil
}

func (s *InMemoryStore) AppendEvents(ctx context.Context, exec api.WorkflowExecution, events []api.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.histories[exec]
	if !ok {
		return classify("append_events", ErrNotFound)
	}
	closed := len(stored) > 0 && stored[len(stored)-1].Type.IsTerminal()
	if err := checkAppend(api.EventID(len(stored)), closed, events); err != nil {
		return classify("append_events", err)
	}
	s.histories[exec] = append(stored, events...)
	return nil
}

func (s *InMemoryStore) SaveState(ctx context.Context, snap api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.QueryResults = maps.Clone(snap.QueryResults)
	s.snapshots[snap.Execution] = snap
	return nil
}

func (s *InMemoryStore) LoadState(ctx context.Context, workflowID api.WorkflowID) (*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.current[workflowID]
	if !ok {
		return nil, nil
	}
	return s.loadRunLocked(api.WorkflowExecution{WorkflowID: workflowID, RunID: runID}), nil
}

func (s *InMemoryStore) LoadRunState(ctx context.Context, exec api.WorkflowExecution) (*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadRunLocked(exec), nil
}

func (s *InMemoryStore) loadRunLocked(exec api.WorkflowExecution) *api.Snapshot {
	snap, ok := s.snapshots[exec]
	if !ok {
		return nil
	}
	snap.QueryResults = maps.Clone(snap.QueryResults)
	return &snap
}

func (s *InMemoryStore) ListStates(ctx context.Context, filter StateFilter) ([]api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.Snapshot
	for _, snap := range s.snapshots {
		if !filter.matches(&snap) {
			continue
		}
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (s *InMemoryStore) PutIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if expiresAt, ok := s.keys[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.keys[key] = now.Add(ttl)
	return true, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if l, ok := s.leases[workflowID]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[workflowID] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, workflowID api.WorkflowID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	l, ok := s.leases[workflowID]
	if !ok || l.owner != owner || !now.Before(l.expiresAt) {
		return ErrLeaseNotHeld
	}
	l.expiresAt = now.Add(ttl)
	s.leases[workflowID] = l
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, workflowID api.WorkflowID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[workflowID]; ok && l.owner == owner {
		delete(s.leases, workflowID)
	}
	return nil
}
