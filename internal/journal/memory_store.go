package journal

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/dauro/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by maps. It is the default
// for tests and the LocalRunner; nothing survives a process restart.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*api.Execution
	ops        map[string][]*api.Operation // executionID -> append order
	opIndex    map[string]map[string]*api.Operation
	tokens     map[string]*api.CallbackToken
	leases     map[string]memoryLease
	seq        int64

	// now is overridable so lease expiry can be tested without sleeping.
	now func() time.Time
}

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*api.Execution),
		ops:        make(map[string][]*api.Operation),
		opIndex:    make(map[string]map[string]*api.Operation),
		tokens:     make(map[string]*api.CallbackToken),
		leases:     make(map[string]memoryLease),
		now:        time.Now,
	}
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

func copyExecution(e *api.Execution) *api.Execution {
	c := *e
	if e.Failure != nil {
		f := *e.Failure
		c.Failure = &f
	}
	return &c
}

func copyOperation(o *api.Operation) *api.Operation {
	c := *o
	if o.Failure != nil {
		f := *o.Failure
		c.Failure = &f
	}
	return &c
}

func copyToken(t *api.CallbackToken) *api.CallbackToken {
	c := *t
	return &c
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return ErrExecutionExists
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return copyExecution(exec), nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter Filter) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, exec := range s.executions {
		if filter.Workflow != "" && exec.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		result = append(result, copyExecution(exec))
	}
	return result, nil
}

func (s *MemoryStore) AppendOperation(ctx context.Context, executionID string, op *api.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPath := s.opIndex[executionID]
	if byPath == nil {
		byPath = make(map[string]*api.Operation)
		s.opIndex[executionID] = byPath
	}
	if _, ok := byPath[op.Path]; ok {
		return ErrDuplicateOperation
	}

	s.seq++
	op.Seq = s.seq
	stored := copyOperation(op)
	byPath[op.Path] = stored
	s.ops[executionID] = append(s.ops[executionID], stored)
	return nil
}

func (s *MemoryStore) UpdateOperation(ctx context.Context, executionID string, op *api.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPath := s.opIndex[executionID]
	existing, ok := byPath[op.Path]
	if !ok {
		return ErrOperationNotFound
	}
	if existing.Terminal() {
		// Duplicate terminal checkpoint; at-least-once writes end up here.
		return nil
	}

	op.Seq = existing.Seq
	updated := copyOperation(op)
	*existing = *updated
	return nil
}

func (s *MemoryStore) GetOperation(ctx context.Context, executionID, path string) (*api.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.opIndex[executionID][path]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return copyOperation(op), nil
}

func (s *MemoryStore) ListOperations(ctx context.Context, executionID string) ([]api.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.ops[executionID]
	result := make([]api.Operation, 0, len(list))
	for _, op := range list {
		result = append(result, *copyOperation(op))
	}
	return result, nil
}

func (s *MemoryStore) CreateToken(ctx context.Context, tok *api.CallbackToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[tok.ID] = copyToken(tok)
	return nil
}

func (s *MemoryStore) GetToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return copyToken(tok), nil
}

func (s *MemoryStore) UpdateToken(ctx context.Context, tok *api.CallbackToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tokens[tok.ID]
	if !ok {
		return ErrTokenNotFound
	}
	if existing.Resolved {
		return ErrTokenResolved
	}
	s.tokens[tok.ID] = copyToken(tok)
	return nil
}

func (s *MemoryStore) ResolveToken(ctx context.Context, id string) (*api.CallbackToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if existing.Resolved {
		return nil, ErrTokenResolved
	}
	claimed := copyToken(existing)
	existing.Resolved = true
	return claimed, nil
}

func (s *MemoryStore) ListExecutionTokens(ctx context.Context, executionID string) ([]*api.CallbackToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.CallbackToken
	for _, tok := range s.tokens {
		if tok.ExecutionID == executionID {
			result = append(result, copyToken(tok))
		}
	}
	return result, nil
}

func (s *MemoryStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	lease, ok := s.leases[executionID]
	if ok && lease.owner != owner && lease.expiresAt.After(now) {
		return false, nil
	}
	s.leases[executionID] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[executionID]
	if !ok || lease.owner != owner {
		return ErrLeaseNotHeld
	}
	lease.expiresAt = s.now().Add(ttl)
	s.leases[executionID] = lease
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[executionID]
	if ok && lease.owner == owner {
		delete(s.leases, executionID)
	}
	return nil
}
