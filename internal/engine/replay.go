package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/petrijr/dauro/pkg/api"
)

// replayState is the journal snapshot one replay pass runs against. Every
// scope and branch of the pass shares it; branch goroutines hit it
// concurrently.
type replayState struct {
	mu  sync.Mutex
	ops map[string]*api.Operation

	// issued tracks the paths the current pass has already handed out. A
	// second claim of the same path means the workflow used one name twice
	// in the same scope.
	issued map[string]bool
}

func newReplayState(ops []api.Operation) *replayState {
	m := make(map[string]*api.Operation, len(ops))
	for i := range ops {
		op := ops[i]
		m[op.Path] = &op
	}
	return &replayState{
		ops:    m,
		issued: make(map[string]bool),
	}
}

// issue claims a path for the current pass and returns a copy of its
// journaled operation, nil if the path is new. A duplicate claim, or a
// journaled kind that does not match what the code asked for, is replay
// divergence and fails the execution.
func (r *replayState) issue(path string, kind api.OperationKind) (*api.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.issued[path] {
		return nil, &api.DivergenceError{Path: path, Reason: "operation name used twice in the same scope"}
	}
	r.issued[path] = true

	op, ok := r.ops[path]
	if !ok {
		return nil, nil
	}
	if op.Kind != kind {
		return nil, &api.DivergenceError{
			Path:   path,
			Reason: fmt.Sprintf("journal recorded %s, workflow code issued %s", op.Kind, kind),
		}
	}
	cp := *op
	return &cp, nil
}

func (r *replayState) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops) == 0
}

// joinPath nests a name under a scope prefix.
func joinPath(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "/" + name
}

// validateName rejects names that cannot serve as path segments.
func validateName(name string) error {
	if name == "" {
		return errors.New("operation name must not be empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("operation name %q must not contain '/'", name)
	}
	return nil
}
