package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/dauro/pkg/api"
)

// workflowRegistry holds registered definitions keyed by name and version.
type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]map[string]api.WorkflowDefinition

	// latest remembers the most recently registered version per name, the
	// one an empty version string resolves to.
	latest map[string]string
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]map[string]api.WorkflowDefinition),
		latest: make(map[string]string),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	if def.Version == "" {
		def.Version = "1"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[def.Name]
	if versions == nil {
		versions = make(map[string]api.WorkflowDefinition)
		r.byName[def.Name] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return fmt.Errorf("workflow %q version %q: %w", def.Name, def.Version, api.ErrDuplicateWorkflow)
	}

	versions[def.Version] = def
	r.latest[def.Name] = def.Version
	return nil
}

// Get resolves a definition. An empty version selects the most recently
// registered one.
func (r *workflowRegistry) Get(name, version string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	if len(versions) == 0 {
		return api.WorkflowDefinition{}, fmt.Errorf("workflow %q: %w", name, api.ErrWorkflowNotFound)
	}
	if version == "" {
		version = r.latest[name]
	}
	def, ok := versions[version]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("workflow %q version %q: %w", name, version, api.ErrWorkflowNotFound)
	}
	return def, nil
}
