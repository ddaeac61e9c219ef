package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/caseflow/model"
)

// snapshot is an immutable collection of compiled definitions indexed by name.
type snapshot struct {
	workflows map[string]*Definition
	checksum  string
}

// Registry holds compiled workflow definitions. Registration happens at
// startup; reads go through an atomic pointer and never take a lock.
type Registry struct {
	snap      atomic.Pointer[snapshot]
	mu        sync.Mutex // serialises writers
	validator *Validator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{validator: NewValidator()}
	r.snap.Store(&snapshot{workflows: map[string]*Definition{}})
	return r
}

// Register validates def and stores it under its name. Registering the same
// definition twice is a no-op; registering a different definition under a
// name already in use fails so a running workflow's shape cannot be swapped.
func (r *Registry) Register(def model.WorkflowDefinition) error {
	compiled, err := r.validator.Compile(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if existing, ok := cur.workflows[compiled.Name()]; ok {
		if existing.Checksum() == compiled.Checksum() {
			return nil
		}
		return &model.Error{
			Code:    model.ErrCodeDefinition,
			Message: fmt.Sprintf("workflow %q is already registered with a different checksum", compiled.Name()),
			Details: []model.FieldError{{
				Field:   "name",
				Code:    "CHECKSUM_MISMATCH",
				Message: fmt.Sprintf("registered %s, got %s", existing.Checksum(), compiled.Checksum()),
			}},
		}
	}

	next := &snapshot{workflows: make(map[string]*Definition, len(cur.workflows)+1)}
	for name, d := range cur.workflows {
		next.workflows[name] = d
	}
	next.workflows[compiled.Name()] = compiled
	next.checksum = combinedChecksum(next.workflows)

	r.snap.Store(next)
	return nil
}

// RegisterAll registers every definition, stopping at the first failure.
func (r *Registry) RegisterAll(defs []model.WorkflowDefinition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			if def.SourceFile != "" {
				return fmt.Errorf("%s: %w", def.SourceFile, err)
			}
			return err
		}
	}
	return nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the compiled definition registered under name.
func (r *Registry) Get(name string) (*Definition, error) {
	d, ok := r.current().workflows[name]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", name))
	}
	return d, nil
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	s := r.current()
	names := make([]string, 0, len(s.workflows))
	for name := range s.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all registered definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func combinedChecksum(workflows map[string]*Definition) string {
	parts := make([]string, 0, len(workflows))
	for _, d := range workflows {
		parts = append(parts, d.Checksum())
	}
	sort.Strings(parts)
	combined := strings.Join(parts, ":")
	return fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
}
