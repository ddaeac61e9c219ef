package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Definition is the compiled, immutable form of a workflow definition. It is
// safe for concurrent reads.
type Definition struct {
	def      model.WorkflowDefinition
	steps    map[string]*Step
	order    []*Step
	initial  string
	checksum string
}

// Step is a compiled step. Transitions shadows the raw definitions with
// their compiled guards, in declared order.
type Step struct {
	model.StepDefinition
	Transitions []Transition
	DueAfter    time.Duration

	index int
}

// Transition is a compiled transition. Guard is nil when unguarded.
type Transition struct {
	model.TransitionDefinition
	Guard *Guard
}

// Terminal reports whether the transition completes the workflow.
func (t Transition) Terminal() bool {
	return t.Target == ""
}

// Name returns the workflow name.
func (d *Definition) Name() string {
	return d.def.Name
}

// Version returns the declared version label, if any.
func (d *Definition) Version() string {
	return d.def.Version
}

// Checksum returns the SHA-256 of the definition's canonical encoding.
func (d *Definition) Checksum() string {
	return d.checksum
}

// Schema returns the declared context field types.
func (d *Definition) Schema() map[string]string {
	return d.def.Context
}

// Raw returns the definition as declared.
func (d *Definition) Raw() model.WorkflowDefinition {
	return d.def
}

// InitialStep returns the step new instances start in.
func (d *Definition) InitialStep() *Step {
	return d.steps[d.initial]
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	s, ok := d.steps[id]
	return s, ok
}

// Steps returns all steps in declared order.
func (d *Definition) Steps() []*Step {
	out := make([]*Step, len(d.order))
	copy(out, d.order)
	return out
}

// unreachable returns ids of steps no path from the initial step reaches.
func (d *Definition) unreachable() []string {
	seen := map[string]bool{d.initial: true}
	queue := []string{d.initial}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range d.steps[id].Transitions {
			if t.Target != "" && !seen[t.Target] {
				seen[t.Target] = true
				queue = append(queue, t.Target)
			}
		}
	}
	var out []string
	for _, s := range d.order {
		if !seen[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// checksum hashes the canonical JSON form; map keys are sorted by
// encoding/json so equal definitions hash equally regardless of source.
func checksum(def model.WorkflowDefinition) string {
	data, err := json.Marshal(def)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
