package registry

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/coach-workflow/types"
)

var (
	// ErrInvalidDefinition marks a configuration error found at load time.
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	// ErrDefinitionNotFound is returned by callers that require a definition to exist.
	ErrDefinitionNotFound = errors.New("workflow definition not found")
)

// ModeFirstTimeOnboarding is the chat mode of the guided first-run flow.
const ModeFirstTimeOnboarding = "first_time_onboarding"

// Registry is an immutable catalog of workflow definitions.
type Registry struct {
	defs   map[string]types.WorkflowDefinition
	modes  map[string]string
	order  []string
	selfMg map[string]bool
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithSelfManagedModes marks every definition using one of the given chat
// modes as managing its own completion lifecycle.
func WithSelfManagedModes(modes ...string) Option {
	return func(r *Registry) {
		for _, m := range modes {
			r.selfMg[m] = true
		}
	}
}

// New validates the definitions and builds a registry. Any dangling step
// reference or duplicate id fails the whole load.
func New(defs []types.WorkflowDefinition, opts ...Option) (*Registry, error) {
	r := &Registry{
		defs:   make(map[string]types.WorkflowDefinition, len(defs)),
		modes:  make(map[string]string, len(defs)),
		selfMg: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, def := range defs {
		if err := Validate(def); err != nil {
			return nil, err
		}
		if _, dup := r.defs[def.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate definition id %q", ErrInvalidDefinition, def.ID)
		}
		if def.ChatMode != "" {
			if other, dup := r.modes[def.ChatMode]; dup {
				return nil, fmt.Errorf("%w: chat mode %q used by both %q and %q", ErrInvalidDefinition, def.ChatMode, other, def.ID)
			}
			r.modes[def.ChatMode] = def.ID
		}
		clone := def.Clone()
		if r.selfMg[clone.ChatMode] {
			clone.SelfManagedLifecycle = true
		}
		r.defs[def.ID] = clone
		r.order = append(r.order, def.ID)
	}
	return r, nil
}

// MustNew is like New but panics on a configuration error.
func MustNew(defs []types.WorkflowDefinition, opts ...Option) *Registry {
	r, err := New(defs, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Validate checks that a single definition is self-consistent.
func Validate(def types.WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %s: at least one step is required", ErrInvalidDefinition, def.ID)
	}

	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: %s step[%d]: id is required", ErrInvalidDefinition, def.ID, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: %s: duplicate step id %q", ErrInvalidDefinition, def.ID, step.ID)
		}
		seen[step.ID] = true
		if !step.Type.Valid() {
			return fmt.Errorf("%w: %s step %q: unknown type %q", ErrInvalidDefinition, def.ID, step.ID, step.Type)
		}
		if step.Type != types.StepConfirm && (step.NextStepOnConfirmID != "" || step.NextStepOnEditID != "") {
			return fmt.Errorf("%w: %s step %q: confirm/edit branches are only allowed on confirm steps", ErrInvalidDefinition, def.ID, step.ID)
		}
	}

	for _, step := range def.Steps {
		refs := [...]struct{ field, id string }{
			{"next_step_id", step.NextStepID},
			{"next_step_on_confirm_id", step.NextStepOnConfirmID},
			{"next_step_on_edit_id", step.NextStepOnEditID},
		}
		for _, ref := range refs {
			if ref.id != "" && !seen[ref.id] {
				return fmt.Errorf("%w: %s step %q: %s references unknown step %q", ErrInvalidDefinition, def.ID, step.ID, ref.field, ref.id)
			}
		}
	}
	return nil
}

// Lookup returns a copy of the definition with the given id.
func (r *Registry) Lookup(id string) (types.WorkflowDefinition, bool) {
	def, ok := r.defs[id]
	if !ok {
		return types.WorkflowDefinition{}, false
	}
	return def.Clone(), true
}

// LookupMode returns a copy of the definition bound to a chat mode.
func (r *Registry) LookupMode(mode string) (types.WorkflowDefinition, bool) {
	id, ok := r.modes[mode]
	if !ok {
		return types.WorkflowDefinition{}, false
	}
	return r.Lookup(id)
}

// Definitions returns copies of all definitions in registration order.
func (r *Registry) Definitions() []types.WorkflowDefinition {
	out := make([]types.WorkflowDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id].Clone())
	}
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	return len(r.order)
}

type document struct {
	Definitions []types.WorkflowDefinition `yaml:"definitions"`
}

// Decode reads a YAML document of the form {definitions: [...]} and builds a
// validated registry from it.
func Decode(reader io.Reader, opts ...Option) (*Registry, error) {
	var doc document
	dec := yaml.NewDecoder(reader)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}
	return New(doc.Definitions, opts...)
}

// LoadFile decodes definitions from a YAML file.
func LoadFile(path string, opts ...Option) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open definitions: %w", err)
	}
	defer f.Close()
	return Decode(f, opts...)
}
