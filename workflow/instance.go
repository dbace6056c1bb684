package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/coach-workflow/types"
)

// Standard error definitions
var (
	ErrNoSteps        = errors.New("workflow has no steps")
	ErrStepNotFound   = errors.New("step not found")
	ErrNotInProgress  = errors.New("instance is not in progress")
	ErrNotConfirm     = errors.New("step is not a confirm step")
	ErrNotSelfManaged = errors.New("instance completes automatically")
)

// Transition describes the effect of one completed step.
type Transition struct {
	InstanceID string
	FromStepID string
	ToStepID   string // empty when a terminal step was completed
	Completed  bool   // instance moved to completed
	Snapshot   types.WorkflowInstance
}

// InstanceOption configures an Instance.
type InstanceOption func(*Instance)

// WithTransitionHook registers a callback invoked after every successful
// step completion. The hook runs while the instance is locked and must not
// call back into it.
func WithTransitionHook(hook func(Transition)) InstanceOption {
	return func(i *Instance) {
		i.onTransition = hook
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) InstanceOption {
	return func(i *Instance) {
		i.now = now
	}
}

// Instance is the runtime state machine of one conversation. All mutations
// are serialized; a caller racing another always observes the other's result.
type Instance struct {
	mu            sync.Mutex
	id            string
	def           types.WorkflowDefinition
	status        types.Status
	currentStepID string
	collected     map[string]interface{}
	outcome       map[string]interface{}
	createdAt     int64
	updatedAt     int64

	onTransition func(Transition)
	now          func() time.Time
}

// NewInstance creates an idle instance bound to def.
func NewInstance(id string, def types.WorkflowDefinition, opts ...InstanceOption) (*Instance, error) {
	if id == "" {
		return nil, errors.New("instance ID cannot be empty")
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSteps, def.ID)
	}
	inst := &Instance{
		id:        id,
		def:       def.Clone(),
		status:    types.StatusIdle,
		collected: make(map[string]interface{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(inst)
	}
	inst.createdAt = inst.now().UnixMilli()
	inst.updatedAt = inst.createdAt
	return inst, nil
}

// Start moves an idle instance to in_progress at the definition's first step.
func (i *Instance) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != types.StatusIdle {
		return fmt.Errorf("instance %s already started (status %s)", i.id, i.status)
	}
	first, _ := i.def.FirstStep()
	i.status = types.StatusInProgress
	i.currentStepID = first.ID
	i.touch()
	return nil
}

// CompleteStep merges collected into the instance data and advances to
// nextOverride, or to the step's default successor. Completing a terminal
// step finishes the instance unless its definition manages its own lifecycle.
func (i *Instance) CompleteStep(stepID string, collected map[string]interface{}, nextOverride string) (Transition, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.completeLocked(stepID, collected, nextOverride)
}

// Confirm completes a confirm step, following its confirm or edit branch.
func (i *Instance) Confirm(stepID string, confirmed bool, collected map[string]interface{}) (Transition, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	step, _, ok := i.def.Step(stepID)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if step.Type != types.StepConfirm {
		return Transition{}, fmt.Errorf("%w: %s", ErrNotConfirm, stepID)
	}
	return i.completeLocked(stepID, collected, ConfirmTarget(step, confirmed))
}

func (i *Instance) completeLocked(stepID string, collected map[string]interface{}, nextOverride string) (Transition, error) {
	if i.status != types.StatusInProgress {
		return Transition{}, fmt.Errorf("%w: %s is %s", ErrNotInProgress, i.id, i.status)
	}
	step, _, ok := i.def.Step(stepID)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	next := step.NextStepID
	if nextOverride != "" {
		if _, _, ok := i.def.Step(nextOverride); !ok {
			return Transition{}, fmt.Errorf("%w: override %s", ErrStepNotFound, nextOverride)
		}
		next = nextOverride
	}

	for k, v := range collected {
		i.collected[k] = v
	}

	tr := Transition{InstanceID: i.id, FromStepID: stepID, ToStepID: next}
	switch {
	case next != "":
		i.currentStepID = next
	case i.def.SelfManagedLifecycle:
		// the owning presenter decides when the instance is done
		i.currentStepID = ""
	default:
		i.currentStepID = ""
		i.status = types.StatusCompleted
		i.outcome = copyData(i.collected)
		tr.Completed = true
	}
	i.touch()

	tr.Snapshot = i.snapshotLocked()
	if i.onTransition != nil {
		i.onTransition(tr)
	}
	return tr, nil
}

// Finish completes a self-managed instance with the given outcome merged
// over the collected data.
func (i *Instance) Finish(outcome map[string]interface{}) (types.WorkflowInstance, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.def.SelfManagedLifecycle {
		return types.WorkflowInstance{}, ErrNotSelfManaged
	}
	if i.status != types.StatusInProgress {
		return types.WorkflowInstance{}, fmt.Errorf("%w: %s is %s", ErrNotInProgress, i.id, i.status)
	}
	for k, v := range outcome {
		i.collected[k] = v
	}
	i.status = types.StatusCompleted
	i.currentStepID = ""
	i.outcome = copyData(i.collected)
	i.touch()
	return i.snapshotLocked(), nil
}

// Cancel stops an instance that has not completed yet.
func (i *Instance) Cancel() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == types.StatusCompleted || i.status == types.StatusCancelled {
		return fmt.Errorf("%w: %s is %s", ErrNotInProgress, i.id, i.status)
	}
	i.status = types.StatusCancelled
	i.touch()
	return nil
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// DefinitionID returns the id of the definition the instance runs.
func (i *Instance) DefinitionID() string { return i.def.ID }

// Status returns the current lifecycle status.
func (i *Instance) Status() types.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// CurrentStepID returns the active step, or "" once a terminal step was reached.
func (i *Instance) CurrentStepID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentStepID
}

// Snapshot returns a copy of the instance state.
func (i *Instance) Snapshot() types.WorkflowInstance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshotLocked()
}

func (i *Instance) snapshotLocked() types.WorkflowInstance {
	snap := types.WorkflowInstance{
		ID:            i.id,
		DefinitionID:  i.def.ID,
		Status:        i.status,
		CurrentStepID: i.currentStepID,
		CollectedData: copyData(i.collected),
		CreatedAt:     i.createdAt,
		UpdatedAt:     i.updatedAt,
	}
	if i.outcome != nil {
		snap.Outcome = copyData(i.outcome)
	}
	return snap
}

func (i *Instance) touch() {
	i.updatedAt = i.now().UnixMilli()
}

// ConfirmTarget resolves the successor of a confirm step: the confirm (or
// edit) branch when declared, the default successor otherwise.
func ConfirmTarget(step types.WorkflowStep, confirmed bool) string {
	if confirmed && step.NextStepOnConfirmID != "" {
		return step.NextStepOnConfirmID
	}
	if !confirmed && step.NextStepOnEditID != "" {
		return step.NextStepOnEditID
	}
	return step.NextStepID
}

func copyData(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
