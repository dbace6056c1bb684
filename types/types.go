package types

import "time"

// StepType is the closed set of step kinds a workflow can declare.
type StepType string

const (
	StepCollectFields StepType = "collect_fields"
	StepAgentGenerate StepType = "agent_generate"
	StepConfirm       StepType = "confirm"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepCollectFields, StepAgentGenerate, StepConfirm:
		return true
	}
	return false
}

// WorkflowStep is one node of a workflow step graph.
type WorkflowStep struct {
	ID              string   `json:"id" yaml:"id"`
	Type            StepType `json:"type" yaml:"type"`
	Label           string   `json:"label,omitempty" yaml:"label,omitempty"` // diagnostics and analytics only
	FieldsCollected []string `json:"fields_collected,omitempty" yaml:"fields_collected,omitempty"`
	PromptTemplate  string   `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
	ValidationHint  string   `json:"validation_hint,omitempty" yaml:"validation_hint,omitempty"` // advisory, never enforced
	LoadingMessage  string   `json:"loading_message,omitempty" yaml:"loading_message,omitempty"`

	NextStepID          string `json:"next_step_id,omitempty" yaml:"next_step_id,omitempty"`
	NextStepOnConfirmID string `json:"next_step_on_confirm_id,omitempty" yaml:"next_step_on_confirm_id,omitempty"` // confirm steps only
	NextStepOnEditID    string `json:"next_step_on_edit_id,omitempty" yaml:"next_step_on_edit_id,omitempty"`       // confirm steps only
}

// Terminal reports whether the step has no successor at all.
func (s WorkflowStep) Terminal() bool {
	return s.NextStepID == "" && s.NextStepOnConfirmID == "" && s.NextStepOnEditID == ""
}

// OutcomeField describes one field of a workflow's final result.
type OutcomeField struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// OutcomeSchema documents the shape of the collected or derived data. It is
// advisory and is not enforced at runtime.
type OutcomeSchema struct {
	Kind   string         `json:"kind" yaml:"kind"`
	Fields []OutcomeField `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// WorkflowDefinition is an immutable, named step graph.
type WorkflowDefinition struct {
	ID            string         `json:"id" yaml:"id"`
	Version       int            `json:"version" yaml:"version"`
	Label         string         `json:"label,omitempty" yaml:"label,omitempty"`
	ChatMode      string         `json:"chat_mode" yaml:"chat_mode"`
	Steps         []WorkflowStep `json:"steps" yaml:"steps"`
	OutcomeSchema OutcomeSchema  `json:"outcome_schema" yaml:"outcome_schema"`

	// SelfManagedLifecycle disables automatic completion when a terminal
	// step is completed; a dedicated presenter finishes the instance.
	SelfManagedLifecycle bool `json:"self_managed_lifecycle,omitempty" yaml:"self_managed_lifecycle,omitempty"`
}

// Step returns the step with the given id and its position in the definition.
func (d WorkflowDefinition) Step(id string) (WorkflowStep, int, bool) {
	for i, step := range d.Steps {
		if step.ID == id {
			return step, i, true
		}
	}
	return WorkflowStep{}, -1, false
}

// FirstStep returns the entry step of the definition.
func (d WorkflowDefinition) FirstStep() (WorkflowStep, bool) {
	if len(d.Steps) == 0 {
		return WorkflowStep{}, false
	}
	return d.Steps[0], true
}

// Clone returns a deep copy of the definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	clone := d
	if d.Steps != nil {
		clone.Steps = make([]WorkflowStep, len(d.Steps))
		for i, step := range d.Steps {
			if step.FieldsCollected != nil {
				step.FieldsCollected = append([]string(nil), step.FieldsCollected...)
			}
			clone.Steps[i] = step
		}
	}
	if d.OutcomeSchema.Fields != nil {
		clone.OutcomeSchema.Fields = append([]OutcomeField(nil), d.OutcomeSchema.Fields...)
	}
	return clone
}

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// WorkflowInstance is a point-in-time view of one conversation's runtime state.
type WorkflowInstance struct {
	ID            string                 `json:"id"`
	DefinitionID  string                 `json:"definition_id"`
	Status        Status                 `json:"status"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	CollectedData map[string]interface{} `json:"collected_data"`
	Outcome       map[string]interface{} `json:"outcome,omitempty"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
}

// Role identifies the author of a chat turn.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
)

// Turn is one message of the list sent to the model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TimelineKind discriminates timeline items.
type TimelineKind string

const (
	TimelineAssistantMessage TimelineKind = "assistant_message"
	TimelineUserMessage      TimelineKind = "user_message"
	TimelineCard             TimelineKind = "card"
	TimelineSystemEvent      TimelineKind = "system_event"
)

// TimelineItem is one entry of the conversation record shown to the user.
type TimelineItem struct {
	ID        string       `json:"id"`
	Kind      TimelineKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	Content   string       `json:"content,omitempty"`

	// Cards carry an opaque component id and props bag.
	ComponentID string                 `json:"component_id,omitempty"`
	Props       map[string]interface{} `json:"props,omitempty"`

	Event   string `json:"event,omitempty"`   // system events only
	Pending bool   `json:"pending,omitempty"` // assistant message awaiting its reply
}

// EntityType names the kind of domain record a workflow was launched from.
type EntityType string

const (
	EntityArc      EntityType = "arc"
	EntityGoal     EntityType = "goal"
	EntityActivity EntityType = "activity"
)

// EntityRef points at an arc, goal or activity.
type EntityRef struct {
	Type EntityType `json:"type" yaml:"type"`
	ID   string     `json:"id" yaml:"id"`
}

// LaunchContext describes why and where a workflow was started.
type LaunchContext struct {
	Source string     `json:"source" yaml:"source"`
	Intent string     `json:"intent,omitempty" yaml:"intent,omitempty"`
	Entity *EntityRef `json:"entity,omitempty" yaml:"entity,omitempty"`
}
