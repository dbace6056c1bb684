package registry

import "github.com/songzhibin97/coach-workflow/types"

// Chat modes of the built-in catalog.
const (
	ModeIdentityAspiration = "identity_aspiration"
	ModeArcCreation        = "arc_creation"
	ModeGoalCreation       = "goal_creation"
	ModeActivityCreation   = "activity_creation"
)

// Builtin returns the default workflow catalog. Prompt text is deliberately
// short; deployments override it through a definitions file.
func Builtin() []types.WorkflowDefinition {
	return []types.WorkflowDefinition{
		{
			ID:                   "first_time_onboarding_v1",
			Version:              1,
			Label:                "First-time onboarding",
			ChatMode:             ModeFirstTimeOnboarding,
			SelfManagedLifecycle: true,
			Steps: []types.WorkflowStep{
				{
					ID:              "welcome",
					Type:            types.StepCollectFields,
					Label:           "Welcome",
					FieldsCollected: []string{"name"},
					PromptTemplate:  "Greet the user warmly and ask what they would like to be called.",
					NextStepID:      "identity_domain",
				},
				{
					ID:              "identity_domain",
					Type:            types.StepCollectFields,
					Label:           "Identity domain",
					FieldsCollected: []string{"domain", "motivation"},
					PromptTemplate:  "Ask which area of life they want to grow in and why it matters to them.",
					ValidationHint:  "A short life area such as health, craft or family.",
					NextStepID:      "identity_details",
				},
				{
					ID:              "identity_details",
					Type:            types.StepCollectFields,
					Label:           "Identity details",
					FieldsCollected: []string{"proudMoment", "trait"},
					PromptTemplate:  "Ask for a moment they felt proud in that area and one trait they want to embody.",
					NextStepID:      "aspiration",
				},
				{
					ID:              "aspiration",
					Type:            types.StepAgentGenerate,
					Label:           "Aspiration",
					FieldsCollected: []string{"arcName", "aspirationSentence", "nextSmallStep"},
					LoadingMessage:  "Putting your answers together...",
					NextStepID:      "aspiration_confirm",
				},
				{
					ID:               "aspiration_confirm",
					Type:             types.StepConfirm,
					Label:            "Confirm aspiration",
					PromptTemplate:   "Ask whether the aspiration feels right or needs another pass.",
					NextStepOnEditID: "identity_details",
				},
			},
			OutcomeSchema: types.OutcomeSchema{
				Kind: "arc",
				Fields: []types.OutcomeField{
					{Name: "arcName", Type: "string", Required: true},
					{Name: "aspirationSentence", Type: "string", Required: true},
					{Name: "nextSmallStep", Type: "string"},
				},
			},
		},
		{
			ID:       "identity_aspiration_v1",
			Version:  1,
			Label:    "Identity aspiration",
			ChatMode: ModeIdentityAspiration,
			Steps: []types.WorkflowStep{
				{
					ID:              "answers",
					Type:            types.StepCollectFields,
					Label:           "Answers",
					FieldsCollected: []string{"domain", "motivation", "proudMoment", "trait"},
					PromptTemplate:  "Collect the life area, the motivation, a proud moment and a trait, one question at a time.",
					NextStepID:      "aspiration",
				},
				{
					ID:              "aspiration",
					Type:            types.StepAgentGenerate,
					Label:           "Aspiration",
					FieldsCollected: []string{"arcName", "aspirationSentence", "nextSmallStep"},
					LoadingMessage:  "Drafting your aspiration...",
					NextStepID:      "confirm",
				},
				{
					ID:               "confirm",
					Type:             types.StepConfirm,
					Label:            "Confirm",
					PromptTemplate:   "Show the aspiration and ask whether to keep it.",
					NextStepOnEditID: "answers",
				},
			},
			OutcomeSchema: types.OutcomeSchema{
				Kind: "arc",
				Fields: []types.OutcomeField{
					{Name: "arcName", Type: "string", Required: true},
					{Name: "aspirationSentence", Type: "string", Required: true},
				},
			},
		},
		{
			ID:       "arc_creation_v1",
			Version:  1,
			Label:    "Arc creation",
			ChatMode: ModeArcCreation,
			Steps: []types.WorkflowStep{
				{
					ID:              "context",
					Type:            types.StepCollectFields,
					Label:           "Context",
					FieldsCollected: []string{"theme"},
					PromptTemplate:  "Ask what long-running theme this arc should capture.",
					NextStepID:      "draft",
				},
				{
					ID:              "draft",
					Type:            types.StepAgentGenerate,
					Label:           "Draft arc",
					FieldsCollected: []string{"arcName", "arcDescription"},
					PromptTemplate:  "Propose a concise arc name and a two sentence description.",
					LoadingMessage:  "Sketching an arc...",
					NextStepID:      "confirm",
				},
				{
					ID:               "confirm",
					Type:             types.StepConfirm,
					Label:            "Confirm",
					PromptTemplate:   "Ask the user to accept or adjust the arc.",
					NextStepOnEditID: "context",
				},
			},
			OutcomeSchema: types.OutcomeSchema{Kind: "arc", Fields: []types.OutcomeField{{Name: "arcName", Type: "string", Required: true}}},
		},
		{
			ID:       "goal_creation_v1",
			Version:  1,
			Label:    "Goal creation",
			ChatMode: ModeGoalCreation,
			Steps: []types.WorkflowStep{
				{
					ID:              "context",
					Type:            types.StepCollectFields,
					Label:           "Context",
					FieldsCollected: []string{"desiredOutcome", "timeframe"},
					PromptTemplate:  "Ask what outcome the user wants and by when.",
					ValidationHint:  "Timeframe should be a concrete date or a number of weeks.",
					NextStepID:      "draft",
				},
				{
					ID:              "draft",
					Type:            types.StepAgentGenerate,
					Label:           "Draft goal",
					FieldsCollected: []string{"goalTitle", "goalDescription"},
					PromptTemplate:  "Write one measurable goal with a short title.",
					LoadingMessage:  "Shaping a goal...",
					NextStepID:      "confirm",
				},
				{
					ID:               "confirm",
					Type:             types.StepConfirm,
					Label:            "Confirm",
					PromptTemplate:   "Ask the user to accept or adjust the goal.",
					NextStepOnEditID: "context",
				},
			},
			OutcomeSchema: types.OutcomeSchema{Kind: "goal", Fields: []types.OutcomeField{{Name: "goalTitle", Type: "string", Required: true}}},
		},
		{
			ID:       "activity_creation_v1",
			Version:  1,
			Label:    "Activity creation",
			ChatMode: ModeActivityCreation,
			Steps: []types.WorkflowStep{
				{
					ID:              "context",
					Type:            types.StepCollectFields,
					Label:           "Context",
					FieldsCollected: []string{"activityIdea"},
					PromptTemplate:  "Ask what the user wants to do next for this goal.",
					NextStepID:      "suggest",
				},
				{
					ID:              "suggest",
					Type:            types.StepAgentGenerate,
					Label:           "Suggest activities",
					FieldsCollected: []string{"activities"},
					PromptTemplate:  "Suggest up to three small, concrete activities.",
					LoadingMessage:  "Looking for small next steps...",
				},
			},
			OutcomeSchema: types.OutcomeSchema{Kind: "activity_list"},
		},
	}
}

// MustBuiltin returns a registry holding the built-in catalog.
func MustBuiltin(opts ...Option) *Registry {
	return MustNew(Builtin(), opts...)
}
