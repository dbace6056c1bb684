package presenter

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/coach-workflow/types"
)

var ErrUnknownStepType = errors.New("unknown step type")

// Card components rendered for non-generative steps.
const (
	CollectFieldsComponent = "collect_fields"
	ConfirmComponent       = "confirm"
)

// DispatchHost is what Dispatch needs from the orchestrator.
type DispatchHost interface {
	CardHost
	InvokeAgentStep(ctx context.Context, stepID string) error
}

// Dispatch presents step: a form card for collect steps, a model call for
// agent steps and a confirmation card for confirm steps.
func Dispatch(ctx context.Context, host DispatchHost, step types.WorkflowStep) error {
	switch step.Type {
	case types.StepCollectFields:
		return host.AppendCard(CollectFieldsComponent, map[string]interface{}{
			"stepId":         step.ID,
			"label":          step.Label,
			"fields":         append([]string(nil), step.FieldsCollected...),
			"validationHint": step.ValidationHint,
		})
	case types.StepAgentGenerate:
		return host.InvokeAgentStep(ctx, step.ID)
	case types.StepConfirm:
		return host.AppendCard(ConfirmComponent, map[string]interface{}{
			"stepId":   step.ID,
			"label":    step.Label,
			"canEdit":  step.NextStepOnEditID != "",
			"terminal": step.NextStepOnConfirmID == "" && step.NextStepID == "",
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStepType, step.Type)
	}
}
