package orchestrator

import (
	"github.com/songzhibin97/coach-workflow/events"
	"github.com/songzhibin97/coach-workflow/types"
)

const (
	eventStarted       = events.WorkflowStarted
	eventStepViewed    = events.WorkflowStepViewed
	eventStepCompleted = events.WorkflowStepCompleted
	eventCompleted     = events.WorkflowCompleted
	eventAbandoned     = events.WorkflowAbandoned
)

// captured is an analytics fact collected under the lock and emitted after
// it is released.
type captured struct {
	name  string
	props map[string]interface{}
}

func (o *Orchestrator) emit(out []captured) {
	for _, c := range out {
		o.analytics.Capture(c.name, c.props)
	}
}

func (o *Orchestrator) baseProps(sess *session) map[string]interface{} {
	return map[string]interface{}{
		events.PropInstanceID: sess.instance.ID(),
		"definitionId":        sess.definition.ID,
		"definitionVersion":   sess.definition.Version,
		"chatMode":            sess.definition.ChatMode,
		"stepCount":           len(sess.definition.Steps),
	}
}

func (o *Orchestrator) stepProps(sess *session, stepID string) map[string]interface{} {
	props := o.baseProps(sess)
	props["stepId"] = stepID
	if step, idx, ok := sess.definition.Step(stepID); ok {
		props["stepIndex"] = idx
		props["stepLabel"] = step.Label
		props["stepType"] = string(step.Type)
	}
	return props
}

// stepViewedLocked reports the current step the first time this mount sees it.
func (o *Orchestrator) stepViewedLocked(sess *session, out []captured) []captured {
	stepID := sess.instance.CurrentStepID()
	if stepID == "" {
		return out
	}
	key := sess.definition.ID + "/" + stepID
	if o.seen[key] {
		return out
	}
	o.seen[key] = true
	return append(out, captured{name: eventStepViewed, props: o.stepProps(sess, stepID)})
}

func (o *Orchestrator) abandonedLocked(sess *session, out []captured) []captured {
	snap := sess.instance.Snapshot()
	if snap.Status == types.StatusCompleted {
		return out
	}
	props := o.stepProps(sess, snap.CurrentStepID)
	props["status"] = string(snap.Status)
	props["collectedFields"] = len(snap.CollectedData)
	return append(out, captured{name: eventAbandoned, props: props})
}
