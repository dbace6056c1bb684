package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/songzhibin97/coach-workflow/chatcontext"
	"github.com/songzhibin97/coach-workflow/llm"
	"github.com/songzhibin97/coach-workflow/types"
	"github.com/songzhibin97/coach-workflow/workflow"
)

// Handle is bound to the session that was active when it was obtained.
// Every write first checks that the session is still current and fails with
// ErrStaleSession otherwise, so a presenter finishing late cannot touch a
// replaced instance.
type Handle struct {
	o    *Orchestrator
	sess *session
}

// lock takes the orchestrator lock if the handle's session is still active.
func (h *Handle) lock() error {
	h.o.mu.Lock()
	if h.o.sess != h.sess {
		h.o.mu.Unlock()
		return ErrStaleSession
	}
	return nil
}

// Stale reports whether the session was replaced or unmounted.
func (h *Handle) Stale() bool {
	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	return h.o.sess != h.sess
}

// Instance returns a snapshot of the session's instance.
func (h *Handle) Instance() types.WorkflowInstance {
	return h.sess.instance.Snapshot()
}

// Definition returns the session's definition.
func (h *Handle) Definition() types.WorkflowDefinition {
	return h.sess.definition.Clone()
}

// Timeline returns a copy of the session's timeline.
func (h *Handle) Timeline() []types.TimelineItem {
	return h.sess.timeline.Items()
}

// CompleteStep merges collected into the instance and advances it.
func (h *Handle) CompleteStep(stepID string, collected map[string]interface{}, nextOverride string) error {
	return h.mutate(func() (workflow.Transition, error) {
		return h.sess.instance.CompleteStep(stepID, collected, nextOverride)
	})
}

// ConfirmStep completes a confirm step along its confirm or edit branch.
func (h *Handle) ConfirmStep(stepID string, confirmed bool, collected map[string]interface{}) error {
	return h.mutate(func() (workflow.Transition, error) {
		return h.sess.instance.Confirm(stepID, confirmed, collected)
	})
}

func (h *Handle) mutate(apply func() (workflow.Transition, error)) error {
	if err := h.lock(); err != nil {
		return err
	}
	tr, err := apply()
	if err != nil {
		h.o.mu.Unlock()
		return err
	}

	// looked up after the mutation so the report names the step that just
	// completed and the one the instance moved to
	props := h.o.stepProps(h.sess, tr.FromStepID)
	props["nextStepId"] = tr.Snapshot.CurrentStepID
	out := []captured{{name: eventStepCompleted, props: props}}
	if tr.Completed {
		out = append(out, captured{name: eventCompleted, props: h.o.baseProps(h.sess)})
	}
	out = h.o.stepViewedLocked(h.sess, out)
	h.o.mu.Unlock()
	h.o.emit(out)
	return nil
}

// Finish completes a self-managed instance with outcome.
func (h *Handle) Finish(outcome map[string]interface{}) error {
	if err := h.lock(); err != nil {
		return err
	}
	if _, err := h.sess.instance.Finish(outcome); err != nil {
		h.o.mu.Unlock()
		return err
	}
	out := []captured{{name: eventCompleted, props: h.o.baseProps(h.sess)}}
	h.o.mu.Unlock()
	h.o.emit(out)
	return nil
}

// Cancel cancels the session's instance.
func (h *Handle) Cancel() error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.o.mu.Unlock()
	return h.sess.instance.Cancel()
}

// AppendCard adds a presenter card to the timeline.
func (h *Handle) AppendCard(componentID string, props map[string]interface{}) error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.o.mu.Unlock()
	h.sess.timeline.AppendCard(componentID, props)
	return nil
}

// AppendSystemEvent adds a system event; events with content reach the model.
func (h *Handle) AppendSystemEvent(event, content string) error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.o.mu.Unlock()
	h.sess.timeline.AppendSystemEvent(event, content)
	return nil
}

// AppendAssistant adds an assistant message written by a presenter.
func (h *Handle) AppendAssistant(content string) error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.o.mu.Unlock()
	h.sess.timeline.AppendAssistant(content)
	return nil
}

// InvokeAgentStep asks the model to act on stepID and appends its reply.
//
// Model failures are logged and leave the timeline as it was; they are not
// returned. A reply arriving after the session was replaced is dropped and
// reported as ErrStaleSession.
func (h *Handle) InvokeAgentStep(ctx context.Context, stepID string) error {
	if err := h.lock(); err != nil {
		return err
	}
	if status := h.sess.instance.Status(); status != types.StatusInProgress {
		h.o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", workflow.ErrNotInProgress, h.sess.instance.ID(), status)
	}
	step, _, ok := h.sess.definition.Step(stepID)
	if !ok {
		h.o.mu.Unlock()
		return fmt.Errorf("%w: %s", workflow.ErrStepNotFound, stepID)
	}
	history := h.sess.timeline.Turns()
	var placeholder string
	if step.LoadingMessage != "" {
		placeholder = h.sess.timeline.BeginAssistant(step.LoadingMessage)
	}
	in := h.contextInputLocked(history, step)
	h.o.mu.Unlock()

	return h.complete(ctx, in, stepID, placeholder)
}

// SendUserMessage records the user's message and appends the coach reply,
// guided by the current step. Model failures are logged, not returned.
func (h *Handle) SendUserMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := h.lock(); err != nil {
		return err
	}
	h.sess.timeline.AppendUser(text)
	history := h.sess.timeline.Turns()
	step, _, _ := h.sess.definition.Step(h.sess.instance.CurrentStepID())
	in := h.contextInputLocked(history, step)
	h.o.mu.Unlock()

	return h.complete(ctx, in, step.ID, "")
}

func (h *Handle) contextInputLocked(history []types.Turn, step types.WorkflowStep) chatcontext.Input {
	return chatcontext.Input{
		History:                 history,
		LaunchContextSummary:    h.o.launchText,
		ConversationSummary:     h.o.summary,
		WorkflowStepInstruction: chatcontext.StepGuidance(step).Content,
		RecentTurnsMax:          h.o.recentTurnsMax,
	}
}

// complete runs the model call without any lock held and writes the result
// back only if the session is still current.
func (h *Handle) complete(ctx context.Context, in chatcontext.Input, stepID, placeholder string) error {
	opts := h.o.chatOpts
	opts.Mode = h.sess.definition.ChatMode
	reply, err := h.o.client.SendChat(ctx, chatcontext.Build(in), opts)

	if lockErr := h.lock(); lockErr != nil {
		h.o.logger.Info("dropping model reply for a replaced session",
			"definition_id", h.sess.definition.ID,
			"step_id", stepID)
		return lockErr
	}
	defer h.o.mu.Unlock()

	if err == nil && strings.TrimSpace(reply) == "" {
		err = llm.ErrEmptyReply
	}
	if err != nil {
		h.o.logger.Warn("model call failed",
			"instance_id", h.sess.instance.ID(),
			"step_id", stepID,
			"error", err)
		if placeholder != "" {
			_ = h.sess.timeline.Discard(placeholder)
		}
		return nil
	}
	if placeholder != "" {
		if resolveErr := h.sess.timeline.Resolve(placeholder, reply); resolveErr == nil {
			return nil
		}
	}
	h.sess.timeline.AppendAssistant(reply)
	return nil
}
