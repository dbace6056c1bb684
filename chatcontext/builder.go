// Package chatcontext assembles the message list handed to the model on each
// turn and bounds the workspace digest that travels with it.
package chatcontext

import (
	"strings"

	"github.com/songzhibin97/coach-workflow/types"
)

const (
	// DefaultRecentTurnsMax is the size of the literal transcript window.
	DefaultRecentTurnsMax = 16
	// maxStandingSystemTurns bounds how many standing instructions survive.
	maxStandingSystemTurns = 2

	// LaunchContextMarker tags the system turn carrying launch context so it
	// is never injected twice.
	LaunchContextMarker = "[launch-context]"

	memoryHeader = "Conversation memory (background only, not authoritative; the live conversation wins when they disagree):"
)

// Input is everything Build needs for one model call.
type Input struct {
	History                 []types.Turn
	LaunchContextSummary    string
	ConversationSummary     string
	WorkflowStepInstruction string
	RecentTurnsMax          int // DefaultRecentTurnsMax when <= 0
}

// Build produces the ordered message list for the model:
//
//	[launch context] [memory summary] [last 2 system turns] [last N conversational turns]
//
// The step instruction counts as the newest standing system turn. Output
// depends only on the input.
func Build(in Input) []types.Turn {
	window := in.RecentTurnsMax
	if window <= 0 {
		window = DefaultRecentTurnsMax
	}

	// A marked launch turn already in history is pinned to the front and
	// does not count against the standing system turns.
	var launchTurn *types.Turn
	var systemTurns, turns []types.Turn
	for _, turn := range in.History {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		switch {
		case turn.Role == types.RoleSystem && strings.Contains(turn.Content, LaunchContextMarker):
			t := turn
			launchTurn = &t
		case turn.Role == types.RoleSystem:
			systemTurns = append(systemTurns, turn)
		default:
			turns = append(turns, turn)
		}
	}

	if instruction := strings.TrimSpace(in.WorkflowStepInstruction); instruction != "" {
		systemTurns = append(systemTurns, types.Turn{Role: types.RoleSystem, Content: instruction})
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	if len(systemTurns) > maxStandingSystemTurns {
		systemTurns = systemTurns[len(systemTurns)-maxStandingSystemTurns:]
	}

	out := make([]types.Turn, 0, 2+len(systemTurns)+len(turns))
	if launchTurn != nil {
		out = append(out, *launchTurn)
	} else if launch := strings.TrimSpace(in.LaunchContextSummary); launch != "" {
		out = append(out, types.Turn{Role: types.RoleSystem, Content: markLaunchContext(launch)})
	}
	if summary := strings.TrimSpace(in.ConversationSummary); summary != "" {
		out = append(out, types.Turn{Role: types.RoleSystem, Content: memoryHeader + "\n" + summary})
	}
	out = append(out, systemTurns...)
	out = append(out, turns...)
	return out
}

func markLaunchContext(text string) string {
	if strings.Contains(text, LaunchContextMarker) {
		return text
	}
	return LaunchContextMarker + "\n" + text
}

// StepGuidance renders a step's prompt template and validation hint as a
// synthetic system turn. The content is empty when the step carries neither.
func StepGuidance(step types.WorkflowStep) types.Turn {
	var b strings.Builder
	prompt := strings.TrimSpace(step.PromptTemplate)
	hint := strings.TrimSpace(step.ValidationHint)
	if prompt == "" && hint == "" {
		return types.Turn{Role: types.RoleSystem}
	}
	b.WriteString("Workflow step guidance (")
	b.WriteString(step.ID)
	b.WriteString("):")
	if prompt != "" {
		b.WriteString("\n")
		b.WriteString(prompt)
	}
	if hint != "" {
		b.WriteString("\nValidation hint: ")
		b.WriteString(hint)
	}
	return types.Turn{Role: types.RoleSystem, Content: b.String()}
}
