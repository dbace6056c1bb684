package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/coach-workflow/events"
	"github.com/songzhibin97/coach-workflow/llm"
	"github.com/songzhibin97/coach-workflow/orchestrator"
	"github.com/songzhibin97/coach-workflow/presenter"
	"github.com/songzhibin97/coach-workflow/registry"
	"github.com/songzhibin97/coach-workflow/rules"
	"github.com/songzhibin97/coach-workflow/types"
)

const chatHelp = `Commands:
  /next key=value ...   complete the current step with the given fields
  /confirm              accept the current confirm step
  /edit                 send the current confirm step back for edits
  /finish               finish the workflow
  /cancel               cancel the workflow
  /status               show the instance state
  /quit                 leave the chat
Anything else is sent to the coach.`

type chatFlags struct {
	instanceID   string
	source       string
	intent       string
	snapshotFile string
}

func newChatCommand(app *App) *cobra.Command {
	var flags chatFlags
	cmd := &cobra.Command{
		Use:   "chat <workflow-id>",
		Short: "Hold a coaching conversation in the terminal",
		Long: `Mount a workflow and converse with the coach line by line.

Example:
  coachctl chat goal_creation_v1 --intent "run a 10k" --snapshot workspace.txt

` + chatHelp,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), app, args[0], flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.instanceID, "instance", "", "resume under this instance id")
	cmd.Flags().StringVar(&flags.source, "source", "cli", "launch source recorded with the instance")
	cmd.Flags().StringVar(&flags.intent, "intent", "", "what the user wants out of this conversation")
	cmd.Flags().StringVar(&flags.snapshotFile, "snapshot", "", "file holding a workspace digest for the coach")
	return cmd
}

func runChat(ctx context.Context, app *App, workflowID string, flags chatFlags, in io.Reader, out io.Writer) error {
	cfg := app.Config
	if _, ok := app.Registry.Lookup(workflowID); !ok {
		return fmt.Errorf("%w: %s", registry.ErrDefinitionNotFound, workflowID)
	}
	policy, err := rules.NewAcceptancePolicy(cfg.Identity.AcceptanceRule)
	if err != nil {
		return err
	}
	var snapshot string
	if flags.snapshotFile != "" {
		raw, err := os.ReadFile(flags.snapshotFile)
		if err != nil {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
		snapshot = string(raw)
	}

	leaser, closeLeaser, err := app.NewLeaser(cfg)
	if err != nil {
		return err
	}
	defer closeLeaser()

	bus := events.NewEventBus(events.WithLogger(app.Logger))
	defer bus.Stop()
	unsubscribe := bus.SubscribeFunc(events.AllEvents, func(_ context.Context, e events.Event) error {
		app.Logger.Debug("analytics", "event", e.Name, "instance", e.InstanceID, "props", e.Props)
		return nil
	})
	defer unsubscribe()

	client := app.NewClient(cfg)
	chatOpts := llm.Options{Model: cfg.LLM.Model, MaxTokens: cfg.LLM.MaxTokens}
	if cfg.LLM.Temperature > 0 {
		chatOpts.Temperature = llm.Float(cfg.LLM.Temperature)
	}
	orch, err := orchestrator.New(app.Registry, client,
		orchestrator.WithAnalytics(events.NewCapturer(bus, app.Logger)),
		orchestrator.WithLeaser(leaser),
		orchestrator.WithLeaseTTL(cfg.Lease.TTL),
		orchestrator.WithLogger(app.Logger),
		orchestrator.WithRecentTurnsMax(cfg.Context.RecentTurns),
		orchestrator.WithSnapshotMaxChars(cfg.Context.SnapshotMaxChars),
		orchestrator.WithChatOptions(chatOpts),
	)
	if err != nil {
		return err
	}

	err = orch.Mount(ctx, orchestrator.MountRequest{
		DefinitionID: workflowID,
		InstanceID:   flags.instanceID,
		Launch:       types.LaunchContext{Source: flags.source, Intent: flags.intent},
		Snapshot:     snapshot,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Unmount(context.WithoutCancel(ctx)); err != nil {
			app.Logger.Warn("unmount failed", "error", err)
		}
	}()

	s := &chatSession{
		orch:   orch,
		client: client,
		policy: policy,
		app:    app,
		out:    out,
	}
	return s.loop(ctx, in)
}

type chatSession struct {
	orch   *orchestrator.Orchestrator
	client llm.ChatClient
	policy *rules.AcceptancePolicy
	app    *App
	out    io.Writer

	printed   int
	presented string

	// one presenter per aspiration step, reset on edit passes
	identity     *presenter.IdentityPresenter
	identityStep string
}

func (s *chatSession) loop(ctx context.Context, in io.Reader) error {
	def, err := s.orch.Definition()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s (%s). Type /help for commands.\n", def.Label, def.ID)
	if err := s.present(ctx); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		done, err := s.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(s.out, "! %v\n", err)
		}
		if perr := s.present(ctx); perr != nil {
			fmt.Fprintf(s.out, "! %v\n", perr)
		}
		if done {
			return nil
		}
	}
}

func (s *chatSession) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, s.orch.SendUserMessage(ctx, line)
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, chatHelp)
		return false, nil
	case "/status":
		inst, err := s.orch.Instance()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "status=%s step=%s data=%s\n", inst.Status, inst.CurrentStepID, formatData(inst.CollectedData))
		if s.identity != nil {
			fmt.Fprintf(s.out, "aspiration=%s\n", s.identity.Phase())
		}
		return false, nil
	case "/next":
		data, err := parseAssignments(fields[1:])
		if err != nil {
			return false, err
		}
		step, err := s.currentStep()
		if err != nil {
			return false, err
		}
		return false, s.orch.CompleteStep(step.ID, data, "")
	case "/confirm", "/edit":
		step, err := s.currentStep()
		if err != nil {
			return false, err
		}
		confirmed := fields[0] == "/confirm"
		if err := s.orch.ConfirmStep(step.ID, confirmed, nil); err != nil {
			return false, err
		}
		if !confirmed && s.identity != nil {
			s.identity.Reset()
		}
		return false, nil
	case "/finish":
		return false, s.orch.FinishWorkflow(nil)
	case "/cancel":
		return false, s.orch.Cancel()
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func (s *chatSession) currentStep() (types.WorkflowStep, error) {
	inst, err := s.orch.Instance()
	if err != nil {
		return types.WorkflowStep{}, err
	}
	def, err := s.orch.Definition()
	if err != nil {
		return types.WorkflowStep{}, err
	}
	step, _, ok := def.Step(inst.CurrentStepID)
	if !ok {
		return types.WorkflowStep{}, fmt.Errorf("no current step (status %s)", inst.Status)
	}
	return step, nil
}

// present runs the current step once when it changes, then prints any new
// timeline items.
func (s *chatSession) present(ctx context.Context) error {
	defer s.flush()

	inst, err := s.orch.Instance()
	if err != nil {
		return err
	}
	if inst.Status != types.StatusInProgress {
		if s.presented != string(inst.Status) {
			s.presented = string(inst.Status)
			fmt.Fprintf(s.out, "-- workflow %s --\n", inst.Status)
		}
		return nil
	}
	if inst.CurrentStepID == s.presented {
		return nil
	}

	h, err := s.orch.Current()
	if err != nil {
		return err
	}
	step, _, _ := h.Definition().Step(inst.CurrentStepID)
	if step.Type == types.StepAgentGenerate && identityMode(h.Definition().ChatMode) {
		p, err := s.identityPresenter(step.ID)
		if err != nil {
			return err
		}
		res, err := p.Synthesize(ctx, h, presenter.AnswersFromData(inst.CollectedData))
		if err != nil {
			// left unpresented so the next input retries it
			return err
		}
		s.presented = inst.CurrentStepID
		s.app.Logger.Info("aspiration ready", "source", res.Source, "reason", res.Reason, "score", res.Score)
		// the step advanced, so present the next one
		s.flush()
		return s.present(ctx)
	}
	if err := presenter.Dispatch(ctx, h, step); err != nil {
		return err
	}
	s.presented = inst.CurrentStepID
	return nil
}

func (s *chatSession) identityPresenter(stepID string) (*presenter.IdentityPresenter, error) {
	if s.identity != nil && s.identityStep == stepID {
		return s.identity, nil
	}
	p, err := presenter.NewIdentityPresenter(s.client,
		presenter.WithAcceptancePolicy(s.policy),
		presenter.WithPresenterLogger(s.app.Logger),
		presenter.WithStepID(stepID))
	if err != nil {
		return nil, err
	}
	s.identity, s.identityStep = p, stepID
	return p, nil
}

func (s *chatSession) flush() {
	items, err := s.orch.Timeline()
	if err != nil {
		return
	}
	for _, item := range items[min(s.printed, len(items)):] {
		if item.Pending {
			break
		}
		fmt.Fprintln(s.out, formatItem(item))
		s.printed++
	}
}

func identityMode(mode string) bool {
	return mode == registry.ModeIdentityAspiration || mode == registry.ModeFirstTimeOnboarding
}

func formatItem(item types.TimelineItem) string {
	switch item.Kind {
	case types.TimelineAssistantMessage:
		return "coach: " + item.Content
	case types.TimelineUserMessage:
		return "you: " + item.Content
	case types.TimelineSystemEvent:
		return fmt.Sprintf("[%s] %s", item.Event, item.Content)
	case types.TimelineCard:
		return fmt.Sprintf("[card %s] %s", item.ComponentID, formatData(item.Props))
	default:
		return item.Content
	}
}

func formatData(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// parseAssignments turns key=value words into collected data. Underscores in
// values stand for spaces.
func parseAssignments(words []string) (map[string]interface{}, error) {
	data := make(map[string]interface{}, len(words))
	for _, w := range words {
		key, value, ok := strings.Cut(w, "=")
		if !ok || key == "" {
			return nil, errors.New("expected key=value, got " + w)
		}
		data[key] = strings.ReplaceAll(value, "_", " ")
	}
	return data, nil
}
