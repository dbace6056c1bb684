package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/coach-workflow/chatcontext"
	"github.com/songzhibin97/coach-workflow/llm"
	"github.com/songzhibin97/coach-workflow/registry"
	"github.com/songzhibin97/coach-workflow/storage"
	"github.com/songzhibin97/coach-workflow/types"
	"github.com/songzhibin97/coach-workflow/workflow"
)

type analyticsRecorder struct {
	mu     sync.Mutex
	events []captured
}

func (r *analyticsRecorder) Capture(event string, props map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, captured{name: event, props: props})
}

func (r *analyticsRecorder) named(name string) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]interface{}
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e.props)
		}
	}
	return out
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]types.WorkflowDefinition{
		{
			ID:       "goal_test",
			Version:  1,
			ChatMode: "goal_creation",
			Steps: []types.WorkflowStep{
				{ID: "context", Type: types.StepCollectFields, Label: "Context", PromptTemplate: "Ask what the goal is about.", NextStepID: "draft"},
				{ID: "draft", Type: types.StepAgentGenerate, Label: "Draft", PromptTemplate: "Draft one goal.", ValidationHint: "One sentence.", LoadingMessage: "Drafting your goal...", NextStepID: "confirm"},
				{ID: "confirm", Type: types.StepConfirm, Label: "Confirm", NextStepOnEditID: "context"},
			},
		},
		{
			ID:       "arc_test",
			Version:  1,
			ChatMode: "arc_creation",
			Steps: []types.WorkflowStep{
				{ID: "start", Type: types.StepCollectFields, PromptTemplate: "Ask about the arc."},
			},
		},
		{
			ID:                   "onboarding_test",
			Version:              1,
			ChatMode:             "first_time_onboarding",
			SelfManagedLifecycle: true,
			Steps: []types.WorkflowStep{
				{ID: "welcome", Type: types.StepCollectFields, NextStepID: "reveal"},
				{ID: "reveal", Type: types.StepAgentGenerate},
			},
		},
	})
	require.NoError(t, err)
	return reg
}

func newTestOrchestrator(t *testing.T, client llm.ChatClient, opts ...Option) (*Orchestrator, *analyticsRecorder) {
	t.Helper()
	rec := &analyticsRecorder{}
	opts = append([]Option{WithAnalytics(rec), WithLeaser(storage.NewMemoryLeaser())}, opts...)
	o, err := New(testRegistry(t), client, opts...)
	require.NoError(t, err)
	return o, rec
}

func mount(t *testing.T, o *Orchestrator, definitionID string) {
	t.Helper()
	require.NoError(t, o.Mount(context.Background(), MountRequest{
		DefinitionID: definitionID,
		Launch:       types.LaunchContext{Source: "goals_tab", Intent: "create_goal"},
		Snapshot:     "Arcs: Runner.",
	}))
}

// appendUser records a user turn without asking the model for a reply.
func appendUser(t *testing.T, o *Orchestrator, text string) {
	t.Helper()
	h, err := o.Current()
	require.NoError(t, err)
	h.sess.timeline.AppendUser(text)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, llm.NewScriptedClient())
	assert.Error(t, err)
	_, err = New(testRegistry(t), nil)
	assert.Error(t, err)
}

func TestNotMounted(t *testing.T) {
	o, _ := newTestOrchestrator(t, llm.NewScriptedClient())
	ctx := context.Background()

	assert.ErrorIs(t, o.CompleteStep("context", nil, ""), ErrNotMounted)
	assert.ErrorIs(t, o.InvokeAgentStep(ctx, "draft"), ErrNotMounted)
	assert.ErrorIs(t, o.SendUserMessage(ctx, "hi"), ErrNotMounted)
	assert.ErrorIs(t, o.Unmount(ctx), ErrNotMounted)
	assert.ErrorIs(t, o.SetDefinition(ctx, "arc_test"), ErrNotMounted)
	_, err := o.Instance()
	assert.ErrorIs(t, err, ErrNotMounted)
}

func TestMountStartsInstance(t *testing.T) {
	o, rec := newTestOrchestrator(t, llm.NewScriptedClient())
	mount(t, o, "goal_test")

	inst, err := o.Instance()
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, inst.Status)
	assert.Equal(t, "context", inst.CurrentStepID)
	assert.Contains(t, o.LaunchText(), chatcontext.LaunchContextMarker)
	assert.Contains(t, o.LaunchText(), "Arcs: Runner.")

	assert.Len(t, rec.named(eventStarted), 1)
	viewed := rec.named(eventStepViewed)
	require.Len(t, viewed, 1)
	assert.Equal(t, "context", viewed[0]["stepId"])

	assert.ErrorIs(t, o.Mount(context.Background(), MountRequest{DefinitionID: "goal_test"}), ErrAlreadyMounted)

	other, _ := newTestOrchestrator(t, llm.NewScriptedClient())
	err = other.Mount(context.Background(), MountRequest{DefinitionID: "missing"})
	assert.ErrorIs(t, err, registry.ErrDefinitionNotFound)
}

func TestCompleteStepAnalytics(t *testing.T) {
	o, rec := newTestOrchestrator(t, llm.NewScriptedClient())
	mount(t, o, "goal_test")

	require.NoError(t, o.CompleteStep("context", map[string]interface{}{"topic": "running"}, ""))
	require.NoError(t, o.CompleteStep("draft", map[string]interface{}{"title": "Run 10k"}, ""))
	require.NoError(t, o.ConfirmStep("confirm", false, nil))
	require.NoError(t, o.CompleteStep("context", map[string]interface{}{"topic": "trail running"}, ""))
	require.NoError(t, o.CompleteStep("draft", nil, ""))
	require.NoError(t, o.ConfirmStep("confirm", true, nil))

	inst, err := o.Instance()
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, inst.Status)
	assert.Equal(t, map[string]interface{}{"topic": "trail running", "title": "Run 10k"}, inst.Outcome)

	completed := rec.named(eventStepCompleted)
	require.Len(t, completed, 6)
	assert.Equal(t, "context", completed[0]["stepId"])
	assert.Equal(t, 0, completed[0]["stepIndex"])
	assert.Equal(t, "draft", completed[0]["nextStepId"])
	assert.Equal(t, "confirm", completed[2]["stepId"])
	assert.Equal(t, "context", completed[2]["nextStepId"])
	assert.Equal(t, "", completed[5]["nextStepId"])

	// revisiting a step does not re-report it as viewed
	assert.Len(t, rec.named(eventStepViewed), 3)
	assert.Len(t, rec.named(eventCompleted), 1)

	assert.ErrorIs(t, o.CompleteStep("draft", nil, ""), workflow.ErrNotInProgress)
	require.NoError(t, o.Unmount(context.Background()))
	assert.Empty(t, rec.named(eventAbandoned))
}

func TestAbandonmentReadsStateAtTeardown(t *testing.T) {
	o, rec := newTestOrchestrator(t, llm.NewScriptedClient())
	mount(t, o, "goal_test")
	require.NoError(t, o.CompleteStep("context", nil, ""))
	require.NoError(t, o.CompleteStep("draft", nil, ""))
	require.NoError(t, o.Unmount(context.Background()))

	abandoned := rec.named(eventAbandoned)
	require.Len(t, abandoned, 1)
	assert.Equal(t, "confirm", abandoned[0]["stepId"])
	assert.Equal(t, 2, abandoned[0]["stepIndex"])
	assert.Equal(t, string(types.StatusInProgress), abandoned[0]["status"])
}

func TestStartedOncePerMount(t *testing.T) {
	o, rec := newTestOrchestrator(t, llm.NewScriptedClient())
	mount(t, o, "goal_test")
	require.NoError(t, o.SetDefinition(context.Background(), "arc_test"))
	assert.Len(t, rec.named(eventStarted), 1)

	require.NoError(t, o.Unmount(context.Background()))
	mount(t, o, "goal_test")
	assert.Len(t, rec.named(eventStarted), 2)
}

func TestSetDefinitionRecreatesInstance(t *testing.T) {
	o, rec := newTestOrchestrator(t, llm.NewScriptedClient())
	mount(t, o, "goal_test")
	before, err := o.Instance()
	require.NoError(t, err)

	require.NoError(t, o.SetDefinition(context.Background(), "goal_test"))
	same, err := o.Instance()
	require.NoError(t, err)
	assert.Equal(t, before.ID, same.ID)

	require.NoError(t, o.SetDefinition(context.Background(), "arc_test"))
	after, err := o.Instance()
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, "arc_test", after.DefinitionID)
	assert.Equal(t, "start", after.CurrentStepID)
	assert.Len(t, rec.named(eventAbandoned), 1)

	assert.ErrorIs(t, o.SetDefinition(context.Background(), "missing"), registry.ErrDefinitionNotFound)
}

func TestInvokeAgentStepAppendsReply(t *testing.T) {
	client := llm.NewScriptedClient(llm.Reply{Text: "Run a 10k before June."})
	o, _ := newTestOrchestrator(t, client)
	mount(t, o, "goal_test")
	appendUser(t, o, "I want to run more")
	require.NoError(t, o.CompleteStep("context", nil, ""))

	require.NoError(t, o.InvokeAgentStep(context.Background(), "draft"))

	items, err := o.Timeline()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, types.TimelineAssistantMessage, items[1].Kind)
	assert.Equal(t, "Run a 10k before June.", items[1].Content)
	assert.False(t, items[1].Pending)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "goal_creation", calls[0].Options.Mode)
	msgs := calls[0].Messages
	require.NotEmpty(t, msgs)
	assert.True(t, strings.HasPrefix(msgs[0].Content, chatcontext.LaunchContextMarker))
	var guidance bool
	for _, m := range msgs {
		if m.Role == types.RoleSystem && strings.Contains(m.Content, "Draft one goal.") {
			guidance = true
		}
	}
	assert.True(t, guidance)
	assert.Equal(t, types.Turn{Role: types.RoleUser, Content: "I want to run more"}, msgs[len(msgs)-1])
}

func TestInvokeAgentStepShowsPlaceholderWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	inFlight := make(chan struct{})
	client := llm.ClientFunc(func(ctx context.Context, _ []types.Turn, _ llm.Options) (string, error) {
		close(inFlight)
		<-release
		return "Here is a draft.", nil
	})
	o, _ := newTestOrchestrator(t, client)
	mount(t, o, "goal_test")

	done := make(chan error, 1)
	go func() { done <- o.InvokeAgentStep(context.Background(), "draft") }()
	<-inFlight

	items, err := o.Timeline()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Pending)
	assert.Equal(t, "Drafting your goal...", items[0].Content)

	close(release)
	require.NoError(t, <-done)
	items, err = o.Timeline()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.False(t, items[0].Pending)
	assert.Equal(t, "Here is a draft.", items[0].Content)
}

func TestInvokeAgentStepFailureLeavesTimeline(t *testing.T) {
	for name, reply := range map[string]llm.Reply{
		"transport": {Err: llm.ErrUnavailable},
		"empty":     {Text: "   "},
	} {
		t.Run(name, func(t *testing.T) {
			o, _ := newTestOrchestrator(t, llm.NewScriptedClient(reply))
			mount(t, o, "goal_test")
			appendUser(t, o, "hello")
			before, err := o.Timeline()
			require.NoError(t, err)

			require.NoError(t, o.InvokeAgentStep(context.Background(), "draft"))

			after, err := o.Timeline()
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestInvokeAgentStepPreconditions(t *testing.T) {
	o, _ := newTestOrchestrator(t, llm.NewScriptedClient())
	mount(t, o, "goal_test")
	assert.ErrorIs(t, o.InvokeAgentStep(context.Background(), "nope"), workflow.ErrStepNotFound)

	require.NoError(t, o.Cancel())
	assert.ErrorIs(t, o.InvokeAgentStep(context.Background(), "draft"), workflow.ErrNotInProgress)
}

func TestStaleReplyIsDropped(t *testing.T) {
	release := make(chan struct{})
	inFlight := make(chan struct{}, 1)
	client := llm.ClientFunc(func(ctx context.Context, _ []types.Turn, _ llm.Options) (string, error) {
		inFlight <- struct{}{}
		<-release
		return "late reply", nil
	})
	o, _ := newTestOrchestrator(t, client)
	mount(t, o, "goal_test")

	done := make(chan error, 1)
	go func() { done <- o.InvokeAgentStep(context.Background(), "draft") }()
	<-inFlight

	require.NoError(t, o.SetDefinition(context.Background(), "arc_test"))
	close(release)
	assert.ErrorIs(t, <-done, ErrStaleSession)

	items, err := o.Timeline()
	require.NoError(t, err)
	assert.Empty(t, items)
	inst, err := o.Instance()
	require.NoError(t, err)
	assert.Empty(t, inst.CollectedData)
}

func TestHandleGoesStale(t *testing.T) {
	o, _ := newTestOrchestrator(t, llm.NewScriptedClient())
	mount(t, o, "goal_test")
	h, err := o.Current()
	require.NoError(t, err)
	require.NoError(t, h.AppendCard("goal_draft", map[string]interface{}{"title": "Run"}))
	assert.False(t, h.Stale())

	require.NoError(t, o.Unmount(context.Background()))
	assert.True(t, h.Stale())
	assert.ErrorIs(t, h.AppendCard("goal_draft", nil), ErrStaleSession)
	assert.ErrorIs(t, h.CompleteStep("context", nil, ""), ErrStaleSession)
	assert.ErrorIs(t, h.AppendSystemEvent("note", "x"), ErrStaleSession)
}

func TestExclusiveOwnership(t *testing.T) {
	leaser := storage.NewMemoryLeaser()
	first, _ := newTestOrchestrator(t, llm.NewScriptedClient(), WithLeaser(leaser))
	second, _ := newTestOrchestrator(t, llm.NewScriptedClient(), WithLeaser(leaser))
	ctx := context.Background()
	req := MountRequest{DefinitionID: "goal_test", InstanceID: "inst-42"}

	require.NoError(t, first.Mount(ctx, req))
	assert.ErrorIs(t, second.Mount(ctx, req), ErrInstanceInUse)
	assert.False(t, second.Mounted())

	owner, err := leaser.Owner(ctx, "inst-42")
	require.NoError(t, err)
	assert.Equal(t, first.Owner(), owner)
	require.NoError(t, first.RenewLease(ctx))

	require.NoError(t, first.Unmount(ctx))
	require.NoError(t, second.Mount(ctx, req))
}

func TestLeaseRenewedWhileMounted(t *testing.T) {
	leaser := storage.NewMemoryLeaser()
	first, _ := newTestOrchestrator(t, llm.NewScriptedClient(), WithLeaser(leaser), WithLeaseTTL(50*time.Millisecond))
	second, _ := newTestOrchestrator(t, llm.NewScriptedClient(), WithLeaser(leaser), WithLeaseTTL(50*time.Millisecond))
	ctx := context.Background()
	req := MountRequest{DefinitionID: "goal_test", InstanceID: "shared"}

	require.NoError(t, first.Mount(ctx, req))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, first.CompleteStep("context", map[string]interface{}{"goal": "10k"}, ""))
	time.Sleep(90 * time.Millisecond)

	assert.ErrorIs(t, second.Mount(ctx, req), ErrInstanceInUse)
	assert.True(t, first.Mounted())

	require.NoError(t, first.Unmount(ctx))
	require.NoError(t, second.Mount(ctx, req))
	require.NoError(t, second.Unmount(ctx))
}

// flakyLeaser hands the instance to someone else once stolen is set.
type flakyLeaser struct {
	*storage.MemoryLeaser
	stolen atomic.Bool
}

func (l *flakyLeaser) Acquire(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if l.stolen.Load() {
		return storage.ErrLeaseHeld
	}
	return l.MemoryLeaser.Acquire(ctx, instanceID, owner, ttl)
}

func TestLostLeaseDetachesSession(t *testing.T) {
	leaser := &flakyLeaser{MemoryLeaser: storage.NewMemoryLeaser()}
	o, _ := newTestOrchestrator(t, llm.NewScriptedClient(), WithLeaser(leaser), WithLeaseTTL(20*time.Millisecond))
	mount(t, o, "goal_test")
	h, err := o.Current()
	require.NoError(t, err)

	leaser.stolen.Store(true)
	assert.Eventually(t, func() bool { return !o.Mounted() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.CompleteStep("context", nil, ""), ErrStaleSession)
	assert.ErrorIs(t, o.RenewLease(context.Background()), ErrNotMounted)
}

func TestRenewLeaseReportsTakeover(t *testing.T) {
	leaser := &flakyLeaser{MemoryLeaser: storage.NewMemoryLeaser()}
	o, _ := newTestOrchestrator(t, llm.NewScriptedClient(), WithLeaser(leaser))
	mount(t, o, "goal_test")

	leaser.stolen.Store(true)
	assert.ErrorIs(t, o.RenewLease(context.Background()), ErrInstanceInUse)
	assert.False(t, o.Mounted())
}

func TestSelfManagedLifecycle(t *testing.T) {
	o, rec := newTestOrchestrator(t, llm.NewScriptedClient())
	mount(t, o, "onboarding_test")

	require.NoError(t, o.CompleteStep("welcome", map[string]interface{}{"name": "Sam"}, ""))
	require.NoError(t, o.CompleteStep("reveal", map[string]interface{}{"arcName": "The Runner"}, ""))
	inst, err := o.Instance()
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, inst.Status)
	assert.Empty(t, rec.named(eventCompleted))

	require.NoError(t, o.FinishWorkflow(map[string]interface{}{"done": true}))
	inst, err = o.Instance()
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, inst.Status)
	assert.Equal(t, true, inst.Outcome["done"])
	assert.Len(t, rec.named(eventCompleted), 1)
}

func TestConversationSummaryAndWindow(t *testing.T) {
	client := llm.NewScriptedClient(llm.Reply{Text: "ok"})
	o, _ := newTestOrchestrator(t, client, WithRecentTurnsMax(2))
	mount(t, o, "goal_test")
	o.SetConversationSummary("Prefers mornings.")

	h, err := o.Current()
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		h.sess.timeline.AppendUser(text)
	}
	require.NoError(t, o.SendUserMessage(context.Background(), "four"))

	msgs := client.Calls()[0].Messages
	var users []string
	var summary bool
	for _, m := range msgs {
		if m.Role == types.RoleUser {
			users = append(users, m.Content)
		}
		if strings.Contains(m.Content, "Prefers mornings.") {
			summary = true
		}
	}
	assert.Equal(t, []string{"three", "four"}, users)
	assert.True(t, summary)

	items, err := o.Timeline()
	require.NoError(t, err)
	assert.Equal(t, "ok", items[len(items)-1].Content)
}
