// Package orchestrator owns one workflow instance for the lifetime of a
// conversation screen: it mounts the instance, routes step completions into
// it, invokes the model for agent steps and reports lifecycle analytics.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/coach-workflow/chatcontext"
	"github.com/songzhibin97/coach-workflow/llm"
	"github.com/songzhibin97/coach-workflow/logging"
	"github.com/songzhibin97/coach-workflow/registry"
	"github.com/songzhibin97/coach-workflow/storage"
	"github.com/songzhibin97/coach-workflow/timeline"
	"github.com/songzhibin97/coach-workflow/types"
	"github.com/songzhibin97/coach-workflow/workflow"
)

var (
	ErrNotMounted     = errors.New("orchestrator is not mounted")
	ErrAlreadyMounted = errors.New("orchestrator is already mounted")
	ErrStaleSession   = errors.New("session was replaced or unmounted")
	ErrInstanceInUse  = errors.New("instance is owned by another orchestrator")
)

// DefaultLeaseTTL bounds how long an abandoned process keeps an instance.
const DefaultLeaseTTL = 30 * time.Minute

// sharedLeaser gives orchestrators of one process mutual exclusion when no
// Leaser is configured.
var sharedLeaser = storage.NewMemoryLeaser()

// Analytics receives lifecycle facts. Capture must not block.
type Analytics interface {
	Capture(event string, props map[string]interface{})
}

// AnalyticsFunc adapts a function into Analytics.
type AnalyticsFunc func(event string, props map[string]interface{})

// Capture implements Analytics.
func (f AnalyticsFunc) Capture(event string, props map[string]interface{}) {
	f(event, props)
}

type nopAnalytics struct{}

func (nopAnalytics) Capture(string, map[string]interface{}) {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAnalytics sets the analytics sink.
func WithAnalytics(a Analytics) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.analytics = a
		}
	}
}

// WithLeaser sets the ownership store, for example a storage.RedisLeaser
// shared by several processes.
func WithLeaser(l storage.Leaser) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.leaser = l
		}
	}
}

// WithLeaseTTL sets the ownership lease duration.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logging.OrNop(logger)
	}
}

// WithIDGenerator sets the source of timeline item ids.
func WithIDGenerator(g generator.Generator) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithRecentTurnsMax sets the literal transcript window sent to the model.
func WithRecentTurnsMax(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.recentTurnsMax = n
		}
	}
}

// WithSnapshotMaxChars sets the workspace snapshot budget.
func WithSnapshotMaxChars(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.snapshotMaxChars = n
		}
	}
}

// WithChatOptions sets the base options for every model call. Mode is always
// taken from the mounted definition.
func WithChatOptions(opts llm.Options) Option {
	return func(o *Orchestrator) {
		o.chatOpts = opts
	}
}

// session is one instance bound to one definition. Replacing the definition
// creates a new session; continuations compare pointers to detect that.
type session struct {
	definition types.WorkflowDefinition
	instance   *workflow.Instance
	timeline   *timeline.Controller

	// keepalive goroutine; stopKeepalive waits for it to exit
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) stopKeepalive() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Orchestrator is safe for concurrent use. Model calls run without holding
// its lock.
type Orchestrator struct {
	registry         *registry.Registry
	client           llm.ChatClient
	analytics        Analytics
	leaser           storage.Leaser
	leaseTTL         time.Duration
	logger           *slog.Logger
	ids              generator.Generator
	recentTurnsMax   int
	snapshotMaxChars int
	chatOpts         llm.Options
	owner            string

	mu         sync.Mutex
	sess       *session
	started    bool
	seen       map[string]bool
	launchText string
	summary    string
}

// New creates an unmounted orchestrator over an immutable registry.
func New(reg *registry.Registry, client llm.ChatClient, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if client == nil {
		return nil, errors.New("chat client is required")
	}
	o := &Orchestrator{
		registry:         reg,
		client:           client,
		analytics:        nopAnalytics{},
		leaser:           sharedLeaser,
		leaseTTL:         DefaultLeaseTTL,
		logger:           logging.Nop(),
		ids:              generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		recentTurnsMax:   chatcontext.DefaultRecentTurnsMax,
		snapshotMaxChars: chatcontext.DefaultSnapshotMaxChars,
		owner:            uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Owner returns the token this orchestrator holds leases under.
func (o *Orchestrator) Owner() string {
	return o.owner
}

func (o *Orchestrator) nextID() string {
	id, err := o.ids.NextID()
	if err != nil {
		o.logger.Warn("id generator failed, using random id", "error", err)
		return uuid.NewString()
	}
	return strconv.FormatUint(id, 10)
}

// Current returns a handle bound to the active session.
func (o *Orchestrator) Current() (*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return nil, ErrNotMounted
	}
	return &Handle{o: o, sess: o.sess}, nil
}

// Mounted reports whether a session is active.
func (o *Orchestrator) Mounted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess != nil
}

// Instance returns a snapshot of the active instance.
func (o *Orchestrator) Instance() (types.WorkflowInstance, error) {
	h, err := o.Current()
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	return h.Instance(), nil
}

// Definition returns the active definition.
func (o *Orchestrator) Definition() (types.WorkflowDefinition, error) {
	h, err := o.Current()
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	return h.Definition(), nil
}

// Timeline returns a copy of the active session's timeline.
func (o *Orchestrator) Timeline() ([]types.TimelineItem, error) {
	h, err := o.Current()
	if err != nil {
		return nil, err
	}
	return h.sess.timeline.Items(), nil
}

// LaunchText returns the launch context and snapshot text fixed at mount.
func (o *Orchestrator) LaunchText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.launchText
}

// SetConversationSummary replaces the rolling memory summary sent with every
// model call.
func (o *Orchestrator) SetConversationSummary(summary string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summary = summary
}

// CompleteStep completes a step of the active instance.
func (o *Orchestrator) CompleteStep(stepID string, collected map[string]interface{}, nextOverride string) error {
	h, err := o.Current()
	if err != nil {
		return err
	}
	return h.CompleteStep(stepID, collected, nextOverride)
}

// ConfirmStep resolves a confirm step of the active instance.
func (o *Orchestrator) ConfirmStep(stepID string, confirmed bool, collected map[string]interface{}) error {
	h, err := o.Current()
	if err != nil {
		return err
	}
	return h.ConfirmStep(stepID, confirmed, collected)
}

// FinishWorkflow completes a self-managed instance.
func (o *Orchestrator) FinishWorkflow(outcome map[string]interface{}) error {
	h, err := o.Current()
	if err != nil {
		return err
	}
	return h.Finish(outcome)
}

// Cancel cancels the active instance. The session stays mounted.
func (o *Orchestrator) Cancel() error {
	h, err := o.Current()
	if err != nil {
		return err
	}
	return h.Cancel()
}

// InvokeAgentStep runs an agent step against the active session.
func (o *Orchestrator) InvokeAgentStep(ctx context.Context, stepID string) error {
	h, err := o.Current()
	if err != nil {
		return err
	}
	return h.InvokeAgentStep(ctx, stepID)
}

// SendUserMessage sends a user message in the active session.
func (o *Orchestrator) SendUserMessage(ctx context.Context, text string) error {
	h, err := o.Current()
	if err != nil {
		return err
	}
	return h.SendUserMessage(ctx, text)
}
