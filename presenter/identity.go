// Package presenter drives individual workflow steps on behalf of the user
// interface. The identity presenter produces an aspiration with a
// generate, judge and fallback protocol so the user always gets a result.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/songzhibin97/coach-workflow/llm"
	"github.com/songzhibin97/coach-workflow/logging"
	"github.com/songzhibin97/coach-workflow/rules"
	"github.com/songzhibin97/coach-workflow/types"
)

var ErrIncompleteAnswers = errors.New("identity answers are incomplete")

// Phase is the presenter's own progress, independent of the instance.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseGenerating Phase = "generating"
	PhaseReveal     Phase = "reveal"
)

// Source tells where the final aspiration came from.
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Reason explains the outcome of one synthesis.
type Reason string

const (
	ReasonAccepted       Reason = "accepted"
	ReasonUnscored       Reason = "unscored"
	ReasonGenerateFailed Reason = "generate_failed"
	ReasonMalformed      Reason = "malformed"
	ReasonBelowThreshold Reason = "below_threshold"
)

// Judge rubric: five dimensions scored 0 to 2.
var rubric = []string{"specific", "identity", "grounded", "motivating", "concise"}

const maxScore = 10

// RevealComponent is the card component showing the final aspiration.
const RevealComponent = "aspiration_reveal"

// IdentityAnswers are the validated answers of the identity steps.
type IdentityAnswers struct {
	Domain      string `json:"domain"`
	Motivation  string `json:"motivation"`
	ProudMoment string `json:"proudMoment"`
	Trait       string `json:"trait"`
}

// Validate requires every answer.
func (a IdentityAnswers) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"domain", a.Domain},
		{"motivation", a.Motivation},
		{"proudMoment", a.ProudMoment},
		{"trait", a.Trait},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteAnswers, strings.Join(missing, ", "))
	}
	return nil
}

// AnswersFromData reads answers out of an instance's collected data.
func AnswersFromData(data map[string]interface{}) IdentityAnswers {
	get := func(k string) string {
		s, _ := data[k].(string)
		return s
	}
	return IdentityAnswers{
		Domain:      get("domain"),
		Motivation:  get("motivation"),
		ProudMoment: get("proudMoment"),
		Trait:       get("trait"),
	}
}

// Aspiration is the generated artifact.
type Aspiration struct {
	ArcName            string `json:"arcName"`
	AspirationSentence string `json:"aspirationSentence"`
	NextSmallStep      string `json:"nextSmallStep,omitempty"`
}

func (a Aspiration) valid() bool {
	return strings.TrimSpace(a.ArcName) != "" && strings.TrimSpace(a.AspirationSentence) != ""
}

// Fields returns the aspiration as collected step data.
func (a Aspiration) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"arcName":            a.ArcName,
		"aspirationSentence": a.AspirationSentence,
	}
	if a.NextSmallStep != "" {
		fields["nextSmallStep"] = a.NextSmallStep
	}
	return fields
}

// Result is the outcome of Synthesize.
type Result struct {
	Aspiration Aspiration
	Source     Source
	Score      int
	Scored     bool
	Reason     Reason
}

// StepHost is the part of the orchestrator a presenter writes through.
type StepHost interface {
	CompleteStep(stepID string, collected map[string]interface{}, nextOverride string) error
}

// CardHost is implemented by hosts that can show cards.
type CardHost interface {
	AppendCard(componentID string, props map[string]interface{}) error
}

// IdentityOption configures an IdentityPresenter.
type IdentityOption func(*IdentityPresenter)

// WithAcceptancePolicy sets the judge threshold.
func WithAcceptancePolicy(p *rules.AcceptancePolicy) IdentityOption {
	return func(ip *IdentityPresenter) {
		if p != nil {
			ip.policy = p
		}
	}
}

// WithPresenterLogger sets the logger.
func WithPresenterLogger(logger *slog.Logger) IdentityOption {
	return func(ip *IdentityPresenter) {
		ip.logger = logging.OrNop(logger)
	}
}

// WithStepID sets the agent step the result is written to.
func WithStepID(stepID string) IdentityOption {
	return func(ip *IdentityPresenter) {
		if stepID != "" {
			ip.stepID = stepID
		}
	}
}

// WithModelOptions sets base options for the generate and judge calls.
func WithModelOptions(opts llm.Options) IdentityOption {
	return func(ip *IdentityPresenter) {
		ip.modelOpts = opts
	}
}

// IdentityPresenter owns the aspiration step of identity workflows.
type IdentityPresenter struct {
	client    llm.ChatClient
	policy    *rules.AcceptancePolicy
	logger    *slog.Logger
	stepID    string
	modelOpts llm.Options

	mu     sync.Mutex
	phase  Phase
	result *Result
}

// NewIdentityPresenter creates a presenter in the collecting phase.
func NewIdentityPresenter(client llm.ChatClient, opts ...IdentityOption) (*IdentityPresenter, error) {
	if client == nil {
		return nil, errors.New("chat client is required")
	}
	policy, err := rules.NewAcceptancePolicy(rules.DefaultAcceptance)
	if err != nil {
		return nil, err
	}
	p := &IdentityPresenter{
		client: client,
		policy: policy,
		logger: logging.Nop(),
		stepID: "aspiration",
		phase:  PhaseCollecting,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Phase returns the current phase.
func (p *IdentityPresenter) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Result returns the last accepted result, if any.
func (p *IdentityPresenter) Result() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return Result{}, false
	}
	return *p.result, true
}

// Reset returns the presenter to collecting, for an edit pass.
func (p *IdentityPresenter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = PhaseCollecting
	p.result = nil
}

// Synthesize generates, judges and if necessary replaces the aspiration,
// then completes the aspiration step through host and moves to reveal.
// Model failures never surface as errors; only invalid answers and host
// write failures do.
func (p *IdentityPresenter) Synthesize(ctx context.Context, host StepHost, answers IdentityAnswers) (Result, error) {
	if err := answers.Validate(); err != nil {
		return Result{}, err
	}
	p.setPhase(PhaseGenerating)

	res := p.synthesize(ctx, answers)
	if err := host.CompleteStep(p.stepID, res.Aspiration.Fields(), ""); err != nil {
		p.setPhase(PhaseCollecting)
		return res, fmt.Errorf("failed to write aspiration: %w", err)
	}
	if cards, ok := host.(CardHost); ok {
		props := res.Aspiration.Fields()
		props["source"] = string(res.Source)
		if err := cards.AppendCard(RevealComponent, props); err != nil {
			p.logger.Warn("failed to show aspiration", "error", err)
		}
	}

	p.mu.Lock()
	p.phase = PhaseReveal
	p.result = &res
	p.mu.Unlock()
	return res, nil
}

func (p *IdentityPresenter) setPhase(phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = phase
}

func (p *IdentityPresenter) synthesize(ctx context.Context, answers IdentityAnswers) Result {
	fallback := func(reason Reason, score int, scored bool) Result {
		return Result{
			Aspiration: FallbackAspiration(answers),
			Source:     SourceFallback,
			Score:      score,
			Scored:     scored,
			Reason:     reason,
		}
	}

	opts := p.modelOpts
	opts.JSON = true
	if opts.Temperature == nil {
		opts.Temperature = llm.Float(0.7)
	}
	reply, err := p.client.SendChat(ctx, generatePrompt(answers), opts)
	if err != nil {
		p.logger.Warn("aspiration generation failed", "error", err)
		return fallback(ReasonGenerateFailed, 0, false)
	}

	var candidate Aspiration
	if err := DecodeJSONObject(reply, &candidate); err != nil || !candidate.valid() {
		p.logger.Warn("aspiration reply malformed", "error", err)
		return fallback(ReasonMalformed, 0, false)
	}

	score, err := p.judge(ctx, answers, candidate)
	if err != nil {
		p.logger.Warn("aspiration judge unavailable, accepting candidate", "error", err)
		return Result{Aspiration: candidate, Source: SourceModel, Reason: ReasonUnscored}
	}

	ok, err := p.policy.Accept(score, maxScore)
	if err != nil {
		p.logger.Warn("acceptance rule failed, accepting candidate", "rule", p.policy.String(), "error", err)
		return Result{Aspiration: candidate, Source: SourceModel, Score: score, Scored: true, Reason: ReasonUnscored}
	}
	if !ok {
		p.logger.Info("aspiration rejected by judge",
			"score", score,
			"rule", p.policy.String())
		return fallback(ReasonBelowThreshold, score, true)
	}
	return Result{Aspiration: candidate, Source: SourceModel, Score: score, Scored: true, Reason: ReasonAccepted}
}

// verdict accepts fractional numbers; judges often answer 3.0 or 4.5.
type verdict struct {
	Scores map[string]float64 `json:"scores"`
	Total  *float64           `json:"total"`
}

// judge asks an independent call to rate the candidate. Any failure means
// no score.
func (p *IdentityPresenter) judge(ctx context.Context, answers IdentityAnswers, candidate Aspiration) (int, error) {
	opts := p.modelOpts
	opts.JSON = true
	opts.Temperature = llm.Float(0)
	reply, err := p.client.SendChat(ctx, judgePrompt(answers, candidate), opts)
	if err != nil {
		return 0, err
	}
	var v verdict
	if err := DecodeJSONObject(reply, &v); err != nil {
		return 0, err
	}
	return v.aggregate()
}

func (v verdict) aggregate() (int, error) {
	if len(v.Scores) > 0 {
		total := 0.0
		for _, dim := range rubric {
			s, ok := v.Scores[dim]
			if !ok {
				return 0, fmt.Errorf("judge omitted %q", dim)
			}
			total += clampScore(s, 2)
		}
		return int(math.Round(total)), nil
	}
	if v.Total != nil {
		return int(math.Round(clampScore(*v.Total, maxScore))), nil
	}
	return 0, errors.New("judge returned no score")
}

func clampScore(v float64, hi int) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, float64(hi))
}


func generatePrompt(a IdentityAnswers) []types.Turn {
	return []types.Turn{
		{Role: types.RoleSystem, Content: "You write identity-based aspirations for a personal coaching app. " +
			"Reply with a single JSON object and nothing else, with keys " +
			`"arcName" (2 to 4 words), "aspirationSentence" (one first-person sentence starting with "I'm becoming") ` +
			`and optionally "nextSmallStep" (one concrete action for this week). Use only the answers given.`},
		{Role: types.RoleUser, Content: fmt.Sprintf(
			"Life area: %s\nWhy it matters: %s\nA proud moment: %s\nTrait to embody: %s",
			a.Domain, a.Motivation, a.ProudMoment, a.Trait)},
	}
}

func judgePrompt(a IdentityAnswers, c Aspiration) []types.Turn {
	return []types.Turn{
		{Role: types.RoleSystem, Content: "You grade coaching aspirations. Score each dimension 0, 1 or 2: " +
			strings.Join(rubric, ", ") + ". " +
			`Reply with JSON only: {"scores": {"specific": n, "identity": n, "grounded": n, "motivating": n, "concise": n}}.`},
		{Role: types.RoleUser, Content: fmt.Sprintf(
			"Answers:\n- life area: %s\n- why: %s\n- proud moment: %s\n- trait: %s\n\nCandidate:\n- arc name: %s\n- sentence: %s",
			a.Domain, a.Motivation, a.ProudMoment, a.Trait, c.ArcName, c.AspirationSentence)},
	}
}
