package presenter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/coach-workflow/llm"
	"github.com/songzhibin97/coach-workflow/rules"
)

type fakeHost struct {
	stepID    string
	collected map[string]interface{}
	cards     []string
	err       error
}

func (h *fakeHost) CompleteStep(stepID string, collected map[string]interface{}, _ string) error {
	if h.err != nil {
		return h.err
	}
	h.stepID = stepID
	h.collected = collected
	return nil
}

func (h *fakeHost) AppendCard(componentID string, _ map[string]interface{}) error {
	h.cards = append(h.cards, componentID)
	return nil
}

var answers = IdentityAnswers{
	Domain:      "running",
	Motivation:  "It clears my head",
	ProudMoment: "finishing my first half marathon",
	Trait:       "consistent",
}

const candidateReply = "Here you go:\n{\"arcName\":\"Steady Miles\",\"aspirationSentence\":\"I'm becoming a runner who shows up.\"}\nThanks!"

func scores(n int) string {
	parts := make([]string, 0, len(rubric))
	left := n
	for _, dim := range rubric {
		s := max(min(left, 2), 0)
		left -= s
		parts = append(parts, `"`+dim+`": `+string(rune('0'+s)))
	}
	return `{"scores": {` + strings.Join(parts, ", ") + `}}`
}

func TestExtractJSONObject(t *testing.T) {
	raw, err := ExtractJSONObject(candidateReply)
	require.NoError(t, err)

	var asp Aspiration
	require.NoError(t, DecodeJSONObject(candidateReply, &asp))
	assert.Equal(t, Aspiration{ArcName: "Steady Miles", AspirationSentence: "I'm becoming a runner who shows up."}, asp)
	assert.True(t, strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"))

	for _, bad := range []string{"", "no braces", "} backwards {"} {
		_, err := ExtractJSONObject(bad)
		assert.ErrorIs(t, err, ErrNoJSONObject, bad)
	}
	assert.Error(t, DecodeJSONObject("{not json}", &asp))
}

func TestSynthesize(t *testing.T) {
	boom := errors.New("network down")
	tests := []struct {
		name       string
		replies    []llm.Reply
		wantSource Source
		wantReason Reason
		wantScore  int
	}{
		{
			name:       "accepted",
			replies:    []llm.Reply{{Text: candidateReply}, {Text: scores(9)}},
			wantSource: SourceModel,
			wantReason: ReasonAccepted,
			wantScore:  9,
		},
		{
			name:       "below threshold falls back",
			replies:    []llm.Reply{{Text: candidateReply}, {Text: scores(5)}},
			wantSource: SourceFallback,
			wantReason: ReasonBelowThreshold,
			wantScore:  5,
		},
		{
			name:       "fractional total below threshold falls back",
			replies:    []llm.Reply{{Text: candidateReply}, {Text: `{"total": 4.5}`}},
			wantSource: SourceFallback,
			wantReason: ReasonBelowThreshold,
			wantScore:  5,
		},
		{
			name:       "float total below threshold falls back",
			replies:    []llm.Reply{{Text: candidateReply}, {Text: `{"total": 3.0}`}},
			wantSource: SourceFallback,
			wantReason: ReasonBelowThreshold,
			wantScore:  3,
		},
		{
			name:       "float dimensions are summed",
			replies:    []llm.Reply{{Text: candidateReply}, {Text: `{"scores": {"specific": 0.0, "identity": 0.0, "grounded": 0.5, "motivating": 1.0, "concise": 0.0}}`}},
			wantSource: SourceFallback,
			wantReason: ReasonBelowThreshold,
			wantScore:  2,
		},
		{
			name:       "float dimensions accepted",
			replies:    []llm.Reply{{Text: candidateReply}, {Text: `{"scores": {"specific": 2.0, "identity": 2.0, "grounded": 1.5, "motivating": 2.0, "concise": 1.5}}`}},
			wantSource: SourceModel,
			wantReason: ReasonAccepted,
			wantScore:  9,
		},
		{
			name:       "judge failure accepts candidate",
			replies:    []llm.Reply{{Text: candidateReply}, {Err: boom}},
			wantSource: SourceModel,
			wantReason: ReasonUnscored,
		},
		{
			name:       "judge prose accepts candidate",
			replies:    []llm.Reply{{Text: candidateReply}, {Text: "I'd give it a solid eight."}},
			wantSource: SourceModel,
			wantReason: ReasonUnscored,
		},
		{
			name:       "generate failure falls back",
			replies:    []llm.Reply{{Err: boom}},
			wantSource: SourceFallback,
			wantReason: ReasonGenerateFailed,
		},
		{
			name:       "malformed reply falls back",
			replies:    []llm.Reply{{Text: "Sorry, I can't help with that."}},
			wantSource: SourceFallback,
			wantReason: ReasonMalformed,
		},
		{
			name:       "missing fields fall back",
			replies:    []llm.Reply{{Text: `{"arcName": "Only A Name"}`}},
			wantSource: SourceFallback,
			wantReason: ReasonMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewScriptedClient(tt.replies...)
			p, err := NewIdentityPresenter(client)
			require.NoError(t, err)
			host := &fakeHost{}

			res, err := p.Synthesize(context.Background(), host, answers)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSource, res.Source)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Len(t, client.Calls(), len(tt.replies))
			if tt.wantSource == SourceFallback {
				assert.Equal(t, FallbackAspiration(answers), res.Aspiration)
			} else {
				assert.Equal(t, "Steady Miles", res.Aspiration.ArcName)
			}

			assert.Equal(t, "aspiration", host.stepID)
			assert.Equal(t, res.Aspiration.ArcName, host.collected["arcName"])
			assert.Equal(t, []string{RevealComponent}, host.cards)
			assert.Equal(t, PhaseReveal, p.Phase())
			got, ok := p.Result()
			require.True(t, ok)
			assert.Equal(t, res, got)
		})
	}
}

func TestSynthesizeErrors(t *testing.T) {
	p, err := NewIdentityPresenter(llm.NewScriptedClient())
	require.NoError(t, err)

	_, err = p.Synthesize(context.Background(), &fakeHost{}, IdentityAnswers{Domain: "craft"})
	assert.ErrorIs(t, err, ErrIncompleteAnswers)
	assert.Equal(t, PhaseCollecting, p.Phase())

	stale := errors.New("session replaced")
	res, err := p.Synthesize(context.Background(), &fakeHost{err: stale}, answers)
	assert.ErrorIs(t, err, stale)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, PhaseCollecting, p.Phase())
	_, ok := p.Result()
	assert.False(t, ok)

	_, err = NewIdentityPresenter(nil)
	assert.Error(t, err)
}

func TestCustomAcceptancePolicy(t *testing.T) {
	client := llm.NewScriptedClient(llm.Reply{Text: candidateReply}, llm.Reply{Text: `{"total": 5}`})
	p, err := NewIdentityPresenter(client,
		WithAcceptancePolicy(rules.MustAcceptancePolicy("score >= 5")),
		WithStepID("draft"))
	require.NoError(t, err)
	host := &fakeHost{}

	res, err := p.Synthesize(context.Background(), host, answers)
	require.NoError(t, err)
	assert.Equal(t, ReasonAccepted, res.Reason)
	assert.Equal(t, "draft", host.stepID)

	p.Reset()
	assert.Equal(t, PhaseCollecting, p.Phase())
}

func TestVerdictAggregate(t *testing.T) {
	total := 42.0
	tests := []struct {
		name    string
		v       verdict
		want    int
		wantErr bool
	}{
		{name: "all dimensions", v: verdict{Scores: map[string]float64{"specific": 2, "identity": 2, "grounded": 1, "motivating": 2, "concise": 1}}, want: 8},
		{name: "clamped dimensions", v: verdict{Scores: map[string]float64{"specific": 5, "identity": -1, "grounded": 2, "motivating": 2, "concise": 2}}, want: 8},
		{name: "missing dimension", v: verdict{Scores: map[string]float64{"specific": 2}}, wantErr: true},
		{name: "total only", v: verdict{Total: &total}, want: 10},
		{name: "empty", v: verdict{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.v.aggregate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFallbackAspiration(t *testing.T) {
	asp := FallbackAspiration(answers)
	assert.Equal(t, "The Consistent Running", asp.ArcName)
	assert.Equal(t, "I'm becoming someone who brings consistent to running, because it clears my head.", asp.AspirationSentence)
	assert.Contains(t, asp.NextSmallStep, "finishing my first half marathon")
	assert.Equal(t, asp, FallbackAspiration(answers))

	sparse := FallbackAspiration(IdentityAnswers{Domain: "family", Motivation: "I want to be present."})
	assert.Equal(t, "The Family Arc", sparse.ArcName)
	assert.Equal(t, "I'm becoming someone who brings steady attention to family, because I want to be present.", sparse.AspirationSentence)
	assert.Empty(t, sparse.NextSmallStep)

	empty := FallbackAspiration(IdentityAnswers{})
	assert.NotEmpty(t, empty.ArcName)
	assert.NotEmpty(t, empty.AspirationSentence)
}

func TestAnswersFromData(t *testing.T) {
	got := AnswersFromData(map[string]interface{}{
		"domain": "craft", "motivation": "joy", "proudMoment": "first chair", "trait": "patient", "other": 3,
	})
	assert.Equal(t, IdentityAnswers{Domain: "craft", Motivation: "joy", ProudMoment: "first chair", Trait: "patient"}, got)
	assert.NoError(t, got.Validate())
}
