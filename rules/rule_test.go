package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "true expression",
			expression: "score > 7",
			env:        map[string]interface{}{"score": 9},
			wantResult: true,
		},
		{
			name:       "false expression",
			expression: "score < 7",
			env:        map[string]interface{}{"score": 9},
		},
		{
			name:       "non-boolean result",
			expression: "score + 5",
			env:        map[string]interface{}{"score": 9},
			wantErr:    true,
		},
		{
			name:       "invalid syntax",
			expression: "score >>> 18",
			env:        map[string]interface{}{"score": 9},
			wantErr:    true,
			errMsg:     "invalid rule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("derived values leave the caller env alone", func(t *testing.T) {
		e := NewExprEvaluator()
		e.AddDerived("double", func(env map[string]interface{}) interface{} {
			return env["n"].(int) * 2
		})
		env := map[string]interface{}{"n": 4}
		ok, err := e.Evaluate("double == 8", env)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NotContains(t, env, "double")
	})

	t.Run("concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(100)
		for i := 0; i < 100; i++ {
			go func() {
				defer wg.Done()
				ok, err := evaluator.Evaluate("value > 0", map[string]interface{}{"value": 42})
				assert.NoError(t, err)
				assert.True(t, ok)
			}()
		}
		wg.Wait()
	})
}

func TestAcceptancePolicy(t *testing.T) {
	policy, err := NewAcceptancePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAcceptance, policy.String())

	for score, want := range map[int]bool{0: false, 7: false, 8: true, 10: true} {
		ok, err := policy.Accept(score, 10)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "score %d", score)
	}

	ratio := MustAcceptancePolicy("ratio >= 0.5")
	ok, err := ratio.Accept(5, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ratio.Accept(1, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewAcceptancePolicy("score >")
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = NewAcceptancePolicy("score + 1")
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Panics(t, func() { MustAcceptancePolicy("nope(") })
}

func BenchmarkAccept(b *testing.B) {
	policy := MustAcceptancePolicy(DefaultAcceptance)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = policy.Accept(i%11, 10)
	}
}
