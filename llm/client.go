package llm

import (
	"context"
	"errors"

	"github.com/songzhibin97/coach-workflow/types"
)

var (
	ErrUnauthorized = errors.New("llm unauthorized")
	ErrUnavailable  = errors.New("llm unavailable")
	ErrRateLimited  = errors.New("llm rate limited")
	ErrEmptyReply   = errors.New("llm returned an empty reply")
)

// Options carries per-call preferences. Zero values mean "client default".
type Options struct {
	Mode        string   // chat mode of the workflow, forwarded for routing
	Model       string
	Temperature *float64
	MaxTokens   int
	JSON        bool // ask for a JSON object reply
}

// ChatClient sends a message list to a language model and returns its reply.
// Implementations impose no retry policy; callers decide.
type ChatClient interface {
	SendChat(ctx context.Context, messages []types.Turn, opts Options) (string, error)
}

// ClientFunc adapts a function into a ChatClient.
type ClientFunc func(ctx context.Context, messages []types.Turn, opts Options) (string, error)

// SendChat implements ChatClient.
func (f ClientFunc) SendChat(ctx context.Context, messages []types.Turn, opts Options) (string, error) {
	return f(ctx, messages, opts)
}

// Float returns a pointer to v, for Options.Temperature.
func Float(v float64) *float64 {
	return &v
}
