package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/songzhibin97/coach-workflow/types"
)

// ErrScriptExhausted is returned once every scripted reply was consumed.
var ErrScriptExhausted = errors.New("scripted client has no replies left")

// Reply is one canned answer of a ScriptedClient.
type Reply struct {
	Text string
	Err  error
}

// Call records one SendChat invocation.
type Call struct {
	Messages []types.Turn
	Options  Options
}

// ScriptedClient replays replies in order and records every call. It backs
// the offline demo and tests.
type ScriptedClient struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call
}

// NewScriptedClient creates a client that answers with replies in order.
func NewScriptedClient(replies ...Reply) *ScriptedClient {
	return &ScriptedClient{replies: replies}
}

// SendChat implements ChatClient.
func (s *ScriptedClient) SendChat(ctx context.Context, messages []types.Turn, opts Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Messages: append([]types.Turn(nil), messages...), Options: opts})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.replies) == 0 {
		return "", ErrScriptExhausted
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next.Text, next.Err
}

// Calls returns the recorded invocations.
func (s *ScriptedClient) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}
