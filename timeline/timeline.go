// Package timeline holds the append-only conversation record shown to the
// user. Only the owning orchestrator mutates it.
package timeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/coach-workflow/types"
)

var (
	ErrItemNotFound = errors.New("timeline item not found")
	ErrNotPending   = errors.New("timeline item is not pending")
)

// Controller owns one session's timeline.
type Controller struct {
	mu     sync.RWMutex
	items  []types.TimelineItem
	nextID func() string
	now    func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates an empty timeline using nextID for item ids.
func New(nextID func() string, opts ...Option) *Controller {
	if nextID == nil {
		panic("timeline: id source is required")
	}
	c := &Controller{
		nextID: nextID,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) append(item types.TimelineItem) types.TimelineItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	item.ID = c.nextID()
	item.CreatedAt = c.now()
	c.items = append(c.items, item)
	return item
}

// AppendAssistant records a complete assistant message.
func (c *Controller) AppendAssistant(content string) types.TimelineItem {
	return c.append(types.TimelineItem{Kind: types.TimelineAssistantMessage, Content: content})
}

// AppendUser records a user message.
func (c *Controller) AppendUser(content string) types.TimelineItem {
	return c.append(types.TimelineItem{Kind: types.TimelineUserMessage, Content: content})
}

// AppendCard records a card rendered by componentID with an opaque props bag.
func (c *Controller) AppendCard(componentID string, props map[string]interface{}) types.TimelineItem {
	return c.append(types.TimelineItem{Kind: types.TimelineCard, ComponentID: componentID, Props: copyProps(props)})
}

// AppendSystemEvent records a system event. Events with content are shown to
// the model as system turns.
func (c *Controller) AppendSystemEvent(event, content string) types.TimelineItem {
	return c.append(types.TimelineItem{Kind: types.TimelineSystemEvent, Event: event, Content: content})
}

// BeginAssistant opens a pending assistant message showing placeholder until
// the final content arrives.
func (c *Controller) BeginAssistant(placeholder string) string {
	return c.append(types.TimelineItem{Kind: types.TimelineAssistantMessage, Content: placeholder, Pending: true}).ID
}

// Resolve finalizes a pending message with its full content.
func (c *Controller) Resolve(id, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err := c.pendingIndex(id)
	if err != nil {
		return err
	}
	c.items[idx].Content = content
	c.items[idx].Pending = false
	return nil
}

// Discard drops a pending message, leaving the committed record untouched.
func (c *Controller) Discard(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err := c.pendingIndex(id)
	if err != nil {
		return err
	}
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	return nil
}

func (c *Controller) pendingIndex(id string) (int, error) {
	for i := len(c.items) - 1; i >= 0; i-- {
		if c.items[i].ID != id {
			continue
		}
		if !c.items[i].Pending {
			return -1, fmt.Errorf("%w: %s", ErrNotPending, id)
		}
		return i, nil
	}
	return -1, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

// Items returns a copy of the timeline.
func (c *Controller) Items() []types.TimelineItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.TimelineItem, len(c.items))
	for i, item := range c.items {
		item.Props = copyProps(item.Props)
		out[i] = item
	}
	return out
}

// Len returns the number of items, pending ones included.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Turns reconstructs the model-facing message history from the timeline.
// Pending messages and cards are not part of it.
func (c *Controller) Turns() []types.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	turns := make([]types.Turn, 0, len(c.items))
	for _, item := range c.items {
		if item.Pending {
			continue
		}
		switch item.Kind {
		case types.TimelineAssistantMessage:
			turns = append(turns, types.Turn{Role: types.RoleAssistant, Content: item.Content})
		case types.TimelineUserMessage:
			turns = append(turns, types.Turn{Role: types.RoleUser, Content: item.Content})
		case types.TimelineSystemEvent:
			if item.Content != "" {
				turns = append(turns, types.Turn{Role: types.RoleSystem, Content: item.Content})
			}
		case types.TimelineCard:
		}
	}
	return turns
}

func copyProps(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return nil
	}
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
