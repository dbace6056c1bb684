package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/songzhibin97/coach-workflow/logging"
)

// PropInstanceID is the props key carrying the workflow instance id.
const PropInstanceID = "instanceId"

// Capturer turns fire-and-forget Capture calls into bus events. Delivery
// failures are logged, never returned.
type Capturer struct {
	bus    *EventBus
	logger *slog.Logger
}

// NewCapturer creates a Capturer publishing into bus.
func NewCapturer(bus *EventBus, logger *slog.Logger) *Capturer {
	return &Capturer{bus: bus, logger: logging.OrNop(logger)}
}

// Capture publishes one analytics event.
func (c *Capturer) Capture(name string, props map[string]interface{}) {
	event := Event{Name: name, Props: props}
	if id, ok := props[PropInstanceID].(string); ok {
		event.InstanceID = id
	}
	err := c.bus.Publish(context.Background(), event)
	switch {
	case err == nil, errors.Is(err, ErrNoHandler):
	default:
		c.logger.Warn("analytics event dropped", "event", name, "error", err)
	}
}
