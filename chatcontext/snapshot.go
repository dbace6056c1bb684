package chatcontext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/songzhibin97/coach-workflow/logging"
	"github.com/songzhibin97/coach-workflow/types"
)

const (
	// DefaultSnapshotMaxChars is the hard ceiling for the workspace digest.
	DefaultSnapshotMaxChars = 8000

	// TruncationNotice ends every clamped snapshot that had room for it.
	TruncationNotice = "\n[Workspace snapshot truncated to fit the context budget.]"
	ellipsis         = "…"
)

// ClampSnapshot bounds raw to max characters (runes). It returns false for
// blank input so callers can omit the block entirely. Truncation always cuts
// the tail; callers write the most important sections first.
func ClampSnapshot(raw string, max int) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	if max <= 0 {
		max = DefaultSnapshotMaxChars
	}
	runes := []rune(raw)
	if len(runes) <= max {
		return raw, true
	}

	suffix := []rune(ellipsis + TruncationNotice)
	if keep := max - len(suffix); keep > 0 {
		return string(runes[:keep]) + ellipsis + TruncationNotice, true
	}
	// No room for the notice: bare cut with a single ellipsis.
	if max == 1 {
		return ellipsis, true
	}
	return string(runes[:max-1]) + ellipsis, true
}

// SnapshotSource contributes one section of the workspace digest, e.g. a
// rendering of the user's arcs, goals or recent activities.
type SnapshotSource interface {
	Name() string
	Describe(ctx context.Context) (string, error)
}

// SnapshotSourceFunc adapts a function into a SnapshotSource.
type SnapshotSourceFunc struct {
	Label string
	Fn    func(ctx context.Context) (string, error)
}

func (f SnapshotSourceFunc) Name() string { return f.Label }

func (f SnapshotSourceFunc) Describe(ctx context.Context) (string, error) {
	return f.Fn(ctx)
}

// BuildWorkspaceSnapshot joins the sections in the given order and clamps the
// result. Failing or empty sources are skipped.
func BuildWorkspaceSnapshot(ctx context.Context, logger *slog.Logger, max int, sources ...SnapshotSource) (string, bool) {
	logger = logging.OrNop(logger)
	sections := make([]string, 0, len(sources))
	for _, src := range sources {
		select {
		case <-ctx.Done():
			logger.Warn("workspace snapshot interrupted", "error", ctx.Err())
			return ClampSnapshot(strings.Join(sections, "\n\n"), max)
		default:
		}
		text, err := src.Describe(ctx)
		if err != nil {
			logger.Warn("workspace snapshot source failed", "source", src.Name(), "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sections = append(sections, text)
		}
	}
	return ClampSnapshot(strings.Join(sections, "\n\n"), max)
}

// FormatLaunchContext serializes a launch context into one marked block.
func FormatLaunchContext(lc types.LaunchContext) string {
	var b strings.Builder
	b.WriteString(LaunchContextMarker)
	b.WriteString("\nLaunch source: ")
	if lc.Source != "" {
		b.WriteString(lc.Source)
	} else {
		b.WriteString("unknown")
	}
	if lc.Intent != "" {
		fmt.Fprintf(&b, "\nIntent: %s", lc.Intent)
	}
	if lc.Entity != nil && lc.Entity.ID != "" {
		fmt.Fprintf(&b, "\nFocus: %s %s", lc.Entity.Type, lc.Entity.ID)
	}
	return b.String()
}

// ComposeLaunchText concatenates the launch context with an optional, already
// clamped workspace snapshot. The result is fixed for a whole session.
func ComposeLaunchText(lc types.LaunchContext, snapshot string) string {
	text := FormatLaunchContext(lc)
	if strings.TrimSpace(snapshot) != "" {
		text += "\n\nWorkspace snapshot:\n" + snapshot
	}
	return text
}
