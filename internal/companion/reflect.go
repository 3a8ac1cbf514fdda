package companion

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/furina/internal/llm"
)

// memoryDelimiter separates the memories in a reflection response.
const memoryDelimiter = "{qa}"

// Reflect consolidates unreflected conversation into short-term
// memories once the backlog reaches the reflection threshold, and
// reports how many memories were created. The cursor advances to where
// the history ended when the run started, and only after every memory
// has been stored; on error it does not move.
func (c *Companion) Reflect(ctx context.Context) (int, error) {
	ctx, done, err := c.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer done()

	c.reflectMu.Lock()
	defer c.reflectMu.Unlock()

	pending, end := c.state.Unprocessed()
	c.metrics.SetBacklog(c.cfg.AIName, len(pending))
	if len(pending) == 0 || len(pending) < c.cfg.ReflectionThreshold {
		c.metrics.Reflection(c.cfg.AIName, "skipped", 0)
		return 0, nil
	}

	ctx, span := c.tracer.Start(ctx, "companion.reflect", trace.WithAttributes(
		attribute.String("companion", c.cfg.AIName),
		attribute.Int("backlog", len(pending)),
	))
	defer span.End()

	started := time.Now()
	c.logger.Info("reflecting", "backlog", len(pending))

	prompt := c.renderTurns(pending) + c.cfg.MemoryPrompt
	raw, err := c.transport.Complete(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, c.cfg.ReflectionMaxTokens)
	if err != nil {
		c.metrics.Reflection(c.cfg.AIName, "error", 0)
		span.RecordError(err)
		return 0, err
	}

	docs := splitMemories(raw)
	if _, err := c.memory.Create(ctx, docs...); err != nil {
		c.metrics.Reflection(c.cfg.AIName, "error", 0)
		span.RecordError(err)
		return 0, err
	}

	c.state.Advance(end)
	c.metrics.Reflection(c.cfg.AIName, "success", len(docs))
	c.metrics.SetBacklog(c.cfg.AIName, c.state.Backlog())
	c.logger.Info("reflection complete",
		"memories", len(docs),
		"processed", end,
		"elapsed", time.Since(started),
	)
	return len(docs), nil
}

// splitMemories breaks a reflection response on the delimiter and keeps
// the non-blank segments, trimmed.
func splitMemories(raw string) []string {
	var out []string
	for _, seg := range strings.Split(raw, memoryDelimiter) {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
