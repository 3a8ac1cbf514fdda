// Package companion holds the configured personas: how a prompt is
// assembled from memory and recent conversation, how each exchange is
// recorded, and how recorded conversation is consolidated into
// long-term memory.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/furina/internal/config"
	"github.com/nugget/furina/internal/llm"
	"github.com/nugget/furina/internal/memory"
	"github.com/nugget/furina/internal/metrics"
)

// ErrClosed is returned by operations on a closed Companion.
var ErrClosed = errors.New("companion closed")

// Transport runs a turn against the model backend, executing any tools
// the model asks for. *agent.Loop implements it.
type Transport interface {
	Stream(ctx context.Context, messages []llm.Message, maxTokens int, onToken func(string)) (string, error)
	Complete(ctx context.Context, messages []llm.Message, maxTokens int) (string, error)
}

// Companion is one long-lived persona. It is safe for concurrent use.
type Companion struct {
	cfg       config.CompanionConfig
	transport Transport
	memory    *memory.Collection
	state     State
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	// reflectMu serializes reflection runs.
	reflectMu sync.Mutex

	// life is cancelled by Close; every in-flight operation derives
	// from it and is tracked by wg.
	life   context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a companion. m may be nil.
func New(cfg config.CompanionConfig, transport Transport, mem *memory.Collection, logger *slog.Logger, m *metrics.Metrics) *Companion {
	if logger == nil {
		logger = slog.Default()
	}
	life, cancel := context.WithCancel(context.Background())
	return &Companion{
		cfg:       cfg,
		transport: transport,
		memory:    mem,
		logger:    logger.With("companion", cfg.AIName),
		metrics:   m,
		tracer:    otel.Tracer("github.com/nugget/furina/internal/companion"),
		life:      life,
		cancel:    cancel,
	}
}

// Name returns the companion's display name.
func (c *Companion) Name() string { return c.cfg.AIName }

// Config returns the companion's configuration.
func (c *Companion) Config() config.CompanionConfig { return c.cfg }

// State exposes the conversation state.
func (c *Companion) State() *State { return &c.state }

// begin registers an operation and returns a context that is cancelled
// when either ctx ends or the companion closes.
func (c *Companion) begin(ctx context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	c.wg.Add(1)

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.life, cancel)
	return ctx, func() {
		stop()
		cancel()
		c.wg.Done()
	}, nil
}

// Close cancels in-flight asks and reflection and waits for them to
// return. Turns that had not completed are not recorded.
func (c *Companion) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Seed imports the configured base memories into an empty collection.
func (c *Companion) Seed(ctx context.Context) error {
	base := make([]memory.Entry, 0, len(c.cfg.Memories))
	for _, m := range c.cfg.Memories {
		base = append(base, memory.Entry{ID: m.ID, Document: m.Document, Metadata: m.Metadata})
	}
	_, err := c.memory.Seed(ctx, base)
	return err
}

// BuildMessages assembles the system and user messages sent for req.
func (c *Companion) BuildMessages(ctx context.Context, req *PromptRequest) ([]llm.Message, error) {
	var msgs []llm.Message

	var system []string
	if req.UsePersonality && c.cfg.PersonalityPrompt != "" {
		system = append(system, c.cfg.PersonalityPrompt)
	}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		system = append(system, s)
	}
	if note := c.cfg.SourceNotes[req.Source]; note != "" && len(system) > 0 {
		system = append(system, note)
	}
	if len(system) > 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: strings.Join(system, "\n")})
	}

	var user strings.Builder
	if len(req.Metadata) > 0 {
		user.WriteString("Metadata:\n")
		keys := make([]string, 0, len(req.Metadata))
		for k := range req.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&user, "- %s: %s\n", k, req.Metadata[k])
		}
		user.WriteString("End of metadata section\n")
	}

	if req.AllowMemoryLookup {
		results, err := c.memory.Recall(ctx, req.UserPrompt, c.cfg.MemoryRecallCount)
		if err != nil {
			return nil, fmt.Errorf("recall memories: %w", err)
		}
		user.WriteString(c.knowledgeBlock(results))

		pending, _ := c.state.Unprocessed()
		if lines := c.renderTurns(pending); lines != "" {
			user.WriteString("Latest conversation messages:\n")
			user.WriteString(lines)
			user.WriteString("End of conversation section.\n")
		}
	}

	user.WriteString(req.UserPrompt)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: user.String()})
	return msgs, nil
}

func (c *Companion) knowledgeBlock(results []memory.Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s knows these things:\n", c.cfg.AIName)
	for _, r := range results {
		b.WriteString(r.Document)
		b.WriteString("\n")
	}
	b.WriteString("End of knowledge section\n")
	return b.String()
}

// renderTurns writes each non-empty user or assistant turn as
// "<speaker>:<content>\n".
func (c *Companion) renderTurns(turns []llm.Message) string {
	var b strings.Builder
	for _, m := range turns {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case llm.RoleUser:
			b.WriteString(c.cfg.UserName + ":" + m.Content + "\n")
		case llm.RoleAssistant:
			b.WriteString(c.cfg.AIName + ":" + m.Content + "\n")
		}
	}
	return b.String()
}

// Ask answers req in a single response.
func (c *Companion) Ask(ctx context.Context, req *PromptRequest) (string, error) {
	return c.ask(ctx, req, nil)
}

// AskStream answers req, passing content to onToken as it arrives. The
// return value is the full response.
func (c *Companion) AskStream(ctx context.Context, req *PromptRequest, onToken func(string)) (string, error) {
	if onToken == nil {
		onToken = func(string) {}
	}
	return c.ask(ctx, req, onToken)
}

func (c *Companion) ask(ctx context.Context, req *PromptRequest, onToken func(string)) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	ctx, done, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	stream := onToken != nil
	ctx, span := c.tracer.Start(ctx, "companion.ask", trace.WithAttributes(
		attribute.String("companion", c.cfg.AIName),
		attribute.Bool("stream", stream),
		attribute.String("source", req.Source),
	))
	defer span.End()

	started := time.Now()
	msgs, err := c.BuildMessages(ctx, req)
	if err != nil {
		c.metrics.Turn(c.cfg.AIName, err)
		return "", err
	}

	var response string
	if stream {
		response, err = c.transport.Stream(ctx, msgs, req.MaxTokens, onToken)
	} else {
		response, err = c.transport.Complete(ctx, msgs, req.MaxTokens)
	}
	c.metrics.Turn(c.cfg.AIName, err)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("ask failed", "stream", stream, "source", req.Source, "error", err)
		return "", err
	}

	c.logger.Info("ask completed",
		"stream", stream,
		"source", req.Source,
		"response_len", len(response),
		"elapsed", time.Since(started),
	)

	if req.AllowMemoryInsertion {
		c.state.Append(req.UserPrompt, response)
		c.metrics.SetBacklog(c.cfg.AIName, c.state.Backlog())
		c.reflectInBackground()
	}
	return response, nil
}

// reflectInBackground runs a reflection pass that outlives the ask that
// triggered it but not the companion.
func (c *Companion) reflectInBackground() {
	ctx, done, err := c.begin(context.Background())
	if err != nil {
		return
	}
	go func() {
		defer done()
		if _, err := c.Reflect(ctx); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("inline reflection failed", "error", err)
		}
	}()
}

// KnowledgeSection recalls memories related to the most recent
// conversation and formats them as a knowledge block. It returns an
// empty string when there is no conversation or nothing is recalled.
func (c *Companion) KnowledgeSection(ctx context.Context) (string, error) {
	query := c.renderTurns(c.state.Recent(c.cfg.MemoryQueryMessageCount))
	if query == "" {
		return "", nil
	}
	results, err := c.memory.Recall(ctx, query, c.cfg.MemoryRecallCount)
	if err != nil {
		return "", fmt.Errorf("recall memories: %w", err)
	}
	return c.knowledgeBlock(results), nil
}

// Memories lists the companion's memories; see memory.Collection.Memories.
func (c *Companion) Memories(ctx context.Context, query string) ([]memory.Recall, error) {
	return c.memory.Memories(ctx, query)
}

// ClearMemories deletes every memory of the given type.
func (c *Companion) ClearMemories(ctx context.Context, typ string) (int, error) {
	return c.memory.ClearType(ctx, typ)
}

// ReplaceActivityMemories swaps the companion's activity memories for
// docs.
func (c *Companion) ReplaceActivityMemories(ctx context.Context, docs []string) error {
	if _, err := c.memory.ClearType(ctx, memory.TypeActivity); err != nil {
		return err
	}
	_, err := c.memory.CreateActivities(ctx, docs...)
	return err
}

// MemoryCount returns how many memories the companion's collection holds.
func (c *Companion) MemoryCount(ctx context.Context) (int, error) {
	return c.memory.Count(ctx)
}
