// Package agent drives a chat-completion backend through as many tool
// round trips as the model needs to finish its answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/furina/internal/llm"
	"github.com/nugget/furina/internal/metrics"
	"github.com/nugget/furina/internal/tools"
)

// Defaults applied by NewLoop.
const (
	DefaultMaxToolRounds  = 10
	DefaultRequestTimeout = 120 * time.Second
)

// Backend is a chat-completion endpoint. *llm.Client implements it.
type Backend interface {
	Stream(ctx context.Context, req llm.Request) (*llm.Decoder, error)
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Toolbox resolves and runs the tools offered to the model.
// *tools.Registry implements it.
type Toolbox interface {
	Lookup(name string) (*tools.Tool, bool)
	Describe() []openai.Tool
	Invoke(ctx context.Context, t *tools.Tool, args map[string]any) (string, error)
}

// Config tunes a Loop.
type Config struct {
	// Name labels logs, spans and metrics, usually the companion name.
	Name string

	// MaxToolRounds bounds how many times one turn may continue after
	// executing tool calls.
	MaxToolRounds int

	// RequestTimeout bounds each exchange with the backend.
	RequestTimeout time.Duration
}

// Loop is the request/continuation cycle for one companion. It holds no
// per-turn state and is safe for concurrent use.
type Loop struct {
	backend   Backend
	tools     Toolbox
	name      string
	maxRounds int
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// NewLoop creates a Loop. toolbox may be nil when no tools are offered;
// m may be nil to disable metrics.
func NewLoop(backend Backend, toolbox Toolbox, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Loop{
		backend:   backend,
		tools:     toolbox,
		name:      cfg.Name,
		maxRounds: cfg.MaxToolRounds,
		timeout:   cfg.RequestTimeout,
		logger:    logger.With("component", "agent"),
		metrics:   m,
		tracer:    otel.Tracer("github.com/nugget/furina/internal/agent"),
	}
}

func (l *Loop) describeTools() []openai.Tool {
	if l.tools == nil {
		return nil
	}
	return l.tools.Describe()
}

// Stream runs a streamed turn. Content the model produces before it
// starts requesting tools is passed to onToken as it arrives; content
// following a tool request in the same response is dropped. The return
// value is everything passed to onToken across all rounds.
//
// messages is not modified.
func (l *Loop) Stream(ctx context.Context, messages []llm.Message, maxTokens int, onToken func(string)) (string, error) {
	if onToken == nil {
		onToken = func(string) {}
	}
	ctx, span := l.tracer.Start(ctx, "agent.stream", trace.WithAttributes(attribute.String("companion", l.name)))
	defer span.End()

	msgs := slices.Clone(messages)
	var full strings.Builder
	for round := 0; ; round++ {
		if round > l.maxRounds {
			err := &RecursionLimitError{Limit: l.maxRounds}
			recordErr(span, err)
			return full.String(), err
		}

		res, err := l.streamRound(ctx, msgs, maxTokens, round, func(tok string) {
			full.WriteString(tok)
			onToken(tok)
		})
		if err != nil {
			recordErr(span, err)
			return full.String(), err
		}

		if res.finish != llm.FinishToolCalls || len(res.calls) == 0 {
			if len(res.calls) > 0 {
				l.logger.Warn("discarding tool calls from response without tool_calls finish",
					"companion", l.name,
					"finish_reason", res.finish,
					"calls", len(res.calls),
				)
			}
			l.metrics.TurnRounds(l.name, round)
			span.SetAttributes(attribute.Int("rounds", round))
			return full.String(), nil
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: res.calls})
		results, err := l.dispatch(ctx, res.calls)
		if err != nil {
			recordErr(span, err)
			return full.String(), err
		}
		msgs = append(msgs, results...)
	}
}

type roundResult struct {
	finish string
	calls  []llm.ToolCall
}

func (l *Loop) streamRound(ctx context.Context, msgs []llm.Message, maxTokens, round int, emit func(string)) (roundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ctx, span := l.tracer.Start(ctx, "agent.round", trace.WithAttributes(
		attribute.Int("round", round),
		attribute.Bool("stream", true),
	))
	defer span.End()

	started := time.Now()
	dec, err := l.backend.Stream(ctx, llm.Request{
		Messages:  msgs,
		Tools:     l.describeTools(),
		MaxTokens: maxTokens,
	})
	if err != nil {
		l.metrics.BackendRequest(l.name, "stream", started, err)
		recordErr(span, err)
		return roundResult{}, err
	}
	defer dec.Close()
	dec.OnParseError = func(*llm.ParseError) { l.metrics.ParseError(l.name) }

	var (
		res        roundResult
		asm        llm.Assembler
		collecting bool
	)
	for {
		chunk, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			l.metrics.BackendRequest(l.name, "stream", started, err)
			recordErr(span, err)
			return roundResult{}, err
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		switch {
		case len(choice.Delta.ToolCalls) > 0:
			// Content riding along with a tool delta is dropped with it.
			collecting = true
			for _, tc := range choice.Delta.ToolCalls {
				asm.Add(tc)
			}
		case choice.Delta.Content != "" && !collecting:
			emit(choice.Delta.Content)
		}
		if choice.FinishReason != "" {
			res.finish = string(choice.FinishReason)
			break
		}
	}

	res.calls = asm.Calls()
	l.metrics.BackendRequest(l.name, "stream", started, nil)
	l.logger.Debug("stream round finished",
		"companion", l.name,
		"round", round,
		"finish_reason", res.finish,
		"tool_calls", len(res.calls),
		"elapsed", time.Since(started),
	)
	return res, nil
}

// Complete runs a non-streamed turn and returns the content of the
// model's final message.
//
// messages is not modified.
func (l *Loop) Complete(ctx context.Context, messages []llm.Message, maxTokens int) (string, error) {
	ctx, span := l.tracer.Start(ctx, "agent.complete", trace.WithAttributes(attribute.String("companion", l.name)))
	defer span.End()

	msgs := slices.Clone(messages)
	for round := 0; ; round++ {
		if round > l.maxRounds {
			err := &RecursionLimitError{Limit: l.maxRounds}
			recordErr(span, err)
			return "", err
		}

		resp, err := l.completeRound(ctx, msgs, maxTokens)
		if err != nil {
			recordErr(span, err)
			return "", err
		}

		if len(resp.Message.ToolCalls) == 0 {
			l.metrics.TurnRounds(l.name, round)
			span.SetAttributes(attribute.Int("rounds", round))
			return resp.Message.Content, nil
		}

		assistant := resp.Message
		assistant.Role = llm.RoleAssistant
		msgs = append(msgs, assistant)
		results, err := l.dispatch(ctx, resp.Message.ToolCalls)
		if err != nil {
			recordErr(span, err)
			return "", err
		}
		msgs = append(msgs, results...)
	}
}

func (l *Loop) completeRound(ctx context.Context, msgs []llm.Message, maxTokens int) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	started := time.Now()
	resp, err := l.backend.Complete(ctx, llm.Request{
		Messages:  msgs,
		Tools:     l.describeTools(),
		MaxTokens: maxTokens,
	})
	l.metrics.BackendRequest(l.name, "complete", started, err)
	return resp, err
}

// dispatch runs each call in order and returns one tool message per
// call. Unknown tools are answered with an error text so the model can
// recover; malformed arguments and tool failures end the turn.
func (l *Loop) dispatch(ctx context.Context, calls []llm.ToolCall) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		content, err := l.runTool(ctx, call)
		if err != nil {
			return nil, err
		}
		out = append(out, llm.ToolResultMessage(call, content))
	}
	return out, nil
}

func (l *Loop) runTool(ctx context.Context, call llm.ToolCall) (string, error) {
	ctx, span := l.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
	))
	defer span.End()

	var t *tools.Tool
	if l.tools != nil {
		t, _ = l.tools.Lookup(call.Name)
	}
	if t == nil {
		nf := &tools.ErrToolNotFound{ToolName: call.Name}
		l.logger.Warn("model requested unknown tool", "companion", l.name, "tool", call.Name, "call_id", call.ID)
		l.metrics.ToolCall(call.Name, "not_found")
		span.SetStatus(codes.Error, nf.Error())
		return "error: " + nf.Error(), nil
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			l.metrics.ToolCall(call.Name, "bad_arguments")
			aerr := &ToolArgumentError{Tool: call.Name, CallID: call.ID, Arguments: call.Arguments, Err: err}
			recordErr(span, aerr)
			return "", aerr
		}
	}

	started := time.Now()
	l.logger.Info("executing tool", "companion", l.name, "tool", call.Name, "call_id", call.ID)
	l.logger.Log(ctx, llm.LevelTrace, "tool arguments", "tool", call.Name, "arguments", call.Arguments)

	result, err := l.tools.Invoke(ctx, t, args)
	if err != nil {
		l.metrics.ToolCall(call.Name, "error")
		l.logger.Error("tool failed", "companion", l.name, "tool", call.Name, "call_id", call.ID, "error", err)
		xerr := &ToolExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
		recordErr(span, xerr)
		return "", xerr
	}

	l.metrics.ToolCall(call.Name, "success")
	l.logger.Debug("tool finished",
		"companion", l.name,
		"tool", call.Name,
		"result_len", len(result),
		"elapsed", time.Since(started),
	)
	return result, nil
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
