package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// maxLineSize bounds a single event line. Longer lines are skipped.
const maxLineSize = 1 << 20

// ErrLineTooLong is the ParseError cause for an event line over
// maxLineSize.
var ErrLineTooLong = errors.New("stream line exceeds 1 MiB")

// Decoder turns a server-sent-event body into chat-completion chunks.
// It is lazy and single-use: each call to Next reads only as far as the
// next decodable chunk.
type Decoder struct {
	reader  *bufio.Reader
	line    []byte
	body    io.Closer
	logger  *slog.Logger
	done    bool

	// OnParseError, if set, is called for every line that could not be
	// decoded. Such lines are skipped.
	OnParseError func(*ParseError)
}

// NewDecoder reads events from r. If r is an io.Closer, Close closes it.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Decoder{reader: bufio.NewReaderSize(r, 64*1024), logger: logger}
	if c, ok := r.(io.Closer); ok {
		d.body = c
	}
	return d
}

// Next returns the next chunk. It returns io.EOF once the [DONE]
// sentinel is seen or the body ends. Read failures are returned as
// *TransportError; undecodable lines are logged and skipped.
func (d *Decoder) Next() (*openai.ChatCompletionStreamResponse, error) {
	if d.done {
		return nil, io.EOF
	}

	for {
		raw, tooLong, err := d.readLine()
		if err != nil {
			d.done = true
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &TransportError{Err: fmt.Errorf("read stream: %w", err)}
		}
		if tooLong {
			d.skip(&ParseError{Line: string(raw), Err: ErrLineTooLong})
			continue
		}

		line := bytes.TrimSpace(raw)
		if len(line) == 0 || isSSEField(line) {
			continue
		}

		payload := bytes.TrimSpace(bytes.TrimPrefix(line, dataPrefix))
		if bytes.Equal(payload, doneSentinel) {
			d.done = true
			return nil, io.EOF
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			d.skip(&ParseError{Line: string(payload), Err: err})
			continue
		}
		d.logger.Log(context.Background(), LevelTrace, "stream event", "json", string(payload))
		return &chunk, nil
	}
}

func (d *Decoder) skip(perr *ParseError) {
	d.logger.Warn("skipping undecodable stream event", "error", perr.Err, "line", truncate(perr.Line, 200))
	if d.OnParseError != nil {
		d.OnParseError(perr)
	}
}

// readLine returns the next line, valid until the following call. A
// final line without a newline is still returned. When a line exceeds
// maxLineSize the rest of it is discarded and only its start is
// returned, with tooLong set.
func (d *Decoder) readLine() (line []byte, tooLong bool, err error) {
	d.line = d.line[:0]
	for {
		frag, rerr := d.reader.ReadSlice('\n')
		switch {
		case tooLong:
		case len(d.line)+len(frag) > maxLineSize:
			tooLong = true
			d.line = append(d.line, frag...)[:200]
		default:
			d.line = append(d.line, frag...)
		}

		switch {
		case rerr == nil:
			return d.line, tooLong, nil
		case errors.Is(rerr, bufio.ErrBufferFull):
		case errors.Is(rerr, io.EOF) && (len(d.line) > 0 || tooLong):
			return d.line, tooLong, nil
		default:
			return nil, false, rerr
		}
	}
}

// Close releases the underlying body.
func (d *Decoder) Close() error {
	d.done = true
	if d.body == nil {
		return nil
	}
	return d.body.Close()
}

// isSSEField reports SSE comment and non-data field lines, which carry
// nothing for chat completions.
func isSSEField(line []byte) bool {
	if line[0] == ':' {
		return true
	}
	for _, p := range [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")} {
		if bytes.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
