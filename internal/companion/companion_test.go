package companion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/furina/internal/config"
	"github.com/nugget/furina/internal/embeddings"
	"github.com/nugget/furina/internal/llm"
	"github.com/nugget/furina/internal/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport answers every turn through reply and records what it
// was sent.
type fakeTransport struct {
	mu    sync.Mutex
	calls [][]llm.Message
	reply func(msgs []llm.Message) (string, error)
}

func (f *fakeTransport) record(msgs []llm.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]llm.Message(nil), msgs...))
}

func (f *fakeTransport) Complete(ctx context.Context, msgs []llm.Message, _ int) (string, error) {
	f.record(msgs)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.reply(msgs)
}

func (f *fakeTransport) Stream(ctx context.Context, msgs []llm.Message, _ int, onToken func(string)) (string, error) {
	f.record(msgs)
	out, err := f.reply(msgs)
	if err != nil {
		return "", err
	}
	for _, w := range strings.SplitAfter(out, " ") {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		onToken(w)
	}
	return out, nil
}

func (f *fakeTransport) Calls() [][]llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]llm.Message(nil), f.calls...)
}

func testConfig() config.CompanionConfig {
	return config.CompanionConfig{
		UserName:                "Traveler",
		AIName:                  "Furina",
		CollectionName:          "furina",
		PersonalityPrompt:       "You are Furina.",
		MemoryPrompt:            "Extract memories separated by {qa}.",
		MemoryRecallCount:       3,
		MemoryQueryMessageCount: 4,
		ReflectionThreshold:     4,
		ReflectionMaxTokens:     200,
	}
}

func newTestCompanion(t *testing.T, cfg config.CompanionConfig, tr Transport) (*Companion, *memory.Collection) {
	t.Helper()
	coll := memory.NewCollection(memory.NewMemStore(embeddings.NewHashing(256)), cfg.CollectionName, discardLogger())
	c := New(cfg, tr, coll, discardLogger(), nil)
	t.Cleanup(c.Close)
	return c, coll
}

func echo(reply string) *fakeTransport {
	return &fakeTransport{reply: func([]llm.Message) (string, error) { return reply, nil }}
}

func TestBuildMessages_System(t *testing.T) {
	tests := []struct {
		name        string
		personality string
		req         PromptRequest
		want        string // "" means no system message
	}{
		{"both", "You are Furina.", PromptRequest{UsePersonality: true, SystemPrompt: "  Be brief. "}, "You are Furina.\nBe brief."},
		{"personality only", "You are Furina.", PromptRequest{UsePersonality: true}, "You are Furina."},
		{"system only", "You are Furina.", PromptRequest{SystemPrompt: "Be brief."}, "Be brief."},
		{"neither", "You are Furina.", PromptRequest{}, ""},
		{"empty personality", "", PromptRequest{UsePersonality: true}, ""},
		{"source note", "You are Furina.", PromptRequest{UsePersonality: true, Source: "discord"}, "You are Furina.\n[Source: Discord]"},
		{"source note alone", "", PromptRequest{Source: "discord"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PersonalityPrompt = tt.personality
			cfg.SourceNotes = map[string]string{"discord": "[Source: Discord]"}
			c, _ := newTestCompanion(t, cfg, echo("ok"))

			req := tt.req
			req.UserPrompt = "hi"
			msgs, err := c.BuildMessages(context.Background(), &req)
			if err != nil {
				t.Fatalf("BuildMessages: %v", err)
			}

			if tt.want == "" {
				if len(msgs) != 1 || msgs[0].Role != llm.RoleUser {
					t.Fatalf("want only a user message, got %+v", msgs)
				}
				return
			}
			if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem {
				t.Fatalf("want system + user, got %+v", msgs)
			}
			if msgs[0].Content != tt.want {
				t.Errorf("system = %q, want %q", msgs[0].Content, tt.want)
			}
		})
	}
}

func TestBuildMessages_UserBlocks(t *testing.T) {
	c, coll := newTestCompanion(t, testConfig(), echo("ok"))
	ctx := context.Background()
	if _, err := coll.Create(ctx, "Traveler likes macarons"); err != nil {
		t.Fatal(err)
	}
	c.State().Append("hello", "hi there")

	req := &PromptRequest{
		UserPrompt:        "What do I like?",
		AllowMemoryLookup: true,
		Metadata:          map[string]string{"time": "noon", "mood": "happy"},
	}
	msgs, err := c.BuildMessages(ctx, req)
	if err != nil {
		t.Fatalf("BuildMessages: %v", err)
	}

	want := "Metadata:\n" +
		"- mood: happy\n" +
		"- time: noon\n" +
		"End of metadata section\n" +
		"Furina knows these things:\n" +
		"Traveler likes macarons\n" +
		"End of knowledge section\n" +
		"Latest conversation messages:\n" +
		"Traveler:hello\n" +
		"Furina:hi there\n" +
		"End of conversation section.\n" +
		"What do I like?"
	if diff := cmp.Diff(want, msgs[len(msgs)-1].Content); diff != "" {
		t.Errorf("user message mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildMessages_NoLookupIsRawPrompt(t *testing.T) {
	c, coll := newTestCompanion(t, testConfig(), echo("ok"))
	coll.Create(context.Background(), "something")
	c.State().Append("hello", "hi")

	msgs, err := c.BuildMessages(context.Background(), &PromptRequest{UserPrompt: "plain"})
	if err != nil {
		t.Fatal(err)
	}
	if got := msgs[0].Content; got != "plain" {
		t.Errorf("user = %q, want raw prompt", got)
	}
}

func TestBuildMessages_ReflectedTurnsOmitted(t *testing.T) {
	c, _ := newTestCompanion(t, testConfig(), echo("ok"))
	c.State().Append("old", "older")
	_, end := c.State().Unprocessed()
	c.State().Advance(end)
	c.State().Append("new", "newer")

	msgs, err := c.BuildMessages(context.Background(), &PromptRequest{UserPrompt: "q", AllowMemoryLookup: true})
	if err != nil {
		t.Fatal(err)
	}
	got := msgs[0].Content
	if strings.Contains(got, "old") || !strings.Contains(got, "Traveler:new\nFurina:newer\n") {
		t.Errorf("conversation block = %q", got)
	}
}

func TestAsk_RecordsOnlyWhenAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.ReflectionThreshold = 100
	c, _ := newTestCompanion(t, cfg, echo("Bonjour!"))

	got, err := c.Ask(context.Background(), &PromptRequest{CompanionName: "furina", UserPrompt: "hello", MaxTokens: 50})
	if err != nil || got != "Bonjour!" {
		t.Fatalf("Ask = %q, %v", got, err)
	}
	if c.State().Len() != 0 {
		t.Errorf("history recorded without allow_memory_insertion")
	}

	_, err = c.Ask(context.Background(), &PromptRequest{
		CompanionName: "furina", UserPrompt: "hello", MaxTokens: 50, AllowMemoryInsertion: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "Bonjour!"},
	}
	if diff := cmp.Diff(want, c.State().Snapshot()); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestAskStream_TokensAndRecord(t *testing.T) {
	cfg := testConfig()
	cfg.ReflectionThreshold = 100
	c, _ := newTestCompanion(t, cfg, echo("one two three"))

	var tokens []string
	got, err := c.AskStream(context.Background(), &PromptRequest{
		CompanionName: "furina", UserPrompt: "count", MaxTokens: 10, AllowMemoryInsertion: true,
	}, func(s string) { tokens = append(tokens, s) })
	if err != nil {
		t.Fatalf("AskStream: %v", err)
	}
	if got != "one two three" || strings.Join(tokens, "") != got {
		t.Errorf("got %q from tokens %q", got, tokens)
	}
	if c.State().Len() != 2 {
		t.Errorf("history len = %d, want 2", c.State().Len())
	}
}

func TestAsk_FailureRecordsNothing(t *testing.T) {
	tr := &fakeTransport{reply: func([]llm.Message) (string, error) {
		return "", &llm.TransportError{StatusCode: 503}
	}}
	c, _ := newTestCompanion(t, testConfig(), tr)

	_, err := c.Ask(context.Background(), &PromptRequest{
		CompanionName: "furina", UserPrompt: "hello", MaxTokens: 5, AllowMemoryInsertion: true,
	})
	var te *llm.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if c.State().Len() != 0 {
		t.Error("failed turn was recorded")
	}
}

func TestAsk_ValidatesRequest(t *testing.T) {
	c, _ := newTestCompanion(t, testConfig(), echo("x"))
	_, err := c.Ask(context.Background(), &PromptRequest{CompanionName: "furina", UserPrompt: "hi"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "max_tokens" {
		t.Errorf("err = %v, want max_tokens ValidationError", err)
	}
}

func TestAsk_InlineReflection(t *testing.T) {
	cfg := testConfig()
	cfg.ReflectionThreshold = 4
	tr := &fakeTransport{reply: func(msgs []llm.Message) (string, error) {
		if strings.HasSuffix(msgs[len(msgs)-1].Content, cfg.MemoryPrompt) {
			return "Traveler greeted Furina{qa}Furina answered", nil
		}
		return "answer", nil
	}}
	coll := memory.NewCollection(memory.NewMemStore(embeddings.NewHashing(256)), "furina", discardLogger())
	c := New(cfg, tr, coll, discardLogger(), nil)

	req := &PromptRequest{CompanionName: "furina", UserPrompt: "hello", MaxTokens: 5, AllowMemoryInsertion: true}
	for range 2 {
		if _, err := c.Ask(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State().Processed() != 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Close()

	if got := c.State().Processed(); got != 4 {
		t.Errorf("processed = %d, want 4", got)
	}
	n, _ := coll.Count(context.Background())
	if n != 2 {
		t.Errorf("memories = %d, want 2", n)
	}
}

func TestClose_CancelsInFlightAsk(t *testing.T) {
	started := make(chan struct{})
	blocking := &blockingTransport{started: started}
	coll := memory.NewCollection(memory.NewMemStore(embeddings.NewHashing(64)), "x", discardLogger())
	c := New(testConfig(), blocking, coll, discardLogger(), nil)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Ask(context.Background(), &PromptRequest{
			CompanionName: "furina", UserPrompt: "hello", MaxTokens: 5, AllowMemoryInsertion: true,
		})
		errc <- err
	}()

	<-started
	c.Close()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("ask err = %v, want context.Canceled", err)
	}
	if c.State().Len() != 0 {
		t.Error("cancelled turn was recorded")
	}
	if _, err := c.Ask(context.Background(), &PromptRequest{CompanionName: "furina", UserPrompt: "x", MaxTokens: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("ask after close err = %v, want ErrClosed", err)
	}
}

// blockingTransport waits until its context ends.
type blockingTransport struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingTransport) wait(ctx context.Context) (string, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

func (b *blockingTransport) Complete(ctx context.Context, _ []llm.Message, _ int) (string, error) {
	return b.wait(ctx)
}

func (b *blockingTransport) Stream(ctx context.Context, _ []llm.Message, _ int, _ func(string)) (string, error) {
	return b.wait(ctx)
}

func TestKnowledgeSection(t *testing.T) {
	c, coll := newTestCompanion(t, testConfig(), echo("x"))
	ctx := context.Background()

	got, err := c.KnowledgeSection(ctx)
	if err != nil || got != "" {
		t.Fatalf("empty history: %q, %v", got, err)
	}

	coll.Create(ctx, "Traveler enjoys opera")
	c.State().Append("I went to the opera", "How was the opera?")

	got, err = c.KnowledgeSection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := "Furina knows these things:\nTraveler enjoys opera\nEnd of knowledge section\n"
	if got != want {
		t.Errorf("KnowledgeSection = %q, want %q", got, want)
	}
}

func TestReplaceActivityMemories(t *testing.T) {
	c, coll := newTestCompanion(t, testConfig(), echo("x"))
	ctx := context.Background()
	coll.Create(ctx, "keep me")
	if err := c.ReplaceActivityMemories(ctx, []string{"old activity"}); err != nil {
		t.Fatal(err)
	}
	if err := c.ReplaceActivityMemories(ctx, []string{"new a", "new b"}); err != nil {
		t.Fatal(err)
	}

	all, err := c.Memories(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	var docs []string
	for _, m := range all {
		docs = append(docs, m.Document)
	}
	if diff := cmp.Diff([]string{"keep me", "new a", "new b"}, docs); diff != "" {
		t.Errorf("memories mismatch (-want +got):\n%s", diff)
	}
}

func TestSeed(t *testing.T) {
	cfg := testConfig()
	cfg.Memories = []config.MemoryEntry{
		{ID: "b1", Document: "Furina is the Hydro Archon", Metadata: map[string]string{"type": "base"}},
	}
	c, coll := newTestCompanion(t, cfg, echo("x"))
	for range 2 {
		if err := c.Seed(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n, _ := coll.Count(context.Background()); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestConcurrentAsks(t *testing.T) {
	cfg := testConfig()
	cfg.ReflectionThreshold = 6
	var n int
	var mu sync.Mutex
	tr := &fakeTransport{reply: func(msgs []llm.Message) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("r%d{qa}m%d", n, n), nil
	}}
	c, _ := newTestCompanion(t, cfg, tr)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Ask(context.Background(), &PromptRequest{
				CompanionName: "furina", UserPrompt: fmt.Sprintf("q%d", i), MaxTokens: 5, AllowMemoryInsertion: true,
			})
		}()
	}
	wg.Wait()

	snap := c.State().Snapshot()
	if len(snap) != 40 {
		t.Fatalf("history len = %d, want 40", len(snap))
	}
	for i := 0; i < len(snap); i += 2 {
		if snap[i].Role != llm.RoleUser || snap[i+1].Role != llm.RoleAssistant {
			t.Fatalf("turns interleaved at %d: %+v %+v", i, snap[i], snap[i+1])
		}
	}
	if p := c.State().Processed(); p > len(snap) || p%2 != 0 {
		t.Errorf("processed = %d is not a whole-exchange boundary within %d", p, len(snap))
	}
}
