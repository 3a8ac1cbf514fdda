package companion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nugget/furina/internal/embeddings"
	"github.com/nugget/furina/internal/memory"
)

// requestJSON builds a complete request body, overriding fields from set
// and omitting any named in drop.
func requestJSON(t *testing.T, set map[string]any, drop ...string) []byte {
	t.Helper()
	body := map[string]any{
		"companion_name":         "Furina",
		"user_prompt":            "hi",
		"system_prompt":          "",
		"use_personality":        true,
		"allow_memory_lookup":    false,
		"allow_memory_insertion": false,
		"source":                 "test",
		"metadata":               map[string]string{},
		"max_tokens":             5,
		"stream":                 false,
	}
	for k, v := range set {
		body[k] = v
	}
	for _, k := range drop {
		delete(body, k)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestParsePromptRequest(t *testing.T) {
	tests := []struct {
		name      string
		raw       []byte
		wantField string
		wantErr   bool
	}{
		{
			name: "valid",
			raw: []byte(`{"companion_name":"Furina","user_prompt":"hi","system_prompt":"","use_personality":true,
				"allow_memory_lookup":true,"allow_memory_insertion":false,"source":"discord",
				"metadata":{"k":"v"},"max_tokens":100,"stream":true}`),
		},
		{name: "null metadata", raw: requestJSON(t, map[string]any{"metadata": nil})},
		{name: "unknown field", raw: requestJSON(t, map[string]any{"temperature": 2}), wantErr: true},
		{name: "malformed", raw: []byte(`{"companion_name":`), wantErr: true},
		{name: "trailing data", raw: append(requestJSON(t, nil), []byte(" {}")...), wantErr: true},
		{name: "zero max tokens", raw: requestJSON(t, map[string]any{"max_tokens": 0}), wantErr: true, wantField: "max_tokens"},
		{name: "empty prompt", raw: requestJSON(t, map[string]any{"user_prompt": ""}), wantErr: true, wantField: "user_prompt"},
		{name: "blank companion", raw: requestJSON(t, map[string]any{"companion_name": "  "}), wantErr: true, wantField: "companion_name"},
		{name: "missing prompt", raw: requestJSON(t, nil, "user_prompt"), wantErr: true, wantField: "user_prompt"},
		{name: "missing system prompt", raw: requestJSON(t, nil, "system_prompt"), wantErr: true, wantField: "system_prompt"},
		{name: "missing flags", raw: requestJSON(t, nil, "use_personality", "allow_memory_lookup"), wantErr: true, wantField: "use_personality"},
		{name: "missing insertion flag", raw: requestJSON(t, nil, "allow_memory_insertion"), wantErr: true, wantField: "allow_memory_insertion"},
		{name: "missing source", raw: requestJSON(t, nil, "source"), wantErr: true, wantField: "source"},
		{name: "missing metadata", raw: requestJSON(t, nil, "metadata"), wantErr: true, wantField: "metadata"},
		{name: "missing max tokens", raw: requestJSON(t, nil, "max_tokens"), wantErr: true, wantField: "max_tokens"},
		{name: "missing stream", raw: requestJSON(t, nil, "stream"), wantErr: true, wantField: "stream"},
		{
			name:      "minimal body",
			raw:       []byte(`{"companion_name":"Furina","user_prompt":"hi","max_tokens":1}`),
			wantErr:   true,
			wantField: "system_prompt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParsePromptRequest(tt.raw)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if req.CompanionName == "" {
					t.Error("request not decoded")
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mk := func(key, name, reply string) *Companion {
		cfg := testConfig()
		cfg.AIName = name
		cfg.CollectionName = key
		cfg.ReflectionThreshold = 100
		coll := memory.NewCollection(memory.NewMemStore(embeddings.NewHashing(64)), key, discardLogger())
		return New(cfg, echo(reply), coll, discardLogger(), nil)
	}
	r := NewRegistry(map[string]*Companion{
		"furina":   mk("furina", "Furina", "from furina"),
		"neuvi":    mk("neuvi", "Neuvillette", "from neuvillette"),
		"zhongli2": mk("zhongli2", "Zhongli", "from zhongli"),
	}, discardLogger())
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_Lookup(t *testing.T) {
	r := newTestRegistry(t)
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Furina", "Furina", true},
		{"  furina ", "Furina", true},
		{"NEUVILLETTE", "Neuvillette", true},
		{"neuvi", "Neuvillette", true},
		{"Nahida", "", false},
	}
	for _, tt := range tests {
		c, ok := r.Lookup(tt.in)
		if ok != tt.ok {
			t.Errorf("Lookup(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && c.Name() != tt.want {
			t.Errorf("Lookup(%q) = %s, want %s", tt.in, c.Name(), tt.want)
		}
	}
}

func TestRegistry_All(t *testing.T) {
	r := newTestRegistry(t)
	var names []string
	for _, c := range r.All() {
		names = append(names, c.Name())
	}
	want := []string{"Furina", "Neuvillette", "Zhongli"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("All = %v, want %v", names, want)
		}
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	c, req, err := r.Resolve(requestJSON(t, map[string]any{"companion_name": "zhongli"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.Name() != "Zhongli" || req.MaxTokens != 5 {
		t.Errorf("Resolve = %s (max_tokens %d)", c.Name(), req.MaxTokens)
	}
	if got, err := c.Ask(ctx, req); err != nil || got != "from zhongli" {
		t.Errorf("Ask = %q, %v", got, err)
	}

	c, req, err = r.Resolve(requestJSON(t, map[string]any{"stream": true}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	var tokens string
	got, err := c.AskStream(ctx, req, func(s string) { tokens += s })
	if err != nil || got != "from furina" || tokens != got {
		t.Errorf("AskStream = %q (tokens %q), %v", got, tokens, err)
	}

	_, _, err = r.Resolve(requestJSON(t, map[string]any{"companion_name": "Nahida"}))
	var nf *ErrCompanionNotFound
	if !errors.As(err, &nf) || nf.Name != "Nahida" {
		t.Errorf("err = %v, want ErrCompanionNotFound", err)
	}

	_, _, err = r.Resolve([]byte(`not json`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestRegistry_Find(t *testing.T) {
	r := newTestRegistry(t)

	c, err := r.Find(" NEUVI ")
	if err != nil || c.Name() != "Neuvillette" {
		t.Errorf("Find = %v, %v", c, err)
	}

	_, err = r.Find("Nahida")
	var nf *ErrCompanionNotFound
	if !errors.As(err, &nf) || nf.Name != "Nahida" {
		t.Errorf("err = %v, want ErrCompanionNotFound", err)
	}
}
