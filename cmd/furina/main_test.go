package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeBackend is an OpenAI-compatible endpoint that always answers
// reply, streamed word by word when asked to stream.
func fakeBackend(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !body.Stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, reply)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range strings.SplitAfter(reply, " ") {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", word)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a minimal single-companion config backed by an
// in-memory store and returns its path.
func writeConfig(t *testing.T, backendURL string, port int) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
listen:
  address: 127.0.0.1
  port: %d
data_dir: %s
log_level: warn
memory:
  backend: memory
reflection:
  schedule: "@every 1h"
companions:
  furina:
    user_name: Traveler
    ai_name: Furina
    personality_prompt: You are Furina.
    memory_prompt: Extract memories separated by {qa}.
    memories:
      - id: opera
        document: Furina loves the opera.
    api:
      url: %s
`, port, dir, backendURL)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRun_Version(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "furina ") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output = %q", out)
	}

	out, _, err = execute(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"unknown command", []string{"dance"}, "unknown command"},
		{"missing config", []string{"--config", "/nonexistent/furina.yaml", "config", "check"}, "config file not found"},
		{"ask without companion", []string{"ask", "hello"}, "companion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_ConfigCommands(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1/v1/chat/completions", 8080)

	out, _, err := execute(t, "--config", path, "config", "check")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ok (1 companions: [furina])") {
		t.Errorf("check output = %q", out)
	}

	out, _, err = execute(t, "config", "schema")
	if err != nil {
		t.Fatal(err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestRun_Ask(t *testing.T) {
	backend := fakeBackend(t, "Bravo, Traveler!")
	path := writeConfig(t, backend.URL, 8080)

	out, _, err := execute(t, "--config", path, "ask", "-c", "furina", "hello", "there")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Bravo, Traveler!\n" {
		t.Errorf("streamed ask = %q", out)
	}

	out, _, err = execute(t, "--config", path, "-o", "json", "ask", "-c", "Furina", "hello")
	if err != nil {
		t.Fatal(err)
	}
	var resp map[string]string
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["response"] != "Bravo, Traveler!" || resp["companion"] != "Furina" {
		t.Errorf("json ask = %v", resp)
	}

	_, _, err = execute(t, "--config", path, "ask", "-c", "Nahida", "hello")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("unknown companion err = %v", err)
	}
}

func TestRun_Memories(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1/v1/chat/completions", 8080)

	out, _, err := execute(t, "--config", path, "memories", "furina")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "opera [] Furina loves the opera.") {
		t.Errorf("memories output = %q", out)
	}

	out, _, err = execute(t, "--config", path, "memories", "furina", "--clear", "activity")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Deleted 0 activity memories from Furina") {
		t.Errorf("clear output = %q", out)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_ServeAndShutdown(t *testing.T) {
	backend := fakeBackend(t, "Welcome to Fontaine.")
	port := freePort(t)
	path := writeConfig(t, backend.URL, port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, &stdout, &stderr, []string{"--config", path, "serve"}) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Post(base+"/v1/ask", "application/json",
		strings.NewReader(`{"companion_name":"Furina","user_prompt":"hi","system_prompt":"","use_personality":true,`+
			`"allow_memory_lookup":false,"allow_memory_insertion":false,"source":"cli-test","metadata":{},`+
			`"max_tokens":16,"stream":false}`))
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil || body["response"] != "Welcome to Fontaine." {
		t.Errorf("ask = %v, %v", body, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
