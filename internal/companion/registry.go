package companion

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrCompanionNotFound is returned when a request names no configured
// companion.
type ErrCompanionNotFound struct {
	Name string
}

func (e *ErrCompanionNotFound) Error() string {
	return fmt.Sprintf("companion %q not found", e.Name)
}

// Registry is the set of companions a process serves, keyed by their
// configuration key. It is built once at startup and read-only
// afterwards.
type Registry struct {
	byKey  map[string]*Companion
	keys   []string
	logger *slog.Logger
}

// NewRegistry creates a registry from companions keyed by config key.
func NewRegistry(companions map[string]*Companion, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{byKey: make(map[string]*Companion, len(companions)), logger: logger}
	for k, c := range companions {
		r.byKey[k] = c
		r.keys = append(r.keys, k)
	}
	slices.Sort(r.keys)
	return r
}

// Lookup finds a companion by display name, ignoring case and
// surrounding whitespace, then by configuration key.
func (r *Registry) Lookup(name string) (*Companion, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, k := range r.keys {
		if c := r.byKey[k]; strings.ToLower(c.Name()) == want {
			return c, true
		}
	}
	for _, k := range r.keys {
		if strings.ToLower(k) == want {
			return r.byKey[k], true
		}
	}
	return nil, false
}

// All returns every companion ordered by configuration key.
func (r *Registry) All() []*Companion {
	out := make([]*Companion, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.byKey[k])
	}
	return out
}

// Len returns the number of companions.
func (r *Registry) Len() int { return len(r.keys) }

// Find is Lookup returning *ErrCompanionNotFound when nothing matches.
func (r *Registry) Find(name string) (*Companion, error) {
	c, ok := r.Lookup(name)
	if !ok {
		r.logger.Warn("request for unknown companion", "companion", name)
		return nil, &ErrCompanionNotFound{Name: name}
	}
	return c, nil
}

// Resolve parses a JSON PromptRequest and finds the companion it names.
// Front-ends call it before answering so request errors are reported
// ahead of any streamed output.
func (r *Registry) Resolve(raw []byte) (*Companion, *PromptRequest, error) {
	req, err := ParsePromptRequest(raw)
	if err != nil {
		return nil, nil, err
	}
	c, err := r.Find(req.CompanionName)
	if err != nil {
		return nil, nil, err
	}
	return c, req, nil
}

// Close closes every companion concurrently and waits for all of them.
func (r *Registry) Close() {
	var g errgroup.Group
	for _, c := range r.All() {
		g.Go(func() error {
			c.Close()
			return nil
		})
	}
	_ = g.Wait()
	r.logger.Info("companions closed", "count", len(r.keys))
}
