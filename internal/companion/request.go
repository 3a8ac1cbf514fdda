package companion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PromptRequest is one ask addressed to a companion, as received from a
// front-end.
type PromptRequest struct {
	CompanionName        string            `json:"companion_name"`
	UserPrompt           string            `json:"user_prompt"`
	SystemPrompt         string            `json:"system_prompt"`
	UsePersonality       bool              `json:"use_personality"`
	AllowMemoryLookup    bool              `json:"allow_memory_lookup"`
	AllowMemoryInsertion bool              `json:"allow_memory_insertion"`
	Source               string            `json:"source"`
	Metadata             map[string]string `json:"metadata"`
	MaxTokens            int               `json:"max_tokens"`
	Stream               bool              `json:"stream"`
}

// ValidationError reports a request that cannot be served as given.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("invalid request: %v", e.Err)
	default:
		return "invalid request: " + e.Reason
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// requestFields lists every key a JSON request must carry, in field
// order.
var requestFields = []string{
	"companion_name",
	"user_prompt",
	"system_prompt",
	"use_personality",
	"allow_memory_lookup",
	"allow_memory_insertion",
	"source",
	"metadata",
	"max_tokens",
	"stream",
}

// ParsePromptRequest decodes and validates a JSON request. Every field
// must be present and unknown fields are rejected.
func ParsePromptRequest(raw []byte) (*PromptRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var req PromptRequest
	if err := dec.Decode(&req); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Reason: "trailing data after request object"}
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return nil, &ValidationError{Err: err}
	}
	for _, k := range requestFields {
		if _, ok := present[k]; !ok {
			return nil, &ValidationError{Field: k, Reason: "is required"}
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the fields every ask needs.
func (r *PromptRequest) Validate() error {
	if strings.TrimSpace(r.CompanionName) == "" {
		return &ValidationError{Field: "companion_name", Reason: "is required"}
	}
	if r.UserPrompt == "" {
		return &ValidationError{Field: "user_prompt", Reason: "is required"}
	}
	if r.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must be positive"}
	}
	return nil
}
