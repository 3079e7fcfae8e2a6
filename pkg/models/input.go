package models

import (
	"encoding/json"
	"fmt"
)

// TaskInput is the envelope handed to an agent. It carries the task's own
// payload plus the outputs of its prerequisite tasks, keyed by role, so an
// agent never reads the store directly.
type TaskInput struct {
	// Payload is the role-specific input (for ingestion, the raw story).
	Payload json.RawMessage `json:"payload,omitempty"`
	// Deps maps prerequisite roles to their succeeded outputs. Optional
	// prerequisites that did not succeed are simply absent.
	Deps map[Role]json.RawMessage `json:"deps,omitempty"`
}

// Dep returns the output of the given prerequisite role.
func (in *TaskInput) Dep(role Role) (json.RawMessage, bool) {
	out, ok := in.Deps[role]
	return out, ok
}

// Encode serializes the envelope for persistence on the task row.
func (in *TaskInput) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode task input: %w", err)
	}
	return raw, nil
}

// DecodeTaskInput parses a persisted input envelope.
func DecodeTaskInput(raw json.RawMessage) (*TaskInput, error) {
	if len(raw) == 0 {
		return &TaskInput{}, nil
	}
	var in TaskInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode task input: %w", err)
	}
	return &in, nil
}
