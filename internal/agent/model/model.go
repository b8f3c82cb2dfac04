// Package model defines the data recorded while an agent works a task.
package model

import (
	"time"
)

// Decision actions.
const (
	ActionTool  = "tool"
	ActionFinal = "final"
)

// Decision is one reply from the model: call a tool or finish the task.
type Decision struct {
	Action    string         `json:"action"`
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Output    string         `json:"output,omitempty"`
}

type ChainOfThought struct {
	Step      int       `json:"step"`
	Thought   string    `json:"thought"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall is an executed tool with its text result.
type ToolCall struct {
	Step     int            `json:"step"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args,omitempty"`
	Result   string         `json:"result"`
	Duration time.Duration  `json:"duration"`
}

// TaskContext is the working state of one task run.
type TaskContext struct {
	Task           string           `json:"task"`
	Agent          string           `json:"agent"`
	CurrentStep    int              `json:"current_step"`
	MaxSteps       int              `json:"max_steps"`
	Calls          []ToolCall       `json:"calls"`
	Decisions      []Decision       `json:"decisions"`
	ChainOfThought []ChainOfThought `json:"chain_of_thought"`
	// Feedback is a note for the next prompt, e.g. that the last reply
	// did not parse.
	Feedback   string    `json:"feedback,omitempty"`
	Output     string    `json:"output"`
	Complete   bool      `json:"complete"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
