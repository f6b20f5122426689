package types

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// RunStepState is one pipeline step. A new Attempt value starts a fresh
// logical instance under the same ID.
type RunStepState struct {
	ID              string     `json:"id"`
	Title           string     `json:"title,omitempty"`
	Status          StepStatus `json:"status"`
	Text            string     `json:"text,omitempty"`
	Reasoning       string     `json:"reasoning,omitempty"`
	TextLength      int        `json:"textLength"`
	ReasoningLength int        `json:"reasoningLength"`
	TextSeq         *int64     `json:"textSeq,omitempty"`
	ReasoningSeq    *int64     `json:"reasoningSeq,omitempty"`
	Message         string     `json:"message,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	Index           *int       `json:"index,omitempty"`
	Total           *int       `json:"total,omitempty"`
	Attempt         int        `json:"attempt"`
}

type RunState struct {
	RunID          string                   `json:"runId"`
	TaskID         string                   `json:"taskId,omitempty"`
	Status         RunStatus                `json:"status"`
	StartedAt      time.Time                `json:"startedAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
	TerminalAt     *time.Time               `json:"terminalAt,omitempty"`
	ErrorMessage   string                   `json:"errorMessage,omitempty"`
	Summary        json.RawMessage          `json:"summary,omitempty"`
	Payload        json.RawMessage          `json:"payload,omitempty"`
	StepsByID      map[string]*RunStepState `json:"stepsById"`
	StepOrder      []string                 `json:"stepOrder"`
	ActiveStepID   string                   `json:"activeStepId,omitempty"`
	SelectedStepID string                   `json:"selectedStepId,omitempty"`
}

// RunResult is the terminal projection of a run, produced once per run.
type RunResult struct {
	RunID        string          `json:"runId"`
	Status       RunStatus       `json:"status"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Snapshot is the persisted form of a RunState.
type Snapshot struct {
	SavedAt  int64     `json:"savedAt"`
	RunState *RunState `json:"runState"`
}
