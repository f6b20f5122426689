package types

import (
	"encoding/json"
	"strings"
)

type RunEventKind string

const (
	RunEventRunStart     RunEventKind = "run.start"
	RunEventRunComplete  RunEventKind = "run.complete"
	RunEventRunError     RunEventKind = "run.error"
	RunEventStepStart    RunEventKind = "step.start"
	RunEventStepChunk    RunEventKind = "step.chunk"
	RunEventStepComplete RunEventKind = "step.complete"
	RunEventStepError    RunEventKind = "step.error"
)

// Valid reports whether k is one of the closed set of event kinds.
func (k RunEventKind) Valid() bool {
	switch k {
	case RunEventRunStart, RunEventRunComplete, RunEventRunError,
		RunEventStepStart, RunEventStepChunk, RunEventStepComplete, RunEventStepError:
		return true
	default:
		return false
	}
}

func (k RunEventKind) IsRunTerminal() bool {
	return k == RunEventRunComplete || k == RunEventRunError
}

func (k RunEventKind) IsStepEvent() bool {
	return strings.HasPrefix(string(k), "step.")
}

type Lane string

const (
	LaneText      Lane = "text"
	LaneReasoning Lane = "reasoning"
)

func NormalizeLane(raw string) (Lane, bool) {
	switch Lane(strings.ToLower(strings.TrimSpace(raw))) {
	case LaneText:
		return LaneText, true
	case LaneReasoning:
		return LaneReasoning, true
	default:
		return "", false
	}
}

// RunStreamEvent is the transport-agnostic unit of run progress. Every
// source (request stream, task bus, poller, history replay) is mapped onto
// this shape before it reaches the reducer.
type RunStreamEvent struct {
	RunID          string          `json:"runId"`
	Event          RunEventKind    `json:"event"`
	TS             string          `json:"ts,omitempty"`
	Status         RunStatus       `json:"status,omitempty"`
	StepID         string          `json:"stepId,omitempty"`
	StepTitle      string          `json:"stepTitle,omitempty"`
	StepIndex      *int            `json:"stepIndex,omitempty"`
	StepTotal      *int            `json:"stepTotal,omitempty"`
	StepAttempt    *int            `json:"stepAttempt,omitempty"`
	Lane           Lane            `json:"lane,omitempty"`
	Seq            *int64          `json:"seq,omitempty"`
	TextDelta      string          `json:"textDelta,omitempty"`
	ReasoningDelta string          `json:"reasoningDelta,omitempty"`
	Text           *string         `json:"text,omitempty"`
	Reasoning      *string         `json:"reasoning,omitempty"`
	Message        string          `json:"message,omitempty"`
	Summary        json.RawMessage `json:"summary,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (e RunStreamEvent) Attempt() int {
	if e.StepAttempt == nil || *e.StepAttempt < 1 {
		return 1
	}
	return *e.StepAttempt
}

func IntPtr(v int) *int {
	return &v
}

func Int64Ptr(v int64) *int64 {
	return &v
}

func StringPtr(v string) *string {
	return &v
}
