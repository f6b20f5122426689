package runevents

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"runstream/internal/types"
)

const (
	sseInitialBuffer = 64 * 1024
	sseMaxBuffer     = 4 * 1024 * 1024
)

// SSEBlock is one blank-line delimited server-sent event.
type SSEBlock struct {
	Event string
	Data  string
	ID    string
}

// ParseSSEBlock splits a raw text block into its fields. Comment lines and
// unknown fields are ignored; multiple data lines are joined with "\n".
func ParseSSEBlock(raw string) (SSEBlock, bool) {
	var block SSEBlock
	var dataLines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			block.Event = strings.TrimSpace(value)
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			block.ID = strings.TrimSpace(value)
		}
	}
	if len(dataLines) == 0 {
		return SSEBlock{}, false
	}
	block.Data = strings.Join(dataLines, "\n")
	return block, true
}

// ReadSSEBlocks scans r and invokes fn for every complete block. It stops
// when fn returns false, the reader is exhausted or ctx is done.
func ReadSSEBlocks(ctx context.Context, r io.Reader, fn func(SSEBlock) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxBuffer)
	var pending []string
	flush := func() bool {
		if len(pending) == 0 {
			return true
		}
		raw := strings.Join(pending, "\n")
		pending = pending[:0]
		block, ok := ParseSSEBlock(raw)
		if !ok {
			return true
		}
		return fn(block)
	}
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if !flush() {
				return nil
			}
			continue
		}
		pending = append(pending, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	return ctx.Err()
}

type sseRunPayload struct {
	RunID          string          `json:"runId"`
	Event          string          `json:"event"`
	TS             string          `json:"ts"`
	Status         string          `json:"status"`
	StepID         string          `json:"stepId"`
	StepTitle      string          `json:"stepTitle"`
	StepIndex      *int            `json:"stepIndex"`
	StepTotal      *int            `json:"stepTotal"`
	StepAttempt    *int            `json:"stepAttempt"`
	Lane           string          `json:"lane"`
	Seq            *int64          `json:"seq"`
	TextDelta      string          `json:"textDelta"`
	ReasoningDelta string          `json:"reasoningDelta"`
	Text           *string         `json:"text"`
	Reasoning      *string         `json:"reasoning"`
	Message        string          `json:"message"`
	Payload        json.RawMessage `json:"payload"`
	Summary        json.RawMessage `json:"summary"`
}

// MapSSEBlock converts a request-stream block into a run event. Blocks
// without a run id, with an unknown event name or with unreadable JSON are
// dropped.
func MapSSEBlock(block SSEBlock) (types.RunStreamEvent, bool) {
	return decodeRunEvent([]byte(block.Data), block.Event)
}

func decodeRunEvent(data []byte, fallbackEvent string) (types.RunStreamEvent, bool) {
	var payload sseRunPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return types.RunStreamEvent{}, false
	}
	runID := strings.TrimSpace(payload.RunID)
	if runID == "" {
		return types.RunStreamEvent{}, false
	}
	kind := types.RunEventKind(strings.TrimSpace(payload.Event))
	if !kind.Valid() {
		kind = types.RunEventKind(strings.TrimSpace(fallbackEvent))
	}
	if !kind.Valid() {
		return types.RunStreamEvent{}, false
	}
	ev := types.RunStreamEvent{
		RunID:          runID,
		Event:          kind,
		TS:             payload.TS,
		Status:         normalizeRunStatus(payload.Status),
		StepID:         strings.TrimSpace(payload.StepID),
		StepTitle:      payload.StepTitle,
		StepIndex:      payload.StepIndex,
		StepTotal:      payload.StepTotal,
		StepAttempt:    payload.StepAttempt,
		Seq:            payload.Seq,
		TextDelta:      payload.TextDelta,
		ReasoningDelta: payload.ReasoningDelta,
		Text:           payload.Text,
		Reasoning:      payload.Reasoning,
		Message:        payload.Message,
		Payload:        nonNullRaw(payload.Payload),
		Summary:        nonNullRaw(payload.Summary),
	}
	if lane, ok := types.NormalizeLane(payload.Lane); ok {
		ev.Lane = lane
	}
	if kind == types.RunEventStepChunk {
		if ev.StepID == "" {
			return types.RunStreamEvent{}, false
		}
		if ev.Lane == "" {
			switch {
			case ev.ReasoningDelta != "" && ev.TextDelta == "":
				ev.Lane = types.LaneReasoning
			default:
				ev.Lane = types.LaneText
			}
		}
	}
	return ev, true
}

func normalizeRunStatus(raw string) types.RunStatus {
	switch types.RunStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case types.RunStatusRunning:
		return types.RunStatusRunning
	case types.RunStatusCompleted:
		return types.RunStatusCompleted
	case types.RunStatusFailed:
		return types.RunStatusFailed
	default:
		return ""
	}
}

func nonNullRaw(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return raw
}
