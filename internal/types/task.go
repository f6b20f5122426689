package types

import "encoding/json"

type TaskEventChannel string

const (
	TaskEventChannelLifecycle TaskEventChannel = "lifecycle"
	TaskEventChannelStream    TaskEventChannel = "stream"
)

type LifecycleType string

const (
	LifecycleCreated    LifecycleType = "created"
	LifecycleProcessing LifecycleType = "processing"
	LifecycleProgress   LifecycleType = "progress"
	LifecycleCompleted  LifecycleType = "completed"
	LifecycleFailed     LifecycleType = "failed"
	LifecycleDismissed  LifecycleType = "dismissed"
)

// TaskEvent is the envelope published on the shared task bus.
type TaskEvent struct {
	TaskID    string           `json:"taskId"`
	TaskType  string           `json:"taskType,omitempty"`
	ProjectID string           `json:"projectId,omitempty"`
	EpisodeID string           `json:"episodeId,omitempty"`
	TS        string           `json:"ts,omitempty"`
	Type      TaskEventChannel `json:"type"`
	Payload   TaskEventPayload `json:"payload"`
}

type TaskEventPayload struct {
	LifecycleType LifecycleType   `json:"lifecycleType,omitempty"`
	StepID        string          `json:"stepId,omitempty"`
	StepTitle     string          `json:"stepTitle,omitempty"`
	StepIndex     *int            `json:"stepIndex,omitempty"`
	StepTotal     *int            `json:"stepTotal,omitempty"`
	StepAttempt   *int            `json:"stepAttempt,omitempty"`
	Stage         string          `json:"stage,omitempty"`
	Message       string          `json:"message,omitempty"`
	Text          *string         `json:"text,omitempty"`
	Reasoning     *string         `json:"reasoning,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	Stream        *TaskStreamData `json:"stream,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

type TaskStreamData struct {
	Kind    string `json:"kind"`
	Delta   string `json:"delta"`
	Seq     *int64 `json:"seq,omitempty"`
	Attempt *int   `json:"attempt,omitempty"`
}

// UnmarshalJSON keeps the raw payload so a completed lifecycle without a
// nested result can still surface the whole payload.
func (p *TaskEventPayload) UnmarshalJSON(data []byte) error {
	type alias TaskEventPayload
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = TaskEventPayload(decoded)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type TaskRecord struct {
	ID       string          `json:"id"`
	Type     string          `json:"type,omitempty"`
	Status   TaskStatus      `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
}

// TaskSnapshot is the body of GET /tasks/{id}.
type TaskSnapshot struct {
	Task   TaskRecord        `json:"task"`
	Events []json.RawMessage `json:"events,omitempty"`
}

// TaskError is the structured error shape carried by failed tasks and
// non-2xx responses.
type TaskError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
