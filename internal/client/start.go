package client

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// StartResponse is the closed set of shapes a start-run request can return.
type StartResponse interface {
	startResponse()
}

// StreamResponse carries a text/event-stream body of run events.
type StreamResponse struct {
	Body io.ReadCloser
}

// TaskHandoffResponse means the run continues as a background task.
type TaskHandoffResponse struct {
	TaskID string
}

// InlineResultResponse is a synchronous result. Success is false only when
// the body explicitly says so.
type InlineResultResponse struct {
	Success bool
	Message string
	Raw     json.RawMessage
}

func (*StreamResponse) startResponse()       {}
func (*TaskHandoffResponse) startResponse()  {}
func (*InlineResultResponse) startResponse() {}

// DecodeStartResponse classifies resp. Non-2xx responses become *APIError.
// It does not close resp.Body for stream responses.
func DecodeStartResponse(resp *http.Response) (StartResponse, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	if isEventStream(resp.Header.Get("Content-Type")) {
		return &StreamResponse{Body: resp.Body}, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeJSONStart(data)
}

func decodeJSONStart(data []byte) (StartResponse, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return &InlineResultResponse{Success: true}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, fmt.Errorf("%w: start response: %v", ErrParse, err)
	}
	if raw, ok := fields["taskId"]; ok {
		var taskID string
		if err := json.Unmarshal(raw, &taskID); err == nil && strings.TrimSpace(taskID) != "" {
			return &TaskHandoffResponse{TaskID: strings.TrimSpace(taskID)}, nil
		}
	}
	inline := &InlineResultResponse{Success: true, Raw: json.RawMessage(trimmed)}
	if raw, ok := fields["success"]; ok {
		var success bool
		if err := json.Unmarshal(raw, &success); err == nil && !success {
			inline.Success = false
		}
	}
	if raw, ok := fields["message"]; ok {
		_ = json.Unmarshal(raw, &inline.Message)
	}
	return inline, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/event-stream")
	}
	return mediaType == "text/event-stream"
}
