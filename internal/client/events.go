package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"runstream/internal/logging"
	"runstream/internal/runevents"
	"runstream/internal/types"
)

const (
	taskEventBuffer  = 256
	busHeaderTimeout = 15 * time.Second
)

// TaskEventStream opens the shared task-event bus for a project. Events are
// delivered until ctx is done, the stream ends or the returned cancel func
// is called; the channel is closed afterwards.
func (c *Client) TaskEventStream(ctx context.Context, projectID string) (<-chan types.TaskEvent, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	values := url.Values{}
	if projectID = strings.TrimSpace(projectID); projectID != "" {
		values.Set("projectId", projectID)
	}
	path := "/tasks/events"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	c.streamLog("task stream open", logging.F("project_id", projectID))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.bus.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		c.streamLog("task stream error", logging.F("project_id", projectID), logging.F("status", resp.StatusCode))
		return nil, nil, decodeAPIError(resp)
	}

	ch := make(chan types.TaskEvent, taskEventBuffer)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		start := time.Now()
		count := 0
		err := runevents.ReadSSEBlocks(ctx, resp.Body, func(block runevents.SSEBlock) bool {
			event, ok := decodeTaskEvent(block)
			if !ok {
				c.streamLog("task stream drop", logging.F("event", block.Event))
				return true
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return false
			}
			count++
			if count == 1 {
				c.streamLog("task stream first", logging.F("project_id", projectID), logging.F("task_id", event.TaskID))
			}
			return true
		})
		if err != nil && ctx.Err() == nil {
			c.streamLog("task stream scan error", logging.F("project_id", projectID), logging.F("error", err))
		}
		c.streamLog("task stream close",
			logging.F("project_id", projectID),
			logging.F("count", count),
			logging.F("dur", time.Since(start).String()),
		)
	}()

	return ch, cancel, nil
}

func decodeTaskEvent(block runevents.SSEBlock) (types.TaskEvent, bool) {
	var event types.TaskEvent
	if err := json.Unmarshal([]byte(block.Data), &event); err != nil {
		return types.TaskEvent{}, false
	}
	if strings.TrimSpace(event.TaskID) == "" {
		return types.TaskEvent{}, false
	}
	if event.Type == "" {
		event.Type = types.TaskEventChannel(strings.TrimSpace(block.Event))
	}
	return event, true
}

func (c *Client) streamLog(msg string, fields ...logging.Field) {
	if !c.streamDebug {
		return
	}
	c.logger.Info(msg, fields...)
}
