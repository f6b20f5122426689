package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"runstream/internal/logging"
	"runstream/internal/runevents"
	"runstream/internal/types"
)

const (
	defaultBaseURL  = "http://127.0.0.1:3000"
	requestIDHeader = "X-Request-ID"
)

// ErrParse marks a 2xx response whose body could not be decoded.
var ErrParse = errors.New("parse error")

type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	stream      *http.Client
	bus         *http.Client
	logger      logging.Logger
	streamDebug bool
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithHTTPClient replaces the client used for bounded request/response
// calls. Streaming calls keep their own client without a timeout.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithStreamDebug(enabled bool) Option {
	return func(c *Client) {
		c.streamDebug = enabled
	}
}

func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		stream: &http.Client{},
		bus:    &http.Client{Transport: headerTimeoutTransport(busHeaderTimeout)},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// headerTimeoutTransport bounds the wait for response headers without
// limiting how long the body may stream afterwards.
func headerTimeoutTransport(timeout time.Duration) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	transport := base.Clone()
	transport.ResponseHeaderTimeout = timeout
	return transport
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// StartRun posts body to endpoint and decodes the response into one of the
// StartResponse variants. For a StreamResponse the caller owns Body.
func (c *Client) StartRun(ctx context.Context, endpoint string, body any) (StartResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream, application/json")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	start, err := DecodeStartResponse(resp)
	if err != nil {
		return nil, err
	}
	if _, ok := start.(*StreamResponse); !ok {
		resp.Body.Close()
	}
	return start, nil
}

type TaskQuery struct {
	IncludeEvents bool
	EventsLimit   int
}

func (c *Client) GetTask(ctx context.Context, taskID string, query TaskQuery) (*types.TaskSnapshot, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	path := "/tasks/" + url.PathEscape(taskID)
	if query.IncludeEvents {
		values := url.Values{}
		values.Set("includeEvents", "1")
		if query.EventsLimit > 0 {
			values.Set("eventsLimit", strconv.Itoa(query.EventsLimit))
		}
		path += "?" + values.Encode()
	}
	var resp types.TaskSnapshot
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProbeQuery scopes an active-task lookup.
type ProbeQuery struct {
	ProjectID  string
	TargetType string
	TargetID   string
	Types      []string
}

type tasksResponse struct {
	Tasks []types.TaskRecord `json:"tasks"`
}

// ListActiveTasks returns queued or processing tasks matching query.
func (c *Client) ListActiveTasks(ctx context.Context, query ProbeQuery) ([]types.TaskRecord, error) {
	values := url.Values{}
	if v := strings.TrimSpace(query.ProjectID); v != "" {
		values.Set("projectId", v)
	}
	if v := strings.TrimSpace(query.TargetType); v != "" {
		values.Set("targetType", v)
	}
	if v := strings.TrimSpace(query.TargetID); v != "" {
		values.Set("targetId", v)
	}
	for _, taskType := range query.Types {
		if v := strings.TrimSpace(taskType); v != "" {
			values.Add("type", v)
		}
	}
	values.Add("status", string(types.TaskStatusQueued))
	values.Add("status", string(types.TaskStatusProcessing))

	var resp tasksResponse
	if err := c.doJSON(ctx, http.MethodGet, "/tasks?"+values.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task id is required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(requestIDHeader, logging.NewRequestID())
	return req, nil
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrParse, method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	fallback := "HTTP " + strconv.Itoa(resp.StatusCode)
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: fallback}
	if !json.Valid(data) {
		return apiErr
	}
	apiErr.Message = runevents.ResolveErrorMessage(data, fallback)
	apiErr.Code = errorCode(data)
	return apiErr
}

func errorCode(data []byte) string {
	var payload struct {
		Code  string          `json:"code"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if payload.Code != "" {
		return payload.Code
	}
	var nested types.TaskError
	if err := json.Unmarshal(payload.Error, &nested); err == nil {
		return nested.Code
	}
	return ""
}

type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	apiErr := asAPIError(err)
	return apiErr != nil && apiErr.StatusCode == http.StatusNotFound
}
