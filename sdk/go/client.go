package gatelinesdk

import (
	"bufio"
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
)

// Client is a minimal gateline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// ReconnectDelay is the pause before Stream reconnects.
	ReconnectDelay time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:        baseURL,
		BasePath:       "/v1",
		Timeout:        10 * time.Second,
		ReconnectDelay: time.Second,
	}
}

// Run represents the API run model (partial).
type Run struct {
	ID          string   `json:"id"`
	ProjectPath string   `json:"project_path"`
	Status      string   `json:"status"`
	CurrentGate int      `json:"current_gate"`
	Bypassed    []string `json:"bypassed,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

type ManifestFile struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

type Manifest struct {
	Files    []ManifestFile `json:"files"`
	TestFile string         `json:"testFile,omitempty"`
}

// State is the projected progress of a run.
type State struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
}

// Event represents a persisted pipeline event.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"event_type"`
	Stage     string         `json:"stage,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Source    string         `json:"source,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items     []Event `json:"items"`
	NextAfter string  `json:"next_after"`
}

// StreamEvent is one frame of a run's live stream. Control frames ("gap",
// "lagged") carry ID 0.
type StreamEvent struct {
	ID   uint64
	Type string
	Data json.RawMessage
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateRun requests a run. m may be nil.
func (c *Client) CreateRun(ctx context.Context, projectPath string, m *Manifest) (Run, error) {
	body := map[string]any{"project_path": projectPath}
	if m != nil {
		body["manifest"] = m
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", body, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, runPath(id, ""), nil, &resp)
	return resp, err
}

// RunGates runs the gates. With wait false the server starts them in the
// background and the returned run is still RUNNING.
func (c *Client) RunGates(ctx context.Context, id string, wait bool) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	err := c.do(ctx, http.MethodPost, runPath(id, "gates"), map[string]any{"wait": wait}, &resp)
	return resp.Run, err
}

func (c *Client) Bypass(ctx context.Context, id, validator string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(id, "bypass"), map[string]any{"validator": validator}, &resp)
	return resp, err
}

func (c *Client) Abort(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(id, "abort"), nil, &resp)
	return resp, err
}

func (c *Client) State(ctx context.Context, id string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, runPath(id, "state"), nil, &resp)
	return resp, err
}

// EventsPage returns persisted events after the given cursor.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, after string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after != "" {
		q.Set("after", after)
	}
	endpoint := runPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Publish sends an external event, such as agent progress.
func (c *Client) Publish(ctx context.Context, id, eventType string, payload map[string]any) (bool, error) {
	var resp struct {
		Persisted bool `json:"persisted"`
	}
	body := map[string]any{"type": eventType}
	if payload != nil {
		body["payload"] = payload
	}
	err := c.do(ctx, http.MethodPost, runPath(id, "events"), body, &resp)
	return resp.Persisted, err
}

// Stream delivers the run's live frames to fn until ctx ends or fn returns
// an error. Dropped connections and lagged frames reconnect with the last
// seen id so nothing retained by the server is delivered twice.
func (c *Client) Stream(ctx context.Context, id string, lastID uint64, fn func(StreamEvent) error) error {
	delay := c.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		last, err := c.streamOnce(ctx, id, lastID, fn)
		lastID = last
		var apiErr *APIError
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.As(err, &apiErr):
			return err
		case errors.Is(err, ErrStop):
			return nil
		case err != nil && !isStreamDrop(err):
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ErrStop can be returned by a Stream callback to end the stream cleanly.
var ErrStop = errors.New("stop stream")

type streamDrop struct{ err error }

func (s streamDrop) Error() string { return "stream dropped: " + s.err.Error() }

func isStreamDrop(err error) bool {
	var d streamDrop
	return errors.As(err, &d)
}

func (c *Client) streamOnce(ctx context.Context, id string, lastID uint64, fn func(StreamEvent) error) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(runPath(id, "stream")), nil)
	if err != nil {
		return lastID, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastID, 10))
	}
	c.authorize(req)
	// The stream outlives any request timeout.
	hc := http.Client{}
	if c.HTTPClient != nil {
		hc = *c.HTTPClient
		hc.Timeout = 0
	}
	resp, err := hc.Do(req)
	if err != nil {
		return lastID, streamDrop{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return lastID, readAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var cur StreamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Type == "" {
				continue
			}
			evt := cur
			cur = StreamEvent{}
			if evt.ID > 0 {
				lastID = evt.ID
			}
			if err := fn(evt); err != nil {
				return lastID, err
			}
			if evt.Type == "lagged" {
				return lastID, streamDrop{errors.New("lagged")}
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			if v, err := strconv.ParseUint(strings.TrimSpace(line[3:]), 10, 64); err == nil {
				cur.ID = v
			}
		case strings.HasPrefix(line, "event:"):
			cur.Type = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			cur.Data = append(cur.Data, strings.TrimSpace(line[5:])...)
		}
	}
	if err := scanner.Err(); err != nil {
		return lastID, streamDrop{err}
	}
	return lastID, streamDrop{io.EOF}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
	}
	return apiErr
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func runPath(id, sub string) string {
	p := "runs/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
