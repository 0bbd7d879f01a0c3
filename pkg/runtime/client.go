package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coralogyx/loom/pkg/logger"
)

// Client is the HTTP connector to a remote agent runtime. Runs stream back
// as newline-delimited JSON events.
type Client struct {
	baseURL     string
	assistantID string
	httpClient  *http.Client
	log         *logger.Logger
}

// NewClient creates a runtime client. The transport timeout only bounds the
// connection phase; streams stay open as long as the run produces events.
func NewClient(baseURL, assistantID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:     baseURL,
		assistantID: assistantID,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
			},
		},
		log: logger.WithComponent("runtime_client"),
	}
}

// NewRun prepares a run for the given thread.
func (c *Client) NewRun(_ context.Context, threadID string) (Run, error) {
	return &remoteRun{
		client:   c,
		threadID: threadID,
		events:   make(chan StreamEvent, 100),
	}, nil
}

// Attach rejoins an in-progress resumable run. The runtime replays buffered
// events from the last acknowledged offset, so nothing already emitted is
// lost across a remount.
func (c *Client) Attach(ctx context.Context, threadID string) (Run, error) {
	run := &remoteRun{
		client:   c,
		threadID: threadID,
		events:   make(chan StreamEvent, 100),
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run.cancel = cancel

	url := fmt.Sprintf("%s/threads/%s/runs/join-stream", c.baseURL, threadID)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create reattach request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("reattach request failed: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		// No active run to rejoin. Not an error: the caller falls back to
		// fetching state and waiting for the next submission.
		resp.Body.Close()
		cancel()
		close(run.events)
		run.finished = true
		return run, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("reattach failed with status %d: %s", resp.StatusCode, errorDetail(body, resp.Status))
	}

	run.start(streamCtx, resp.Body)
	return run, nil
}

// State fetches the current value snapshot for a thread.
func (c *Client) State(ctx context.Context, threadID string) (ThreadValues, error) {
	var values ThreadValues
	if err := c.getJSON(ctx, fmt.Sprintf("%s/threads/%s/state", c.baseURL, threadID), &values); err != nil {
		return ThreadValues{}, err
	}
	return values, nil
}

// History fetches prior state snapshots, most recent first.
func (c *Client) History(ctx context.Context, threadID string) ([]ThreadValues, error) {
	var history []ThreadValues
	if err := c.getJSON(ctx, fmt.Sprintf("%s/threads/%s/history", c.baseURL, threadID), &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, errorDetail(body, resp.Status))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorDetail extracts {detail} from a JSON error body, falling back to the
// status text.
func errorDetail(body []byte, statusText string) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	if len(body) > 0 {
		return string(body)
	}
	return statusText
}

// remoteRun is one live NDJSON stream from the runtime.
type remoteRun struct {
	client   *Client
	threadID string
	events   chan StreamEvent

	mu       sync.Mutex
	cancel   context.CancelFunc
	started  bool
	finished bool
}

type submitRequest struct {
	AssistantID    string      `json:"assistant_id"`
	ThreadID       string      `json:"thread_id,omitempty"`
	Input          submitInput `json:"input"`
	Checkpoint     *Checkpoint `json:"checkpoint,omitempty"`
	StreamModes    []string    `json:"stream_mode,omitempty"`
	RecursionLimit int         `json:"recursion_limit,omitempty"`
	Resumable      bool        `json:"resumable"`
}

type submitInput struct {
	Text string `json:"text"`
}

// Submit starts the run. It returns once the stream is established; events
// arrive on Events.
func (r *remoteRun) Submit(ctx context.Context, text string, opts SubmitOptions) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("run already submitted")
	}
	r.started = true
	r.mu.Unlock()

	payload := submitRequest{
		AssistantID:    r.client.assistantID,
		ThreadID:       opts.ThreadID,
		Input:          submitInput{Text: text},
		Checkpoint:     opts.Checkpoint,
		StreamModes:    opts.StreamModes,
		RecursionLimit: opts.RecursionLimit,
		Resumable:      opts.Resumable,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal run request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	url := fmt.Sprintf("%s/runs/stream", r.client.baseURL)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("run request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return fmt.Errorf("run request failed with status %d: %s", resp.StatusCode, errorDetail(body, resp.Status))
	}

	r.start(streamCtx, resp.Body)
	return nil
}

// Stop cancels the stream. Idempotent; callers await it before any
// destructive follow-up like truncation.
func (r *remoteRun) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	finished := r.finished
	r.mu.Unlock()

	if finished || cancel == nil {
		return nil
	}

	// Best effort server-side cancel; the local stream is torn down either way.
	if r.threadID != "" {
		url := fmt.Sprintf("%s/threads/%s/runs/cancel", r.client.baseURL, r.threadID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err == nil {
			if resp, err := r.client.httpClient.Do(req); err == nil {
				resp.Body.Close()
			} else {
				r.client.log.Warn("run cancel request failed for thread %s: %v", r.threadID, err)
			}
		}
	}

	cancel()
	return nil
}

func (r *remoteRun) Events() <-chan StreamEvent {
	return r.events
}

// start launches the reader goroutine over the response body.
func (r *remoteRun) start(ctx context.Context, body io.ReadCloser) {
	go func() {
		defer close(r.events)
		defer body.Close()
		defer func() {
			r.mu.Lock()
			r.finished = true
			r.mu.Unlock()
		}()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			event, err := DecodeEvent(line)
			if err != nil {
				r.client.log.Warn("dropping undecodable stream event: %v", err)
				continue
			}

			select {
			case r.events <- event:
			case <-ctx.Done():
				return
			}

			if _, done := event.(DoneEvent); done {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			r.events <- ErrorEvent{Err: fmt.Errorf("stream reading error: %w", err)}
		}
	}()
}
