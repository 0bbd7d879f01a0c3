// Package gateway is the HTTP client for the auth/thread/upload gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/coralogyx/loom/pkg/chat"
	"github.com/coralogyx/loom/pkg/logger"
	"github.com/coralogyx/loom/pkg/threads"
)

// Client talks to the gateway endpoints under /api.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.WithComponent("gateway_client"),
	}
}

// TruncateResponse mirrors the truncate-messages contract.
type TruncateResponse struct {
	Success         bool           `json:"success"`
	MessagesKept    int            `json:"messages_kept"`
	MessagesRemoved int            `json:"messages_removed"`
	CheckpointID    string         `json:"checkpoint_id,omitempty"`
	CheckpointNS    string         `json:"checkpoint_ns,omitempty"`
	CheckpointMap   map[string]any `json:"checkpoint_map,omitempty"`
}

// TruncateMessages removes the message at messageIndex and everything after
// it. Non-2xx responses are hard failures carrying the backend detail.
func (c *Client) TruncateMessages(ctx context.Context, threadID string, messageIndex int) (TruncateResponse, error) {
	var resp TruncateResponse
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/api/threads/%s/truncate-messages", threadID),
		map[string]int{"message_index": messageIndex},
		&resp)
	if err != nil {
		return TruncateResponse{}, err
	}
	return resp, nil
}

// Upload is one file queued for upload before a submission.
type Upload struct {
	Filename string
	Content  io.Reader
}

type uploadResponse struct {
	Files []chat.UploadedFile `json:"files"`
}

// UploadFiles sends binary files for a thread prior to message submission.
func (c *Client) UploadFiles(ctx context.Context, threadID string, uploads []Upload) ([]chat.UploadedFile, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, u := range uploads {
		part, err := writer.CreateFormFile("files", u.Filename)
		if err != nil {
			return nil, fmt.Errorf("failed to build upload form: %w", err)
		}
		if _, err := io.Copy(part, u.Content); err != nil {
			return nil, fmt.Errorf("failed to read upload %q: %w", u.Filename, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish upload form: %w", err)
	}

	url := fmt.Sprintf("%s/api/threads/%s/uploads", c.baseURL, threadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		raw, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("upload failed with status %d: %s", httpResp.StatusCode, errorDetail(raw, httpResp.Status))
	}

	var resp uploadResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return resp.Files, nil
}

// ListThreads fetches the full thread list.
func (c *Client) ListThreads(ctx context.Context) ([]threads.Summary, error) {
	var list []threads.Summary
	if err := c.doJSON(ctx, http.MethodGet, "/api/threads", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// CreateThread creates a new persisted thread.
func (c *Client) CreateThread(ctx context.Context, title string) (threads.Summary, error) {
	var s threads.Summary
	err := c.doJSON(ctx, http.MethodPost, "/api/threads",
		map[string]string{"title": title}, &s)
	if err != nil {
		return threads.Summary{}, err
	}
	return s, nil
}

// DeleteThread removes a thread.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/threads/%s", threadID), nil, nil)
}

// RenameThread sets a thread's title.
func (c *Client) RenameThread(ctx context.Context, threadID, title string) error {
	return c.doJSON(ctx, http.MethodPatch,
		fmt.Sprintf("/api/threads/%s/rename", threadID),
		map[string]string{"title": title}, nil)
}

// ClaimResponse is the result of claiming thread ownership.
type ClaimResponse struct {
	Success  bool   `json:"success"`
	ThreadID string `json:"thread_id"`
}

// ClaimThread transfers ownership of an anonymous thread to the current
// user after login.
func (c *Client) ClaimThread(ctx context.Context, threadID string) (ClaimResponse, error) {
	var resp ClaimResponse
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/api/threads/%s/claim", threadID), nil, &resp)
	if err != nil {
		return ClaimResponse{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, errorDetail(raw, resp.Status))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
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
