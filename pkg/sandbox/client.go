package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/bytedance/sonic"
)

// Client talks to the sandbox provisioning API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a client for the given API base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// CreateResponse is the provisioning payload.
type CreateResponse struct {
	Success   *bool  `json:"success,omitempty"`
	SandboxID string `json:"sandboxId"`
	URL       string `json:"url"`
	Provider  string `json:"provider"`
	Message   string `json:"message,omitempty"`
}

// Create provisions a fresh sandbox.
func (c *Client) Create(ctx context.Context) (*CreateResponse, error) {
	var out CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/create-ai-sandbox-v2", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusData is the nested resource object some status responses carry.
type StatusData struct {
	SandboxID string `json:"sandboxId"`
	URL       string `json:"url"`
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StatusResponse tolerates both known response conventions: resource
// fields at the top level, or wrapped in a data object.
type StatusResponse struct {
	Success   *bool       `json:"success"`
	SandboxID string      `json:"sandboxId"`
	URL       string      `json:"url"`
	Provider  string      `json:"provider"`
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	Data      *StatusData `json:"data"`
}

// Status queries the remote state of a sandbox by id.
func (c *Client) Status(ctx context.Context, sandboxID string) (*StatusResponse, error) {
	q := url.Values{}
	if sandboxID != "" {
		q.Set("sandboxId", sandboxID)
	}
	var out StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/sandbox-status", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type writeFilesPayload struct {
	SandboxID string     `json:"sandboxId"`
	Files     []SyncFile `json:"files"`
}

// WriteFiles pushes a batch of files into an active sandbox.
func (c *Client) WriteFiles(ctx context.Context, sandboxID string, files []SyncFile) error {
	return c.doJSON(ctx, http.MethodPost, "/api/sandbox/write-files", nil, writeFilesPayload{
		SandboxID: sandboxID,
		Files:     files,
	}, nil)
}

type execPayload struct {
	SandboxID string `json:"sandboxId"`
	Command   string `json:"command"`
	Timeout   int    `json:"timeout,omitempty"`
}

// ExecResult is the outcome of a command run inside the sandbox. Some
// deployments return only output/message instead of stdout/stderr.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Output   string `json:"output"`
	Message  string `json:"message"`
}

// Execute runs a command inside the sandbox.
func (c *Client) Execute(ctx context.Context, sandboxID, command string, timeoutSeconds int) (*ExecResult, error) {
	var out ExecResult
	err := c.doJSON(ctx, http.MethodPost, "/api/sandbox/execute", nil, execPayload{
		SandboxID: sandboxID,
		Command:   command,
		Timeout:   timeoutSeconds,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Stdout == "" && out.Stderr == "" {
		// Field fallback for deployments that report a single output blob.
		if out.Output != "" {
			out.Stdout = out.Output
		} else {
			out.Stdout = out.Message
		}
	}
	return &out, nil
}

// Destroy tears down the sandbox. Callers treat failures as best-effort.
func (c *Client) Destroy(ctx context.Context, sandboxID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/kill-sandbox", nil, map[string]string{
		"sandboxId": sandboxID,
	}, nil)
}

// doJSON sends a JSON request and decodes a JSON response (if out is non-nil).
func (c *Client) doJSON(ctx context.Context, method, p string, q url.Values, in any, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	u.Path = path.Join(u.Path, p)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox api error: status=%d body=%s", resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
