package geocore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"cadastral-batch/internal/logctx"
	"cadastral-batch/internal/model"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 60 * time.Second

	// MissingCredentialPhrase is the backend's reply when the chat assistant
	// has no model credential configured.
	MissingCredentialPhrase = "API Key de Gemini no configurada"

	maxErrorBody = 4096
)

type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("geocore returned %s", e.Status)
	}
	return fmt.Sprintf("geocore returned %s: %s", e.Status, e.Body)
}

type Options struct {
	BaseURL string
	// Timeout bounds uploads, sync processing, downloads and chat. Streams
	// are bounded only by their context.
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	base    *url.URL
	timeout time.Duration
	http    *http.Client
}

type UploadResponse struct {
	TaskID      string `json:"task_id"`
	ProjectName string `json:"project_name,omitempty"`
	RefCount    int    `json:"ref_count,omitempty"`
}

type SyncResult struct {
	Success     bool   `json:"success"`
	DownloadURL string `json:"download_url,omitempty"`
	FileSize    string `json:"file_size,omitempty"`
	Error       string `json:"error,omitempty"`
}

type ChatReply struct {
	Response          string `json:"response"`
	MissingCredential bool   `json:"missing_credential"`
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q (expected http or https)", raw)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: base, timeout: timeout, http: httpClient}, nil
}

func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	u.Path = path.Join(append([]string{"/", u.Path, "api"}, parts...)...)
	u.RawPath = ""
	u.RawQuery = ""
	return u.String()
}

// ResolveURL turns a result location, absolute or relative to the backend,
// into an absolute URL.
func (c *Client) ResolveURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("result url is required")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid result url %q: %w", ref, err)
	}
	return c.base.ResolveReference(u).String(), nil
}

// Submit uploads a project's original file and returns the server job id.
func (c *Client) Submit(ctx context.Context, p model.Project) (string, error) {
	resp, err := c.Upload(ctx, p.Name, p.Content)
	if err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) Upload(ctx context.Context, name string, content []byte) (UploadResponse, error) {
	var out UploadResponse
	if err := c.postFile(ctx, c.endpoint("upload"), name, content, &out); err != nil {
		return UploadResponse{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return UploadResponse{}, fmt.Errorf("upload %s: response carried no task_id", name)
	}
	logctx.FromContext(ctx).Debug("uploaded project", "name", name, "job_id", out.TaskID, "ref_count", out.RefCount)
	return out, nil
}

// ProcessSync runs a whole project in one request with no incremental progress.
func (c *Client) ProcessSync(ctx context.Context, name string, content []byte) (SyncResult, error) {
	var out SyncResult
	if err := c.postFile(ctx, c.endpoint("process-sync"), name, content, &out); err != nil {
		return SyncResult{}, fmt.Errorf("process %s: %w", name, err)
	}
	return out, nil
}

func (c *Client) Chat(ctx context.Context, taskID, message string) (ChatReply, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ChatReply{}, fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(message) == "" {
		return ChatReply{}, fmt.Errorf("message is required")
	}
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return ChatReply{}, fmt.Errorf("marshal chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("chat", taskID), bytes.NewReader(body))
	if err != nil {
		return ChatReply{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out ChatReply
	if err := c.doJSON(req, &out); err != nil {
		return ChatReply{}, fmt.Errorf("chat %s: %w", taskID, err)
	}
	out.MissingCredential = strings.Contains(out.Response, MissingCredentialPhrase)
	return out, nil
}

// DownloadTask streams the archive of a finished job into w.
func (c *Client) DownloadTask(ctx context.Context, taskID string, w io.Writer) (int64, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return 0, fmt.Errorf("task id is required")
	}
	return c.download(ctx, c.endpoint("download", taskID), w)
}

func (c *Client) DownloadURL(ctx context.Context, ref string, w io.Writer) (int64, error) {
	u, err := c.ResolveURL(ref)
	if err != nil {
		return 0, err
	}
	return c.download(ctx, u, w)
}

func (c *Client) download(ctx context.Context, u string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", u, err)
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", u, err)
	}
	return n, nil
}

// Ping reports whether the backend answers HTTP at all. Any status counts.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String(), nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return resp.Body.Close()
}

func (c *Client) postFile(ctx context.Context, u, name string, content []byte, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do sends req and converts non-2xx answers into *HTTPError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		errBody := strings.TrimSpace(string(body))
		logctx.FromContext(req.Context()).Warn("geocore returned error", "url", req.URL.String(), "status", resp.Status)
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: errBody}
	}
	return resp, nil
}
