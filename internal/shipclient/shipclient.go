// Package shipclient is Bay's HTTP client for talking to a Ship's own
// in-container agent (C3): readiness probing, code execution dispatch, file
// transfer, and bounded log tailing.
//
// Grounded on the teacher's clientpool.go connection-reuse shape (one
// pooled client per backend, reused across calls instead of dialed fresh
// each time) generalized from an MCP stdio client pool to a plain
// *http.Client per Ship endpoint, since a Ship speaks HTTP rather than the
// MCP stdio protocol the teacher's pool manages.
package shipclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/shipyard/bay/internal/errs"
)

// Client talks to one Ship's HTTP agent at Endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

func New(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// WaitReady polls the Ship's /health endpoint at interval until it answers
// 200 OK or ctx is done. Retries are fixed-interval, not exponential
// backoff — a Ship either comes up within a few seconds of its process
// starting or it's failed outright, so backoff only adds latency to the
// common case.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	url := fmt.Sprintf("http://%s/health", c.endpoint)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindShipUnready, "ship did not become ready", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Ship exec request tags: the set of operations a Ship's /exec endpoint
// dispatches on.
const (
	TypeIPythonExec    = "ipython/exec"
	TypeShellExec      = "shell/exec"
	TypeShellProcesses = "shell/processes"
	TypeShellCwd       = "shell/cwd"
	TypeFSCreateFile   = "fs/create_file"
	TypeFSReadFile     = "fs/read_file"
	TypeFSWriteFile    = "fs/write_file"
	TypeFSDeleteFile   = "fs/delete_file"
	TypeFSListDir      = "fs/list_dir"
)

// ExecRequest is the tagged wire payload for a code execution dispatch: a
// `type` discriminator plus an opaque `payload` whose shape depends on it.
// Bay only needs to look inside the payload when
// recording execution history (ipython/exec, shell/exec); every other type
// is forwarded and returned verbatim.
type ExecRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// IPythonExecPayload is the payload shape for TypeIPythonExec.
type IPythonExecPayload struct {
	Code string `json:"code"`
}

// ShellExecPayload is the payload shape for TypeShellExec.
type ShellExecPayload struct {
	Command string `json:"command"`
}

// ExecResponse is the Ship agent's tagged result: `success`, a typed `data`
// payload Bay does not need to interpret, and an optional
// `error`. For exec dispatches the Ship additionally echoes `execution_time_ms`
// and the original `code`/`command`.
type ExecResponse struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms,omitempty"`
	Code            string          `json:"code,omitempty"`
	Command         string          `json:"command,omitempty"`
}

// CodeOrCommand extracts the verbatim source text to persist in
// ExecutionHistory.code: the code or command from the payload Bay
// dispatched, or "" for other request types. The Ship's echoed
// code/command in ExecResponse is not consulted.
func (r ExecRequest) CodeOrCommand() string {
	switch r.Type {
	case TypeIPythonExec:
		var p IPythonExecPayload
		_ = json.Unmarshal(r.Payload, &p)
		return p.Code
	case TypeShellExec:
		var p ShellExecPayload
		_ = json.Unmarshal(r.Payload, &p)
		return p.Command
	default:
		return ""
	}
}

// HistoryExecType maps the request tag to the two-value exec_type enum
// ExecutionHistory persists; ok is false for request types that aren't a
// code/command dispatch and so never produce a history row.
func (r ExecRequest) HistoryExecType() (execType string, ok bool) {
	switch r.Type {
	case TypeIPythonExec:
		return "python", true
	case TypeShellExec:
		return "shell", true
	default:
		return "", false
	}
}

// Exec dispatches one tagged execution request and returns the Ship's
// response, or a KindBackendTimeout/KindBackendUnreachable domain error.
func (c *Client) Exec(ctx context.Context, req ExecRequest) (*ExecResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "marshal exec request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/exec", c.endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "build exec request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindBackendTimeout, "exec timed out", err)
		}
		return nil, errs.Wrap(errs.KindBackendUnreachable, "exec request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, errs.New(errs.KindBackendUnreachable, fmt.Sprintf("ship exec returned %d: %s", resp.StatusCode, string(data)))
	}

	var out ExecResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.KindBackendUnreachable, "decode exec response", err)
	}
	return &out, nil
}

// UploadRaw forwards an already-multipart-encoded request body to the
// Ship's /upload endpoint verbatim, preserving the caller's boundary. Bay's
// own upload route mirrors this as a thin proxy, not a second multipart
// encoding step.
func (c *Client) UploadRaw(ctx context.Context, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/upload", c.endpoint), body)
	if err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "build upload request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindBackendTimeout, "upload timed out", err)
		}
		return errs.Wrap(errs.KindBackendUnreachable, "upload failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return errs.New(errs.KindInvalidRequest, "upload too large")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return errs.New(errs.KindBackendUnreachable, fmt.Sprintf("upload returned %d: %s", resp.StatusCode, string(data)))
	}
	return nil
}

// Upload streams a file to the Ship's workspace at destPath as a multipart
// form upload with a destination path field. Used by callers that build an
// upload from scratch (e.g. tests) rather than proxying an already-encoded
// client request.
func (c *Client) Upload(ctx context.Context, destPath string, content io.Reader) error {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("dest_path", destPath); err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "build upload form", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(destPath))
	if err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "build upload form", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "read upload content", err)
	}
	if err := mw.Close(); err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "close upload form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/upload", c.endpoint), body)
	if err != nil {
		return errs.Wrap(errs.KindInvalidRequest, "build upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindBackendTimeout, "upload timed out", err)
		}
		return errs.Wrap(errs.KindBackendUnreachable, "upload failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return errs.New(errs.KindInvalidRequest, "upload too large")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return errs.New(errs.KindBackendUnreachable, fmt.Sprintf("upload returned %d: %s", resp.StatusCode, string(data)))
	}
	return nil
}

// Download streams a file out of the Ship's workspace at srcPath, a
// streamed body with the path given as a query parameter.
func (c *Client) Download(ctx context.Context, srcPath string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/download?file_path=%s", c.endpoint, url.QueryEscape(srcPath)), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidRequest, "build download request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindBackendUnreachable, "download failed", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errs.NotFound("file", srcPath)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errs.New(errs.KindBackendUnreachable, fmt.Sprintf("download returned %d: %s", resp.StatusCode, string(data)))
	}
	return resp.Body, nil
}

// maxLogTail is the upper bound C3 clamps the caller-supplied `tail` to
// before forwarding it to a Ship, to prevent unbounded memory use.
const maxLogTail = 10000

// Logs returns up to tail lines of the Ship's own application log (distinct
// from the container runtime log exposed by the driver).
func (c *Client) Logs(ctx context.Context, tail int) (string, error) {
	if tail <= 0 || tail > maxLogTail {
		tail = maxLogTail
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/logs?tail=%d", c.endpoint, tail), nil)
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidRequest, "build logs request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindBackendUnreachable, "logs request failed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Wrap(errs.KindBackendUnreachable, "read logs response", err)
	}
	return string(data), nil
}

// WebSocketURL returns the ws:// URL for the Ship's interactive terminal.
func (c *Client) WebSocketURL() string {
	return fmt.Sprintf("ws://%s/terminal", c.endpoint)
}
