package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dockhandvm/dockhand/internal/server/docker"
	"github.com/dockhandvm/dockhand/internal/server/manager"
	"github.com/dockhandvm/dockhand/internal/server/manager/requirements"
)

// DefaultBaseURL is where a locally running dockhandd listens.
const DefaultBaseURL = "http://127.0.0.1:7433"

// Client wraps REST access to the dockhandd API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// New creates a client with the provided base URL (e.g. http://127.0.0.1:7433).
func New(rawURL string) (*Client, error) {
	if rawURL == "" {
		rawURL = DefaultBaseURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	return &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Status mirrors the daemon's status document.
type Status = manager.Status

// Requirements mirrors the daemon's precondition report.
type Requirements = requirements.Report

// Container mirrors the docker passthrough container summary.
type Container = docker.Container

// EventFrame is one event as delivered on the stream endpoints.
type EventFrame struct {
	Kind    string          `json:"kind"`
	Missed  uint64          `json:"missed,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/vm/status", nil)
	if err != nil {
		return nil, err
	}
	var status Status
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) GetRequirements(ctx context.Context) (*Requirements, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/vm/requirements", nil)
	if err != nil {
		return nil, err
	}
	var report Requirements
	if err := c.do(req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// StartOptions mirrors the daemon's per-start resource overrides.
type StartOptions = manager.StartOptions

// StartVM requests an asynchronous boot. Zero-valued options use the
// daemon's configured resources.
func (c *Client) StartVM(ctx context.Context, opts StartOptions) (*Status, error) {
	var payload any
	if opts != (StartOptions{}) {
		payload = opts
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/vm/start", payload)
	if err != nil {
		return nil, err
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	return &body.Status, nil
}

func (c *Client) StopVM(ctx context.Context) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/vm/stop", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	return &body.Status, nil
}

func (c *Client) GetLogs(ctx context.Context, tail int) ([]string, error) {
	path := "/api/v1/vm/logs"
	if tail > 0 {
		path = fmt.Sprintf("%s?tail=%d", path, tail)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Lines []string `json:"lines"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	return body.Lines, nil
}

func (c *Client) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	path := "/api/v1/docker/containers"
	if all {
		path += "?all=true"
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Containers []Container `json:"containers"`
	}
	if err := c.do(req, &body); err != nil {
		return nil, err
	}
	return body.Containers, nil
}

func (c *Client) DockerVersion(ctx context.Context) (*docker.VersionInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/docker/version", nil)
	if err != nil {
		return nil, err
	}
	var info docker.VersionInfo
	if err := c.do(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WatchEvents streams lifecycle events and invokes handler for each frame
// until the context is cancelled or the server closes the connection. kinds
// may be empty to receive everything.
func (c *Client) WatchEvents(ctx context.Context, kinds []string, handler func(EventFrame)) error {
	path := "/api/v1/events"
	if len(kinds) > 0 {
		path += "?kinds=" + url.QueryEscape(strings.Join(kinds, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The default client timeout would sever a long-lived stream.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: watch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: watch events http %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var frame EventFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		handler(frame)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("client: event stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	target := *c.baseURL
	parsed, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("client: parse path: %w", err)
	}
	target.Path = parsed.Path
	target.RawQuery = parsed.RawQuery

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("client: encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("client: %s %s: %s", req.Method, req.URL.Path, apiErr.Error)
		}
		return fmt.Errorf("client: %s %s: http %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
