package docker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to the Docker Engine API exposed by the guest over the
// forwarded TCP port.
type Client struct {
	http *resty.Client
}

// New returns a Client for the engine API at baseURL, for example
// "http://127.0.0.1:2375".
func New(baseURL string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
	return &Client{http: rc}
}

// VersionInfo is the subset of the engine version document the CLI surfaces.
type VersionInfo struct {
	Version       string `json:"Version"`
	APIVersion    string `json:"ApiVersion"`
	OS            string `json:"Os"`
	Arch          string `json:"Arch"`
	KernelVersion string `json:"KernelVersion"`
}

// Container is a summary entry from the engine's container list.
type Container struct {
	ID     string   `json:"Id"`
	Names  []string `json:"Names"`
	Image  string   `json:"Image"`
	State  string   `json:"State"`
	Status string   `json:"Status"`
}

// Ping checks whether the engine answers on its API socket. Any transport
// failure or non-2xx response counts as not reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/_ping")
	if err != nil {
		return fmt.Errorf("docker: ping: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("docker: ping: engine returned %s", resp.Status())
	}
	return nil
}

// Version fetches the engine version document.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	resp, err := c.http.R().SetContext(ctx).SetResult(&info).Get("/version")
	if err != nil {
		return VersionInfo{}, fmt.Errorf("docker: version: %w", err)
	}
	if resp.IsError() {
		return VersionInfo{}, fmt.Errorf("docker: version: engine returned %s", resp.Status())
	}
	return info, nil
}

// ListContainers returns container summaries. When all is true stopped
// containers are included.
func (c *Client) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	var containers []Container
	req := c.http.R().SetContext(ctx).SetResult(&containers)
	if all {
		req.SetQueryParam("all", "true")
	}
	resp, err := req.Get("/containers/json")
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("docker: list containers: engine returned %s", resp.Status())
	}
	return containers, nil
}

// StartContainer starts the container with the given id or name.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	resp, err := c.http.R().SetContext(ctx).Post(fmt.Sprintf("/containers/%s/start", id))
	if err != nil {
		return fmt.Errorf("docker: start container %s: %w", id, err)
	}
	// 304 means the container is already running.
	if resp.IsError() && resp.StatusCode() != http.StatusNotModified {
		return fmt.Errorf("docker: start container %s: engine returned %s", id, resp.Status())
	}
	return nil
}

// StopContainer stops the container with the given id or name.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	resp, err := c.http.R().SetContext(ctx).Post(fmt.Sprintf("/containers/%s/stop", id))
	if err != nil {
		return fmt.Errorf("docker: stop container %s: %w", id, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotModified {
		return fmt.Errorf("docker: stop container %s: engine returned %s", id, resp.Status())
	}
	return nil
}
