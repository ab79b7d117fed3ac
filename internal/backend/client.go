// Package backend implements the REST client for the bus controller API.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/markus-barta/busdash/internal/metrics"
	"github.com/markus-barta/busdash/internal/protocol"
)

// Client defines the backend operations used by the caches.
// This interface allows for easy mocking in tests.
type Client interface {
	// ListNodes returns the full universe of node ids in backend order.
	ListNodes(ctx context.Context) ([]string, error)

	// GetNode returns the current snapshot of a node.
	GetNode(ctx context.Context, id string, addHistory bool) (*protocol.NodeSnapshot, error)

	// GetHistory returns the samples of one series from start until now,
	// resampled to step seconds.
	GetHistory(ctx context.Context, id string, start time.Time, stepS int) ([]protocol.Sample, error)

	// GetDashboardConfig returns the server side default layout.
	GetDashboardConfig(ctx context.Context) ([]protocol.WidgetConfigEntry, error)
}

// HTTPClient is the real backend client using HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL string // API base URL, e.g. http://aquapi.local/api
	Timeout time.Duration
}

// NewClient creates a new backend API client.
func NewClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListNodes returns all node ids.
func (c *HTTPClient) ListNodes(ctx context.Context) ([]string, error) {
	u := c.baseURL + "/nodes/"

	body, err := c.get(ctx, "nodes", u)
	if err != nil {
		return nil, err
	}

	data, err := unwrap("list nodes", u, body)
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, &protocol.DecodeError{What: "node list", Err: err}
	}
	return ids, nil
}

// GetNode returns the snapshot of one node.
func (c *HTTPClient) GetNode(ctx context.Context, id string, addHistory bool) (*protocol.NodeSnapshot, error) {
	u := fmt.Sprintf("%s/nodes/%s?add_history=%t", c.baseURL, url.PathEscape(id), addHistory)

	body, err := c.get(ctx, "node", u)
	if err != nil {
		return nil, err
	}

	data, err := unwrap("get node "+id, u, body)
	if err != nil {
		return nil, err
	}

	var node protocol.NodeSnapshot
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, &protocol.DecodeError{What: "node " + id, Err: err}
	}
	return &node, nil
}

// GetHistory returns the history samples of the series named after id.
func (c *HTTPClient) GetHistory(ctx context.Context, id string, start time.Time, stepS int) ([]protocol.Sample, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("step", strconv.Itoa(stepS))
	u := fmt.Sprintf("%s/history/%s?%s", c.baseURL, url.PathEscape(id), q.Encode())

	body, err := c.get(ctx, "history", u)
	if err != nil {
		return nil, err
	}

	data, err := unwrap("get history "+id, u, body)
	if err != nil {
		return nil, err
	}

	return protocol.DecodeHistory(data, id)
}

// GetDashboardConfig returns the default dashboard layout.
func (c *HTTPClient) GetDashboardConfig(ctx context.Context) ([]protocol.WidgetConfigEntry, error) {
	u := c.baseURL + "/config/dashboard"

	body, err := c.get(ctx, "config", u)
	if err != nil {
		return nil, err
	}

	data, err := unwrap("get dashboard config", u, body)
	if err != nil {
		return nil, err
	}

	var entries []protocol.WidgetConfigEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &protocol.DecodeError{What: "dashboard config", Err: err}
	}
	return entries, nil
}

// get performs a GET request and returns the response body.
func (c *HTTPClient) get(ctx context.Context, endpoint, u string) ([]byte, error) {
	started := time.Now()
	body, err := c.doRequest(ctx, u)
	metrics.BackendRequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.BackendRequests.WithLabelValues(endpoint, outcome).Inc()

	return body, err
}

func (c *HTTPClient) doRequest(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: u, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{Op: "GET", URL: u, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: u, StatusCode: resp.StatusCode, Err: err}
	}
	return body, nil
}

// unwrap strips the {result, data} envelope. Bodies without an envelope
// are returned unchanged since older endpoints answer with the bare value.
func unwrap(op, u string, body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &protocol.DecodeError{What: op, Err: err}
	}
	if _, ok := fields["result"]; !ok {
		return trimmed, nil
	}

	var resp protocol.Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, &protocol.DecodeError{What: op, Err: err}
	}
	if !resp.OK() {
		return nil, &TransportError{Op: op, URL: u, StatusCode: http.StatusOK, Result: resp.Result}
	}
	if len(resp.Data) == 0 {
		return nil, &protocol.DecodeError{What: op, Err: fmt.Errorf("envelope without data")}
	}
	return resp.Data, nil
}
