package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/loomium/nodeward"
)

// APIClient talks to a running supervisor's management API.
type APIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAPIClient(baseURL, apiKey string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9090"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *APIClient) do(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return c.client.Do(req)
}

func decodeAPIError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return fmt.Errorf("daemon error: %s", e.Error)
}

// IsReachable reports whether a supervisor answers on the base URL.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the node status.
func (c *APIClient) Status() (*nodeward.NodeStatus, error) {
	resp, err := c.do(http.MethodGet, "/api/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var st nodeward.NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StartNode asks the supervisor to start its node.
func (c *APIClient) StartNode() error {
	resp, err := c.do(http.MethodPost, "/api/start")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// StopNode asks the supervisor to stop its node.
func (c *APIClient) StopNode(force bool) error {
	path := "/api/stop"
	if force {
		path += "?force=1"
	}
	resp, err := c.do(http.MethodPost, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}

// StreamLogs follows the node's log over WebSocket, writing one line at a
// time to out until ctx is cancelled or the server closes the stream.
func (c *APIClient) StreamLogs(ctx context.Context, backfill int, out io.Writer) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/logs"
	if backfill > 0 {
		wsURL += fmt.Sprintf("?backfill=%d", backfill)
	}
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = http.Header{"X-API-Key": []string{c.apiKey}}
	}
	ws, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("connect log stream: %w", err)
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := fmt.Fprintln(out, string(data)); err != nil {
			return err
		}
	}
}
