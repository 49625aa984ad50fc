package httpapi

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Paintersrp/jobvisor/internal/api"
	"github.com/Paintersrp/jobvisor/internal/control"
)

const defaultClientTimeout = 30 * time.Second

// Error is a failed API response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.StatusCode, e.Code)
	}
	return e.Message
}

// Client talks to a running control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server listening on addr. addr may be
// a host:port pair or a full URL.
func NewClient(addr string, httpClient *http.Client) *Client {
	base := strings.TrimSpace(addr)
	if !strings.Contains(base, "://") {
		base = "http://" + normalizeAddr(base)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{baseURL: strings.TrimRight(base, "/"), http: httpClient}
}

// Status fetches the status report.
func (c *Client) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	var report api.StatusReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// CommandResponse is the body returned for an executed command.
type CommandResponse struct {
	Result control.Result    `json:"result"`
	Status *api.StatusReport `json:"status,omitempty"`
}

// Command executes one control line on the server.
func (c *Client) Command(ctx stdcontext.Context, line string) (*CommandResponse, error) {
	body, err := json.Marshal(map[string]string{"command": line})
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	var resp CommandResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/command", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx stdcontext.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &Error{StatusCode: resp.StatusCode, Code: eb.Code, Message: eb.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
