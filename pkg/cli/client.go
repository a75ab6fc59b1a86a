package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/zenith/pkg/api"
	"github.com/platinummonkey/zenith/pkg/engine"
	"github.com/platinummonkey/zenith/pkg/events"
	"github.com/platinummonkey/zenith/pkg/httputil"
)

// Client calls the zenithd admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	httputil.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.ErrorResponse.Error, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.ErrorResponse.Error, e.Status)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil || apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Stats returns the engine counters.
func (c *Client) Stats(ctx context.Context) (*engine.Stats, error) {
	var stats engine.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Plugins lists the active plugins.
func (c *Client) Plugins(ctx context.Context) ([]PluginView, error) {
	var list struct {
		Plugins []PluginView `json:"plugins"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/plugins", nil, &list); err != nil {
		return nil, err
	}
	return list.Plugins, nil
}

// LoadParams are the optional overrides of a load.
type LoadParams struct {
	Name       string
	Version    string
	Priority   string
	Entrypoint string
}

// Load uploads bytecode.
func (c *Client) Load(ctx context.Context, bytecode []byte, p LoadParams) (*PluginView, error) {
	q := url.Values{}
	for k, v := range map[string]string{"name": p.Name, "version": p.Version, "priority": p.Priority, "entrypoint": p.Entrypoint} {
		if v != "" {
			q.Set(k, v)
		}
	}
	path := "/api/v1/plugins"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var view PluginView
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(bytecode), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Unload removes a plugin.
func (c *Client) Unload(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/plugins/"+url.PathEscape(name), nil, nil)
}

// Submit enqueues an event.
func (c *Client) Submit(ctx context.Context, ev *events.Event) (*api.SubmitResponse, error) {
	data, err := events.Encode(ev)
	if err != nil {
		return nil, err
	}
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/events", bytes.NewReader(data), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PluginView is a plugin as the API reports it.
type PluginView struct {
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Hash       string    `json:"hash"`
	Entrypoint string    `json:"entrypoint"`
	Priority   string    `json:"priority"`
	Size       int       `json:"size"`
	Source     string    `json:"source"`
	LoadedAt   time.Time `json:"loaded_at"`
	Disabled   bool      `json:"disabled"`
}
