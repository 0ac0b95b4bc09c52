// Package pluginadmin is a Go client for the plugin host administration API.
package pluginadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"PluginRuntime/pkg/hook"
	"PluginRuntime/pkg/plugin"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

const apiPrefix = "/api/v1"

// Client wraps the HTTP interactions with the plugin host REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Plugin is the detail view of one plugin.
type Plugin struct {
	plugin.Entry
	Granted []string `json:"granted"`
	Pending []string `json:"pending"`
}

// Permissions summarises declared, granted and pending permissions of a
// plugin together with their metering counters.
type Permissions struct {
	Slug     string                  `json:"slug"`
	Declared []string                `json:"declared"`
	Granted  []string                `json:"granted"`
	Pending  []string                `json:"pending"`
	Usage    map[string]plugin.Usage `json:"usage"`
}

// EnableResult is the outcome for one plugin of a batch enable.
type EnableResult struct {
	Slug    string    `json:"slug"`
	Enabled bool      `json:"enabled"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError represents an error payload returned by the host.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pluginhost api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pluginhost api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a PLUGIN_NOT_FOUND API error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "PLUGIN_NOT_FOUND"
}

// NewClient instantiates a client for the host at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the configured bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListPlugins returns every indexed plugin.
func (c *Client) ListPlugins(ctx context.Context) ([]plugin.Entry, error) {
	var out struct {
		Plugins []plugin.Entry `json:"plugins"`
	}
	if err := c.call(ctx, http.MethodGet, "/plugins", nil, &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

// GetPlugin fetches one plugin with its grant state.
func (c *Client) GetPlugin(ctx context.Context, slug string) (Plugin, error) {
	var out Plugin
	err := c.call(ctx, http.MethodGet, "/plugins/"+url.PathEscape(slug), nil, &out)
	return out, err
}

// Scan asks the host to rescan its plugin directory.
func (c *Client) Scan(ctx context.Context) ([]plugin.Metadata, error) {
	var out struct {
		Plugins []plugin.Metadata `json:"plugins"`
	}
	if err := c.call(ctx, http.MethodPost, "/plugins/scan", nil, &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

// Enable activates one plugin.
func (c *Client) Enable(ctx context.Context, slug string) (plugin.Entry, error) {
	return c.lifecycle(ctx, slug, "enable")
}

// Disable deactivates one plugin.
func (c *Client) Disable(ctx context.Context, slug string) (plugin.Entry, error) {
	return c.lifecycle(ctx, slug, "disable")
}

// Uninstall uninstalls one plugin.
func (c *Client) Uninstall(ctx context.Context, slug string) (plugin.Entry, error) {
	return c.lifecycle(ctx, slug, "uninstall")
}

// EnableAll activates slugs as one dependency-ordered batch.
func (c *Client) EnableAll(ctx context.Context, slugs []string) ([]EnableResult, error) {
	var out struct {
		Results []EnableResult `json:"results"`
	}
	if err := c.call(ctx, http.MethodPost, "/plugins/enable", map[string][]string{"plugins": slugs}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Permissions returns the permission summary of slug.
func (c *Client) Permissions(ctx context.Context, slug string) (Permissions, error) {
	var out Permissions
	err := c.call(ctx, http.MethodGet, "/plugins/"+url.PathEscape(slug)+"/permissions", nil, &out)
	return out, err
}

// Grant approves permission for slug.
func (c *Client) Grant(ctx context.Context, slug, permission string) error {
	return c.call(ctx, http.MethodPost, permissionPath(slug, permission), nil, nil)
}

// Revoke withdraws permission from slug.
func (c *Client) Revoke(ctx context.Context, slug, permission string) error {
	return c.call(ctx, http.MethodDelete, permissionPath(slug, permission), nil, nil)
}

// Menus returns the menus contributed to surface.
func (c *Client) Menus(ctx context.Context, surface string) ([]plugin.MenuEntry, error) {
	var out struct {
		Menus []plugin.MenuEntry `json:"menus"`
	}
	if err := c.call(ctx, http.MethodGet, "/menus/"+url.PathEscape(surface), nil, &out); err != nil {
		return nil, err
	}
	return out.Menus, nil
}

// Routes lists the routes registered by active plugins.
func (c *Client) Routes(ctx context.Context) ([]plugin.RouteInfo, error) {
	var out struct {
		Routes []plugin.RouteInfo `json:"routes"`
	}
	if err := c.call(ctx, http.MethodGet, "/routes", nil, &out); err != nil {
		return nil, err
	}
	return out.Routes, nil
}

// HookStats returns the hook bus counters.
func (c *Client) HookStats(ctx context.Context) (hook.Stats, error) {
	var out struct {
		Stats hook.Stats `json:"stats"`
	}
	err := c.call(ctx, http.MethodGet, "/hooks/stats", nil, &out)
	return out.Stats, err
}

func (c *Client) lifecycle(ctx context.Context, slug, op string) (plugin.Entry, error) {
	var out plugin.Entry
	err := c.call(ctx, http.MethodPost, "/plugins/"+url.PathEscape(slug)+"/"+op, nil, &out)
	return out, err
}

func permissionPath(slug, permission string) string {
	return "/plugins/" + url.PathEscape(slug) + "/permissions/" + url.PathEscape(permission)
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	// endpoint segments are already escaped; keep them intact in RawPath
	base := strings.TrimRight(c.baseURL.String(), "/")
	req, err := http.NewRequestWithContext(ctx, method, base+apiPrefix+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
