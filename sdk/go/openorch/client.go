package openorch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout caps requests made by clients constructed without a
// custom http.Client, so calls against an unreachable daemon fail fast.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenOrch REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents account credentials used to obtain access tokens.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Scope            []string `json:"scope,omitempty"`
}

// CommandSubmission represents the payload required to enqueue a command.
type CommandSubmission struct {
	ID         string            `json:"id,omitempty"`
	Capability string            `json:"capability"`
	Target     string            `json:"target,omitempty"`
	Args       map[string]any    `json:"args,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Command contains the stored view of a submitted command.
type Command struct {
	ID         string            `json:"id"`
	Capability string            `json:"capability"`
	Target     string            `json:"target,omitempty"`
	Args       map[string]any    `json:"args,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *CommandResult    `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// CommandResult carries the output captured by a finished command.
type CommandResult struct {
	Plugin      string         `json:"plugin,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	ElapsedMs   int64          `json:"elapsed_ms,omitempty"`
}

// CommandStats aggregates command counts by status.
type CommandStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListCommandsOptions narrows a command listing. Zero values are omitted
// from the query string.
type ListCommandsOptions struct {
	Statuses   []string
	Capability string
	Limit      int
	Offset     int
	Order      string
	Query      string
}

// PluginHealth mirrors the health probe result reported per plugin.
type PluginHealth struct {
	Healthy   bool           `json:"healthy"`
	Degraded  bool           `json:"degraded,omitempty"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"lastCheck"`
	Details   map[string]any `json:"details,omitempty"`
}

// PluginRecord contains the host's view of a loaded plugin.
type PluginRecord struct {
	Name         string        `json:"name"`
	Tier         string        `json:"tier"`
	State        string        `json:"state"`
	Disabled     bool          `json:"disabled"`
	Builtin      bool          `json:"builtin,omitempty"`
	Cyclic       bool          `json:"cyclic,omitempty"`
	Version      string        `json:"version,omitempty"`
	Description  string        `json:"description,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	LoadedAt     *time.Time    `json:"loadedAt,omitempty"`
	LoadError    string        `json:"loadError,omitempty"`
	InitError    string        `json:"initError,omitempty"`
	Health       *PluginHealth `json:"health,omitempty"`
}

// InvokeRequest asks the host to dispatch a capability synchronously.
type InvokeRequest struct {
	Capability string            `json:"capability"`
	Args       map[string]any    `json:"args,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// InvokeResult contains the output of a synchronous dispatch.
type InvokeResult struct {
	Capability    string         `json:"capability"`
	Plugin        string         `json:"plugin,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	ElapsedMs     int64          `json:"elapsed_ms"`
}

// QueueStatus reports the execution queue occupancy.
type QueueStatus struct {
	RunningCount int `json:"runningCount"`
	QueuedCount  int `json:"queuedCount"`
	Limit        int `json:"limit"`
	MaxQueueSize int `json:"maxQueueSize"`
}

// Health summarizes daemon and plugin health.
type Health struct {
	Status  string                  `json:"status"`
	Plugins map[string]PluginHealth `json:"plugins,omitempty"`
}

// APIError carries the error payload returned by the daemon.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openorch api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openorch api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a client for the OpenOrch API. Passing a nil httpClient
// selects a default one bounded by DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base URL: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges account credentials for an access token and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	payload := struct {
		GrantType string `json:"grant_type"`
		Username  string `json:"username"`
		Password  string `json:"password"`
	}{GrantType: "password", Username: creds.Username, Password: creds.Password}

	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", payload, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// SubmitCommand enqueues a command for asynchronous execution.
func (c *Client) SubmitCommand(ctx context.Context, submission CommandSubmission) (Command, error) {
	var cmd Command
	if err := c.post(ctx, "/api/v1/commands", submission, &cmd, true); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// GetCommand fetches a command by identifier.
func (c *Client) GetCommand(ctx context.Context, commandID string) (Command, error) {
	var cmd Command
	endpoint := "/api/v1/commands/" + url.PathEscape(commandID)
	if err := c.get(ctx, endpoint, &cmd, true); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ListCommands retrieves commands matching the given filters.
func (c *Client) ListCommands(ctx context.Context, opts ListCommandsOptions) ([]Command, error) {
	var commands []Command
	if err := c.get(ctx, "/api/v1/commands"+opts.encode(), &commands, true); err != nil {
		return nil, err
	}
	return commands, nil
}

// CommandStats retrieves aggregate counts for commands matching the filters.
func (c *Client) CommandStats(ctx context.Context, opts ListCommandsOptions) (CommandStats, error) {
	var stats CommandStats
	if err := c.get(ctx, "/api/v1/commands/stats"+opts.encode(), &stats, true); err != nil {
		return CommandStats{}, err
	}
	return stats, nil
}

// ListPlugins retrieves the load state of every known plugin.
func (c *Client) ListPlugins(ctx context.Context) ([]PluginRecord, error) {
	var records []PluginRecord
	if err := c.get(ctx, "/api/v1/plugins", &records, true); err != nil {
		return nil, err
	}
	return records, nil
}

// GetPlugin retrieves the detailed record of one plugin, manifest included.
func (c *Client) GetPlugin(ctx context.Context, name string) (PluginRecord, error) {
	var record PluginRecord
	endpoint := "/api/v1/plugins/" + url.PathEscape(name)
	if err := c.get(ctx, endpoint, &record, true); err != nil {
		return PluginRecord{}, err
	}
	return record, nil
}

// ReloadPlugin tears a plugin down and loads it again from its source.
func (c *Client) ReloadPlugin(ctx context.Context, name string) (PluginRecord, error) {
	var record PluginRecord
	endpoint := "/api/v1/plugins/" + url.PathEscape(name) + "/reload"
	if err := c.post(ctx, endpoint, struct{}{}, &record, true); err != nil {
		return PluginRecord{}, err
	}
	return record, nil
}

// Invoke dispatches a capability synchronously and returns its output.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	var result InvokeResult
	if err := c.post(ctx, "/api/v1/invoke", req, &result, true); err != nil {
		return InvokeResult{}, err
	}
	return result, nil
}

// QueueStatus reports how busy the execution queue currently is.
func (c *Client) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var status QueueStatus
	if err := c.get(ctx, "/api/v1/queue", &status, true); err != nil {
		return QueueStatus{}, err
	}
	return status, nil
}

// Health probes the daemon without authentication.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.get(ctx, "/api/v1/health", &health, false); err != nil {
		return Health{}, err
	}
	return health, nil
}

// AccessToken reports the token the client is currently sending.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken replaces the token used for subsequent requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (o ListCommandsOptions) encode() string {
	values := url.Values{}
	if len(o.Statuses) > 0 {
		values.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Capability != "" {
		values.Set("capability", o.Capability)
	}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Order != "" {
		values.Set("order", o.Order)
	}
	if o.Query != "" {
		values.Set("q", o.Query)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	pathPart, query, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, pathPart), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error payload: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// some endpoints return the error object without the envelope
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}
