package runnerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 60 * time.Second

// Config 描述调用远端 Runner 服务所需的信息。
type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用远端 Runner 执行编排动作。
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建 Runner 客户端。
func NewClient(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("未提供 Runner API Token")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供 Runner API 地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		token:   token,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// RunRequest 描述一次远端执行请求。
type RunRequest struct {
	Action string         `json:"action"`
	Target string         `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// RunResult 是 Runner 返回的统一结构。
type RunResult struct {
	ID     string         `json:"id,omitempty"`
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Succeeded 判断远端执行是否成功。
func (r *RunResult) Succeeded() bool {
	return r != nil && strings.EqualFold(r.Status, "success")
}

// Run 将执行请求投递给 Runner 并解析结果。
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化 Runner 请求失败: %w", err)
	}

	endpoint := c.baseURL + "/api/v1/runs"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("构建 Runner 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 Runner 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Runner 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析 Runner 响应失败: %w", err)
	}
	if result.Status == "" {
		return nil, errors.New("Runner 响应缺少 status 字段")
	}
	return &result, nil
}

// Health 探测 Runner 服务可用性。
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("构建 Runner 健康检查失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("请求 Runner 健康检查失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Runner 健康检查状态异常: %d", resp.StatusCode)
	}
	return nil
}
