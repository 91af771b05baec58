package cliexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Bridge 通过调用外部编排 CLI（如 bolt、ansible-runner）执行任务。
// 请求以 JSON 写入子进程 stdin，结果从 stdout 解析。
type Bridge struct {
	binary     string
	baseArgs   []string
	workingDir string
}

// Request 描述一次 CLI 调用。
type Request struct {
	Action string         `json:"action"`
	Target string         `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Result 是 CLI 输出的统一结构。
type Result struct {
	Status string         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Succeeded 判断本次调用是否成功。
func (r *Result) Succeeded() bool {
	return r != nil && (r.Status == "" || strings.EqualFold(r.Status, "success"))
}

// NewBridge 创建 CLI 桥接客户端。
func NewBridge(binary string, baseArgs []string, workingDir string) (*Bridge, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, fmt.Errorf("未指定编排 CLI 路径")
	}
	return &Bridge{
		binary:     binary,
		baseArgs:   baseArgs,
		workingDir: workingDir,
	}, nil
}

// Run 调用外部 CLI，并解析输出。
func (b *Bridge) Run(ctx context.Context, req Request) (*Result, error) {
	payload := map[string]any{
		"action":    req.Action,
		"target":    req.Target,
		"params":    req.Params,
		"timestamp": time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("编码请求负载失败: %w", err)
	}

	command := exec.CommandContext(ctx, b.binary, b.baseArgs...)
	if b.workingDir != "" {
		command.Dir = b.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行编排 CLI 失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("解析 CLI 输出失败: %w", err)
	}
	return &result, nil
}

// ResolveBinaryPath 根据工作目录推导 CLI 绝对路径。
func ResolveBinaryPath(baseDir, binary string) string {
	if binary == "" {
		return ""
	}
	if filepath.IsAbs(binary) {
		return binary
	}
	if !strings.ContainsRune(binary, filepath.Separator) {
		// 保留裸命令名，交给 PATH 查找。
		return binary
	}
	if baseDir == "" {
		return binary
	}
	return filepath.Join(baseDir, binary)
}
