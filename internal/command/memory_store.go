package command

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenOrch/internal/errors"
)

// MemoryStore 以内存方式保存命令状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewMemoryStore 构造空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{commands: make(map[string]*Command)}
}

// Create 写入一条新的命令记录。
func (m *MemoryStore) Create(_ context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "command 不能为空")
	}
	if cmd.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "命令 ID 不能为空")
	}
	if _, ok := m.commands[cmd.ID]; ok {
		return ErrCommandConflict
	}
	now := time.Now().Unix()
	if cmd.CreatedAt == 0 {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	m.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

// Get 返回命令。
func (m *MemoryStore) Get(_ context.Context, id string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	return cloneCommand(cmd), nil
}

// Claim 将命令状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	switch cmd.Status {
	case StatusSucceeded:
		return cloneCommand(cmd), ErrCommandCompleted
	case StatusRunning:
		return cloneCommand(cmd), ErrCommandConflict
	}
	if cmd.Attempts >= cmd.MaxRetries {
		return cloneCommand(cmd), ErrCommandExhausted
	}
	cmd.Status = StatusRunning
	cmd.Attempts++
	cmd.LastError = ""
	cmd.ErrorCode = ""
	cmd.UpdatedAt = time.Now().Unix()
	return cloneCommand(cmd), nil
}

// MarkSucceeded 保存执行结果并把命令置为成功态。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return ErrCommandNotFound
	}
	cmd.Status = StatusSucceeded
	cmd.Result = &result
	cmd.LastError = ""
	cmd.ErrorCode = ""
	cmd.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记命令失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return ErrCommandNotFound
	}
	cmd.Status = StatusFailed
	cmd.LastError = lastError
	cmd.ErrorCode = string(code)
	cmd.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的命令。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Command, 0, len(m.commands))
	for _, cmd := range m.commands {
		if !matchesListFilters(cmd, opts) {
			continue
		}
		results = append(results, cloneCommand(cmd))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Command{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的命令数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (CommandStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := CommandStats{}
	for _, cmd := range m.commands {
		if !matchesListFilters(cmd, opts) {
			continue
		}
		stats.Total++
		switch cmd.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if cmd.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = cmd.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (cmd.UpdatedAt != 0 && cmd.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = cmd.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 内存实现没有需要释放的资源。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneCommand(cmd *Command) *Command {
	clone := *cmd
	if cmd.Result != nil {
		resultCopy := *cmd.Result
		resultCopy.Output = cloneArgs(cmd.Result.Output)
		clone.Result = &resultCopy
	}
	clone.Args = cloneArgs(cmd.Args)
	clone.Metadata = cloneMetadata(cmd.Metadata)
	clone.Caller.Roles = append([]string(nil), cmd.Caller.Roles...)
	clone.Caller.Permissions = append([]string(nil), cmd.Caller.Permissions...)
	return &clone
}

func matchesListFilters(cmd *Command, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if cmd.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Capability != "" && strings.ToLower(cmd.Capability) != opts.Capability {
		return false
	}
	if opts.UpdatedGTE > 0 && cmd.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && cmd.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && commandHasResult(cmd) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(cmd, opts.Query) {
		return false
	}
	return true
}

func commandHasResult(cmd *Command) bool {
	if cmd == nil || cmd.Result == nil {
		return false
	}
	result := cmd.Result
	return result.Plugin != "" || result.ExecutionID != "" || len(result.Output) > 0
}

func matchesQuery(cmd *Command, query string) bool {
	needle := strings.ToLower(query)
	fields := []string{cmd.ID, cmd.Capability, cmd.Target, cmd.LastError}
	if cmd.Result != nil {
		fields = append(fields, cmd.Result.Plugin, cmd.Result.ExecutionID)
		if len(cmd.Result.Output) > 0 {
			if encoded, err := json.Marshal(cmd.Result.Output); err == nil {
				fields = append(fields, string(encoded))
			}
		}
	}
	if len(cmd.Args) > 0 {
		if encoded, err := json.Marshal(cmd.Args); err == nil {
			fields = append(fields, string(encoded))
		}
	}
	for _, field := range fields {
		if field == "" {
			continue
		}
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
