package command

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenOrch/internal/errors"
	storage "OpenOrch/internal/storage/mysql"
	"OpenOrch/pkg/plugin"
)

// MySQLStore 使用 MySQL 记录命令日志。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore，复用共享连接池并执行内嵌迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 未配置")
	}

	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 存储失败")
	}

	if err := storage.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新的命令记录。
func (s *MySQLStore) Create(ctx context.Context, cmd *Command) error {
	if cmd == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "command 不能为空")
	}
	if strings.TrimSpace(cmd.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "命令 ID 不能为空")
	}

	now := time.Now().Unix()
	cmd.CreatedAt = now
	cmd.UpdatedAt = now

	argsValue, err := marshalArgs(cmd.Args)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码命令 args 失败")
	}
	callerValue, err := marshalCaller(cmd.Caller)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码命令 caller 失败")
	}
	metadataValue, err := marshalStringMap(cmd.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码命令 metadata 失败")
	}

	const stmt = `INSERT INTO command_journal
        (id, capability, target, args, caller, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		cmd.ID,
		cmd.Capability,
		cmd.Target,
		argsValue,
		callerValue,
		metadataValue,
		cmd.Status,
		cmd.Attempts,
		cmd.MaxRetries,
		cmd.CreatedAt,
		cmd.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrCommandConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入命令失败")
	}
	return nil
}

// Get 查询指定命令。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Command, error) {
	const stmt = `SELECT id, capability, target, args, caller, metadata, status, attempts, max_retries, last_error, error_code,
        result_plugin, result_execution_id, result_output, result_elapsed_ms, created_at, updated_at
        FROM command_journal WHERE id = ?`

	row := s.db.QueryRowContext(ctx, stmt, id)
	cmd, err := scanCommand(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}
	return cmd, nil
}

// Claim 将命令标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Command, error) {
	const updateStmt = `UPDATE command_journal SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now,
		id,
		StatusPending,
		StatusFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新命令状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		cmd, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch cmd.Status {
		case StatusSucceeded:
			return cmd, ErrCommandCompleted
		case StatusRunning:
			return cmd, ErrCommandConflict
		default:
			if cmd.Attempts >= cmd.MaxRetries {
				return cmd, ErrCommandExhausted
			}
			return cmd, ErrCommandConflict
		}
	}
	return s.Get(ctx, id)
}

// MarkSucceeded 将命令标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	outputValue, err := marshalArgs(result.Output)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码命令结果失败")
	}

	const stmt = `UPDATE command_journal SET status = ?, result_plugin = ?, result_execution_id = ?, result_output = ?,
        result_elapsed_ms = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		result.Plugin,
		result.ExecutionID,
		outputValue,
		result.ElapsedMs,
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记命令成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// MarkFailed 将命令标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	const stmt = `UPDATE command_journal SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		StatusFailed,
		lastError,
		string(code),
		now,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记命令失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// List 返回符合过滤条件的命令。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Command, error) {
	opts.applyDefaults()

	query := `SELECT id, capability, target, args, caller, metadata, status, attempts, max_retries, last_error, error_code,
        result_plugin, result_execution_id, result_output, result_elapsed_ms, created_at, updated_at FROM command_journal`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询命令列表失败")
	}
	defer rows.Close()

	commands := make([]*Command, 0, opts.Limit)
	for rows.Next() {
		cmd, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历命令失败")
	}
	return commands, nil
}

// Stats 返回符合过滤条件的命令聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (CommandStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM command_journal`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats CommandStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return CommandStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询命令统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 释放底层连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanCommand(scan func(dest ...any) error) (*Command, error) {
	var cmd Command
	var result ExecutionResult
	var args, caller, metadata, output sql.NullString

	if err := scan(
		&cmd.ID,
		&cmd.Capability,
		&cmd.Target,
		&args,
		&caller,
		&metadata,
		&cmd.Status,
		&cmd.Attempts,
		&cmd.MaxRetries,
		&cmd.LastError,
		&cmd.ErrorCode,
		&result.Plugin,
		&result.ExecutionID,
		&output,
		&result.ElapsedMs,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析命令记录失败")
	}

	if err := decodeJSONColumn(args, &cmd.Args); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析命令 args 失败")
	}
	if err := decodeJSONColumn(caller, &cmd.Caller); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析命令 caller 失败")
	}
	if err := decodeJSONColumn(metadata, &cmd.Metadata); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析命令 metadata 失败")
	}
	if err := decodeJSONColumn(output, &result.Output); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析命令结果失败")
	}

	if result.Plugin != "" || result.ExecutionID != "" || len(result.Output) > 0 {
		cmd.Result = &result
	}
	return &cmd, nil
}

func marshalArgs(args map[string]any) (sql.NullString, error) {
	if len(args) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func marshalStringMap(values map[string]string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func decodeJSONColumn(raw sql.NullString, dest any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dest)
}

func marshalCaller(caller plugin.Caller) (sql.NullString, error) {
	if caller.ID == "" && caller.Name == "" && len(caller.Roles) == 0 && len(caller.Permissions) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(caller)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Capability != "" {
		conditions = append(conditions, "LOWER(capability) = ?")
		args = append(args, opts.Capability)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result_plugin <> '' OR result_execution_id <> '' OR (result_output IS NOT NULL AND result_output <> ''))")
		} else {
			conditions = append(conditions, "(result_plugin = '' AND result_execution_id = '' AND (result_output IS NULL OR result_output = ''))")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR capability LIKE ? OR target LIKE ? OR args LIKE ? OR last_error LIKE ? OR result_plugin LIKE ? OR result_output LIKE ?)")
		args = append(args,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
			pattern,
		)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
