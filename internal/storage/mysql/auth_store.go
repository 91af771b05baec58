package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"OpenOrch/internal/auth"
)

// SQLAuthStore keeps accounts, roles and permissions in MySQL so that every
// daemon sharing the database authenticates against the same credential set.
type SQLAuthStore struct {
	db *sql.DB
}

// NewSQLAuthStore opens the pooled connection and runs the embedded schema
// migrations before the store is handed to the auth service.
func NewSQLAuthStore(ctx context.Context, cfg Config) (*SQLAuthStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAuthStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLAuthStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// FindUserByUsername returns the stored credentials for a username. A missing
// account surfaces as sql.ErrNoRows so the caller can map it to a credential
// failure without leaking which part was wrong.
func (s *SQLAuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	const query = `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(username))
	var user auth.User
	var disabled int
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询账号失败: %w", err)
	}
	user.Disabled = disabled == 1
	return &user, nil
}

// LoadSubject assembles the subject profile: the account row, its roles, and
// the union of role-granted and directly granted permissions.
func (s *SQLAuthStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	const userQuery = `SELECT id, username, disabled FROM auth_users WHERE id = ?`
	row := s.db.QueryRowContext(ctx, userQuery, userID)
	var subject auth.Subject
	var disabled int
	if err := row.Scan(&subject.ID, &subject.Username, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询主体失败: %w", err)
	}
	subject.Disabled = disabled == 1

	const rolesQuery = `SELECT r.name FROM auth_roles r
JOIN auth_user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = ?`
	roles, err := s.queryNames(ctx, rolesQuery, subject.ID)
	if err != nil {
		return nil, err
	}
	subject.Roles = roles

	const permsQuery = `SELECT DISTINCT p.name FROM auth_permissions p
JOIN auth_role_permissions rp ON rp.permission_id = p.id
JOIN auth_user_roles ur ON ur.role_id = rp.role_id
WHERE ur.user_id = ?
UNION
SELECT DISTINCT p.name FROM auth_permissions p
JOIN auth_user_permissions up ON up.permission_id = p.id
WHERE up.user_id = ?`
	permissions, err := s.queryNames(ctx, permsQuery, subject.ID, subject.ID)
	if err != nil {
		return nil, err
	}
	subject.Permissions = permissions
	subject.Normalise()
	return &subject, nil
}

// queryNames runs a single-column query and returns the values lowercased and
// sorted, the normal form auth.Subject expects.
func (s *SQLAuthStore) queryNames(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询授权名单失败: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("解析授权名单失败: %w", err)
		}
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历授权名单失败: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ApplySeed upserts a bootstrap account together with its roles and
// permissions. The whole seed runs in one transaction so a partially written
// account never becomes visible.
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed entry missing username")
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启种子事务失败: %w", err)
	}

	now := time.Now().Unix()
	userID, err := seedUser(ctx, tx, username, passwordHash, seed.Disabled, now)
	if err == nil {
		err = seedRoles(ctx, tx, userID, seed.Roles, now)
	}
	if err == nil {
		err = seedPermissions(ctx, tx, userID, seed.Permissions, now)
	}
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交种子事务失败: %w", err)
	}
	return nil
}

func seedUser(ctx context.Context, tx *sql.Tx, username, passwordHash string, disabled bool, now int64) (int64, error) {
	const stmt = `INSERT INTO auth_users (username, password_hash, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), disabled = VALUES(disabled), updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	res, err := tx.ExecContext(ctx, stmt, username, passwordHash, boolToInt(disabled), now, now)
	if err != nil {
		return 0, fmt.Errorf("写入账号失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("读取账号主键失败: %w", err)
	}
	return id, nil
}

func seedRoles(ctx context.Context, tx *sql.Tx, userID int64, roles []string, now int64) error {
	const upsert = `INSERT INTO auth_roles (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	const link = `INSERT IGNORE INTO auth_user_roles (user_id, role_id, assigned_at) VALUES (?, ?, ?)`
	for _, role := range dedupeValues(roles) {
		res, err := tx.ExecContext(ctx, upsert, role, now, now)
		if err != nil {
			return fmt.Errorf("写入角色失败: %w", err)
		}
		roleID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("读取角色主键失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, link, userID, roleID, now); err != nil {
			return fmt.Errorf("绑定角色失败: %w", err)
		}
	}
	return nil
}

func seedPermissions(ctx context.Context, tx *sql.Tx, userID int64, permissions []string, now int64) error {
	const upsert = `INSERT INTO auth_permissions (name, description, created_at, updated_at)
VALUES (?, '', ?, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at), id = LAST_INSERT_ID(id)`
	const link = `INSERT IGNORE INTO auth_user_permissions (user_id, permission_id, assigned_at) VALUES (?, ?, ?)`
	for _, perm := range dedupeValues(permissions) {
		res, err := tx.ExecContext(ctx, upsert, perm, now, now)
		if err != nil {
			return fmt.Errorf("写入权限失败: %w", err)
		}
		permID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("读取权限主键失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, link, userID, permID, now); err != nil {
			return fmt.Errorf("绑定权限失败: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedupeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for value := range seen {
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}

var _ auth.Store = (*SQLAuthStore)(nil)
var _ auth.SeedWriter = (*SQLAuthStore)(nil)
