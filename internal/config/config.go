package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath 指定配置文件路径的环境变量名。
const EnvConfigPath = "OPENORCH_CONFIG"

// DefaultPath 是未显式指定配置文件时使用的默认路径。
const DefaultPath = "configs/config.json"

// Config 描述了 OpenOrch 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Log       LogConfig       `json:"log"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Plugins   PluginsConfig   `json:"plugins"`
	Inventory InventoryConfig `json:"inventory"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 定义 API 服务与指标端点的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// LogConfig 描述结构化日志与审计日志的输出方式。
type LogConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	AddSource   bool           `json:"add_source"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志文件的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AuthConfig 描述认证模式与 JWT 签发参数。
type AuthConfig struct {
	Mode  string       `json:"mode"`
	Store string       `json:"store"`
	JWT   JWTConfig    `json:"jwt"`
	OAuth OAuthConfig  `json:"oauth"`
	Seeds []SeedConfig `json:"seeds"`
}

// JWTConfig 定义令牌签发所需的密钥与有效期。
type JWTConfig struct {
	Secret     string `json:"secret"`
	Issuer     string `json:"issuer"`
	Audience   string `json:"audience"`
	AccessTTL  string `json:"access_ttl"`
	RefreshTTL string `json:"refresh_ttl"`
}

// OAuthConfig 指向外部 OAuth2 提供者的内省与签发端点。
type OAuthConfig struct {
	IntrospectionURL string `json:"introspection_url"`
	TokenURL         string `json:"token_url"`
	ClientID         string `json:"client_id"`
	ClientSecret     string `json:"client_secret"`
	UsernameClaim    string `json:"username_claim"`
	Scopes           string `json:"scopes"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// SeedConfig 描述启动时写入的初始账号。
type SeedConfig struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// StorageConfig 统一描述命令日志与认证数据的后端连接信息。
type StorageConfig struct {
	CommandStore CommandStoreConfig `json:"command_store"`
	MySQL        MySQLConfig        `json:"mysql"`
}

// CommandStoreConfig 选择命令日志的落库驱动。
type CommandStoreConfig struct {
	Driver string `json:"driver"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
	ConnMaxIdleTime string `json:"conn_max_idle_time"`
}

// QueueConfig 选择命令分发所用的消息队列。
type QueueConfig struct {
	Driver     string         `json:"driver"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	BufferSize int            `json:"buffer_size"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 定义 RabbitMQ 队列的接入方式。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// PluginsConfig 指向插件宿主的 YAML 配置，并允许覆盖部分运行参数。
type PluginsConfig struct {
	HostConfig          string `json:"host_config"`
	QueueLimit          int    `json:"queue_limit"`
	MaxQueueSize        int    `json:"max_queue_size"`
	StrictCycles        bool   `json:"strict_cycles"`
	HealthCheckInterval string `json:"health_check_interval"`
}

// InventoryConfig 指向静态节点清单文件。
type InventoryConfig struct {
	Path string `json:"path"`
}

// AlertingConfig 控制告警分发渠道。
type AlertingConfig struct {
	MinSeverity string `json:"min_severity"`
	WebhookURL  string `json:"webhook_url"`
}

// RuntimeConfig 收纳不属于任何子系统的运行参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// ResolvePath 根据命令行参数与环境变量确定配置文件路径。
func ResolvePath(flagPath string) string {
	if strings.TrimSpace(flagPath) != "" {
		return flagPath
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件，${VAR} 形式的占位符
// 会先用环境变量展开。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("未指定配置文件路径")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置 %s 失败: %w", path, err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置内容失败: %w", err)
	}

	expanded := expandEnv(string(content))

	var cfg Config
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置 JSON 失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// expandEnv 展开 ${VAR} 与 ${VAR:-default} 形式的占位符，
// 未定义且没有默认值的变量保持原样，避免破坏 JSON 结构。
func expandEnv(content string) string {
	return os.Expand(content, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		if _, ok := os.LookupEnv(name); ok {
			return ""
		}
		return "${" + key + "}"
	})
}

// applyDefaults 为留空的字段补上默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store == "" {
		c.Auth.Store = "memory"
	}
	if c.Auth.JWT.AccessTTL == "" {
		c.Auth.JWT.AccessTTL = "15m"
	}
	if c.Auth.JWT.RefreshTTL == "" {
		c.Auth.JWT.RefreshTTL = "24h"
	}

	if c.Storage.CommandStore.Driver == "" {
		c.Storage.CommandStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 256
	}

	if c.Plugins.HostConfig == "" {
		c.Plugins.HostConfig = filepath.Join(baseDir, "plugins.yaml")
	} else if !filepath.IsAbs(c.Plugins.HostConfig) {
		c.Plugins.HostConfig = filepath.Join(baseDir, c.Plugins.HostConfig)
	}
	if c.Plugins.HealthCheckInterval == "" {
		c.Plugins.HealthCheckInterval = "30s"
	}

	if c.Inventory.Path != "" && !filepath.IsAbs(c.Inventory.Path) {
		c.Inventory.Path = filepath.Join(baseDir, c.Inventory.Path)
	}

	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
