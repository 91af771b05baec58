package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"OpenOrch/internal/api"
	"OpenOrch/internal/auth"
	"OpenOrch/internal/command"
	"OpenOrch/internal/config"
	xerrors "OpenOrch/internal/errors"
	"OpenOrch/internal/observability/alerting"
	"OpenOrch/internal/observability/metrics"
	"OpenOrch/internal/pluginhost"
	"OpenOrch/internal/storage/mysql"
	"OpenOrch/pkg/logger"

	_ "OpenOrch/plugins/boltcli"         // 注册 Bolt 编排插件
	_ "OpenOrch/plugins/ethnode"         // 注册节点监控插件
	_ "OpenOrch/plugins/inventorysource" // 注册节点清单插件
	_ "OpenOrch/plugins/shellrun"        // 注册本机执行插件
)

// main 是 OpenOrch 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径（默认读取 OPENORCH_CONFIG 或 configs/config.json）")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("openorchd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	// .env 仅用于本地开发，缺失时直接忽略。
	_ = godotenv.Load()

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		AddSource:   cfg.Log.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	mainLog := logger.Named("openorchd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 初始化认证存储与认证服务。
	authSvc, closeAuthStore, err := buildAuthService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAuthStore()

	// 初始化命令日志存储。
	var commandStore command.Store
	switch cfg.Storage.CommandStore.Driver {
	case "", "memory":
		commandStore = command.NewMemoryStore()
	case "mysql":
		store, err := command.NewMySQLStore(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: parseDuration(cfg.Storage.MySQL.ConnMaxLifetime),
			ConnMaxIdleTime: parseDuration(cfg.Storage.MySQL.ConnMaxIdleTime),
		})
		if err != nil {
			return err
		}
		commandStore = store
	default:
		return fmt.Errorf("未知的命令存储驱动: %s", cfg.Storage.CommandStore.Driver)
	}
	defer func() {
		if commandStore != nil {
			_ = commandStore.Close()
		}
	}()

	// 初始化命令分发队列。
	var commandQueue command.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		commandQueue = command.NewMemoryQueue(cfg.Queue.BufferSize)
	case "redis":
		queue, err := command.NewRedisQueue(command.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		commandQueue = queue
	case "rabbitmq":
		queue, err := command.NewRabbitMQQueue(command.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		commandQueue = queue
	default:
		return fmt.Errorf("不支持的队列驱动: %s", cfg.Queue.Driver)
	}
	defer func() {
		if commandQueue != nil {
			if err := commandQueue.Close(); err != nil {
				mainLog.Warn("关闭命令队列失败", "error", err)
			}
		}
	}()

	// 告警分发：日志渠道兜底，Webhook 按需追加。
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{Endpoint: cfg.Alerting.WebhookURL})
	}
	alerts := alerting.NewFanoutWithMinSeverity(xerrors.Severity(cfg.Alerting.MinSeverity), notifiers...)

	// 插件宿主：配置文件为准，JSON 配置可覆盖队列参数。
	hostCfg, err := pluginhost.LoadHostConfig(cfg.Plugins.HostConfig)
	if err != nil {
		return err
	}
	if cfg.Plugins.QueueLimit > 0 {
		hostCfg.Queue.Limit = cfg.Plugins.QueueLimit
	}
	if cfg.Plugins.MaxQueueSize > 0 {
		hostCfg.Queue.MaxQueueSize = cfg.Plugins.MaxQueueSize
	}
	if cfg.Plugins.StrictCycles {
		hostCfg.StrictCycles = true
	}
	if inventoryPath := cfg.Inventory.Path; inventoryPath != "" {
		if hostCfg.Settings == nil {
			hostCfg.Settings = make(map[string]map[string]any)
		}
		if _, ok := hostCfg.Settings["inventorysource"]; !ok {
			hostCfg.Settings["inventorysource"] = map[string]any{"path": inventoryPath}
		}
	}

	host := pluginhost.NewHost(hostCfg,
		pluginhost.WithAlertDispatcher(alerts),
		pluginhost.WithDispatcherOptions(pluginhost.WithObserver(metrics.ObserveDispatch)),
	)

	summary := host.LoadAll(ctx)
	mainLog.Info("插件加载完成",
		"loaded", len(summary.Loaded),
		"failed", len(summary.Failed),
		"disabled", len(summary.Disabled),
		"cyclic", len(summary.Cyclic),
	)
	for _, failure := range summary.Failed {
		mainLog.Warn("插件加载失败", "plugin", failure.Name, "error", failure.Error)
	}

	go host.RunHealthLoop(ctx, parseDurationDefault(cfg.Plugins.HealthCheckInterval, 30*time.Second))

	// 独立的 metrics 监听地址为可选项，API 服务自身也挂载 /metrics。
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				mainLog.Error("metrics 服务异常退出", "error", err)
			}
		}()
	}

	commandSvc := command.NewService(commandStore, commandQueue, cfg.Queue.MaxRetries)
	processor := command.NewProcessor(
		pluginhost.NewCommandExecutor(host),
		commandStore,
		commandQueue,
		commandQueue,
		command.WithWorkerCount(cfg.Queue.Workers),
		command.WithProcessorLogger(logger.Named("processor")),
		command.WithAlertDispatcher(alerts),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			mainLog.Error("命令处理器异常退出", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, authSvc, commandSvc, host)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// API 停止后按逆序收尾：先停插件，再由 defer 关闭队列与存储。
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	host.Shutdown(shutdownCtx)

	return nil
}

// buildAuthService 根据配置选择用户存储并构造认证服务。
func buildAuthService(ctx context.Context, cfg *config.Config) (*auth.Service, func(), error) {
	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var (
		store   auth.Store
		cleanup = func() {}
	)
	switch cfg.Auth.Store {
	case "", "memory":
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, nil, err
		}
		store = memStore
	case "mysql":
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: parseDuration(cfg.Storage.MySQL.ConnMaxLifetime),
			ConnMaxIdleTime: parseDuration(cfg.Storage.MySQL.ConnMaxIdleTime),
		})
		if err != nil {
			return nil, nil, err
		}
		store = sqlStore
		cleanup = func() { _ = sqlStore.Close() }
	default:
		return nil, nil, fmt.Errorf("未知的认证存储驱动: %s", cfg.Auth.Store)
	}

	svc, err := auth.NewService(ctx, auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   splitList(cfg.Auth.JWT.Audience),
			AccessTTL:  int64(parseDurationDefault(cfg.Auth.JWT.AccessTTL, 15*time.Minute).Seconds()),
			RefreshTTL: int64(parseDurationDefault(cfg.Auth.JWT.RefreshTTL, 24*time.Hour).Seconds()),
		},
		OAuth: auth.OAuthOptions{
			IntrospectionURL: cfg.Auth.OAuth.IntrospectionURL,
			TokenURL:         cfg.Auth.OAuth.TokenURL,
			ClientID:         cfg.Auth.OAuth.ClientID,
			ClientSecret:     cfg.Auth.OAuth.ClientSecret,
			UsernameClaim:    cfg.Auth.OAuth.UsernameClaim,
			Scopes:           splitList(cfg.Auth.OAuth.Scopes),
			TimeoutSeconds:   cfg.Auth.OAuth.TimeoutSeconds,
		},
		Seeds: seeds,
	}, store)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return svc, cleanup, nil
}

func parseDuration(value string) time.Duration {
	return parseDurationDefault(value, 0)
}

func parseDurationDefault(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
