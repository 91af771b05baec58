package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	xerrors "OpenOrch/internal/errors"
	"OpenOrch/pkg/logger"
)

// Channel 标识一种告警出口。
type Channel string

// 内置的告警出口
const (
	ChannelLog      Channel = "log"
	ChannelWebhook  Channel = "webhook"
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 是一次待投递的告警，携带触发它的插件与执行上下文。
type Event struct {
	Code        xerrors.Code
	Message     string
	Severity    xerrors.Severity
	Channel     Channel
	Plugin      string
	Capability  string
	ExecutionID string
	Metadata    map[string]string
	OccurredAt  time.Time
}

// Notifier 把事件投递到单一渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是命令处理器看到的告警入口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按渠道注册通知器并广播事件，
// 低于 minSeverity 的事件直接丢弃。
type FanoutDispatcher struct {
	notifiers   map[Channel]Notifier
	minSeverity xerrors.Severity
}

// NewFanout 构造不做严重程度过滤的广播器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	return NewFanoutWithMinSeverity(xerrors.SeverityInfo, notifiers...)
}

// NewFanoutWithMinSeverity 创建一个带严重程度过滤的 FanoutDispatcher。
func NewFanoutWithMinSeverity(min xerrors.Severity, notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set, minSeverity: min}
}

// Notify 过滤严重程度后把事件广播给全部渠道，失败的渠道错误合并返回。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if severityRank(event.Severity) < severityRank(d.minSeverity) {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func severityRank(s xerrors.Severity) int {
	switch s {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// LogNotifier 将告警写入结构化日志，作为永远可用的兜底渠道。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 实现 Notifier。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := n.Logger
	if log == nil {
		log = logger.Named("alerting")
	}
	log.Warn("触发告警",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("plugin", event.Plugin),
		slog.String("capability", event.Capability),
		slog.String("execution_id", event.ExecutionID),
		slog.String("message", event.Message),
	)
	return nil
}

// WebhookNotifier 将事件以 JSON 形式推送到外部回调地址。
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

// Channel 实现 Notifier。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送 Webhook 消息。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Endpoint == "" {
		logger.L().Warn("WebhookNotifier 配置不完整，跳过投递", slog.String("plugin", event.Plugin))
		return nil
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	payload, err := json.Marshal(map[string]any{
		"code":         string(event.Code),
		"message":      event.Message,
		"severity":     string(event.Severity),
		"plugin":       event.Plugin,
		"capability":   event.Capability,
		"execution_id": event.ExecutionID,
		"metadata":     event.Metadata,
		"occurred_at":  occurred.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("编码告警事件失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造 Webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("Webhook 返回异常状态码: %d", resp.StatusCode)
	}
	return nil
}

// EmailSender 抽象邮件网关。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 把告警整理成邮件正文发出。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 实现 Notifier。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 组装邮件并交给 Sender。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 配置不完整，跳过投递", slog.String("plugin", event.Plugin))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("告警时间: %s\n插件: %s\n能力: %s\n执行: %s\n错误码: %s\n描述: %s",
		event.OccurredAt.Format(time.RFC3339), event.Plugin, event.Capability, event.ExecutionID, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		content += "\n附加信息:\n"
		for k, v := range event.Metadata {
			content += fmt.Sprintf("  %s = %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// DingTalkSender 抽象钉钉群机器人。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 把告警推送到钉钉群。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

// Channel 实现 Notifier。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 推送钉钉文本消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("DingTalkNotifier 配置不完整，跳过投递", slog.String("plugin", event.Plugin))
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\n插件: %s\n能力: %s\n%s",
		event.Severity, event.Code, event.Plugin, event.Capability, event.Message)
	return n.Sender.Send(ctx, payload)
}

// SlackSender 抽象 Slack 消息接口。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 把告警发到指定 Slack 频道。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 实现 Notifier。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送单行 Slack 摘要。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 配置不完整，跳过投递", slog.String("plugin", event.Plugin))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (插件 %s)", event.Severity, event.Code, event.Message, event.Plugin)
	return n.Sender.Send(ctx, n.ChannelID, content)
}
