package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次插件故障告警。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Plugin     string            `json:"plugin,omitempty"`
	Op         string            `json:"op,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FromError 将运行时错误转换为告警事件，错误码与严重程度沿用 internal/errors 的登记。
func FromError(slug, op string, err error, at time.Time) Event {
	e := xerrors.FromPlugin(err)
	evt := Event{
		Code:       e.Code(),
		Message:    err.Error(),
		Severity:   e.Severity(),
		Plugin:     slug,
		Op:         op,
		Metadata:   e.Metadata(),
		OccurredAt: at.UTC(),
	}
	if evt.Plugin == "" {
		evt.Plugin = evt.Metadata["plugin"]
	}
	return evt
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers   map[Channel]Notifier
	minSeverity xerrors.Severity
}

// NewFanout 创建一个新的 FanoutDispatcher。同一渠道后注册的通知器覆盖先注册的。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set, minSeverity: xerrors.SeverityInfo}
}

// WithMinSeverity 丢弃低于 sev 的事件。
func (d *FanoutDispatcher) WithMinSeverity(sev xerrors.Severity) *FanoutDispatcher {
	if rank(sev) >= 0 {
		d.minSeverity = sev
	}
	return d
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || rank(event.Severity) < rank(d.minSeverity) {
		return nil
	}
	channels := make([]string, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	var errs []error
	for _, ch := range channels {
		notifier := d.notifiers[Channel(ch)]
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// ReportResults 为批量启用中失败的插件逐个发送告警。
func ReportResults(ctx context.Context, d Dispatcher, results []plugin.Result, at time.Time) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		errs = append(errs, d.Notify(ctx, FromError(res.Slug, "enable", res.Err, at)))
	}
	return errors.Join(errs...)
}

func rank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityInfo:
		return 0
	case xerrors.SeverityWarning:
		return 1
	case xerrors.SeverityCritical:
		return 2
	default:
		return -1
	}
}

// LogNotifier 将告警写入日志，critical 级别使用 Error。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条日志。
func (n LogNotifier) Notify(ctx context.Context, event Event) error {
	l := n.Logger
	if l == nil {
		l = logger.Named("alerting")
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	l.Log(ctx, level, "插件告警",
		slog.String("code", string(event.Code)),
		slog.String("plugin", event.Plugin),
		slog.String("op", event.Op),
		slog.String("message", event.Message),
	)
	return nil
}

// WebhookNotifier 以 JSON 形式将告警 POST 到 Webhook 地址，请求体兼容 Slack 与钉钉的 text 字段。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 Webhook 请求。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.Named("alerting").Warn("WebhookNotifier 未配置地址，跳过发送", slog.String("plugin", event.Plugin))
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"text":  formatText(event),
		"event": event,
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send alert: webhook answered %d", resp.StatusCode)
	}
	return nil
}

func formatText(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", event.Severity, event.Code)
	if event.Plugin != "" {
		fmt.Fprintf(&b, " 插件: %s", event.Plugin)
	}
	if event.Op != "" {
		fmt.Fprintf(&b, " 操作: %s", event.Op)
	}
	fmt.Fprintf(&b, "\n%s", event.Message)
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
	}
	return b.String()
}
