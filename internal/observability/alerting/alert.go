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
	"strings"
	"time"

	apperrors "ARGOS/internal/errors"
	"ARGOS/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Kind 区分告警的触发原因。
type Kind string

const (
	KindHigh          Kind = "high"
	KindSingleTransit Kind = "single_transit"
	KindHabitable     Kind = "habitable"
	KindFailure       Kind = "failure"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Kind       Kind               `json:"kind"`
	Code       apperrors.Code     `json:"code,omitempty"`
	Message    string             `json:"message"`
	Severity   apperrors.Severity `json:"severity"`
	TaskID     string             `json:"task_id,omitempty"`
	TICID      int64              `json:"tic_id,omitempty"`
	Attempts   int                `json:"attempts,omitempty"`
	MaxRetries int                `json:"max_retries,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
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

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑，可按 Kind 过滤。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
	kinds     map[Kind]bool
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// OnlyKinds 限制转发的事件类型，参数为空表示全部转发。
func (d *FanoutDispatcher) OnlyKinds(kinds ...string) *FanoutDispatcher {
	if len(kinds) == 0 {
		d.kinds = nil
		return d
	}
	d.kinds = make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		d.kinds[Kind(strings.ToLower(strings.TrimSpace(k)))] = true
	}
	return d
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if d.kinds != nil && !d.kinds[event.Kind] {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
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

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.String("severity", string(event.Severity)),
		slog.Int64("tic", event.TICID),
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("code", string(event.Code)))
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID), slog.Int("attempts", event.Attempts))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Warn(event.Message, attrs...)
	return nil
}

// WebhookNotifier 以 JSON 形式 POST 告警事件。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook 请求。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.Int64("tic", event.TICID))
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("告警 webhook 返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
