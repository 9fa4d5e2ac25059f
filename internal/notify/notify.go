// Package notify 负责把简报与告警投递到外部渠道。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	xerrors "OpenBrief/internal/errors"
	"OpenBrief/pkg/logger"
)

// Channel 表示投递渠道。
type Channel string

// 支持的投递渠道
const (
	ChannelConsole Channel = "console"
	ChannelWebhook Channel = "webhook"
	ChannelFile    Channel = "file"
)

// Kind 区分消息类型。
type Kind string

const (
	// KindBriefing 是一份完整的晨间简报。
	KindBriefing Kind = "briefing"
	// KindAlert 是一次需要运维关注的告警。
	KindAlert Kind = "alert"
)

// Message 描述一条待投递的消息。
type Message struct {
	Kind       Kind              `json:"kind"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Severity   xerrors.Severity  `json:"severity,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewBriefing 构造一条简报投递消息。
func NewBriefing(subject, body, runID string) Message {
	return Message{
		Kind:       KindBriefing,
		Subject:    subject,
		Body:       body,
		RunID:      runID,
		OccurredAt: time.Now(),
	}
}

// NewAlert 从错误构造告警消息，错误码与严重级别取自错误注册表。
func NewAlert(err error, runID string) Message {
	return Message{
		Kind:       KindAlert,
		Subject:    fmt.Sprintf("[%s] %s", xerrors.SeverityOf(err), xerrors.CodeOf(err)),
		Body:       err.Error(),
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		RunID:      runID,
		OccurredAt: time.Now(),
	}
}

// Notifier 负责将消息发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, msg Message) error
}

// Dispatcher 将消息广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, msg Message) error
}

// FanoutDispatcher 把消息投递到所有注册渠道，逐个尝试而不提前中断。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
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

// Notify 将消息广播至所有注册渠道，任一渠道失败不影响其余渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, msg Message) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, stdErrors.Join(errs...), "部分渠道投递失败")
	}
	return nil
}

// ConsoleNotifier 把消息打印到标准输出，便于本地调试。
type ConsoleNotifier struct {
	Out io.Writer
}

// Channel 返回控制台渠道。
func (n *ConsoleNotifier) Channel() Channel { return ChannelConsole }

// Notify 打印消息。
func (n *ConsoleNotifier) Notify(_ context.Context, msg Message) error {
	out := io.Writer(os.Stdout)
	if n != nil && n.Out != nil {
		out = n.Out
	}
	if _, err := fmt.Fprintf(out, "=== %s ===\n%s\n", msg.Subject, msg.Body); err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "写入控制台失败")
	}
	return nil
}

// WebhookNotifier 以 JSON POST 的方式把消息推送给外部服务。
type WebhookNotifier struct {
	Endpoint  string
	AuthToken string
	Client    *http.Client
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送消息。
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	if n == nil || n.Endpoint == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("run_id", msg.RunID))
		return nil
	}
	payload, err := encodeMessage(msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "序列化消息失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "构造 Webhook 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if n.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.AuthToken)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "发送 Webhook 请求失败")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeDeliveryFailure,
			fmt.Sprintf("Webhook 返回非预期状态码 %d", resp.StatusCode))
	}
	return nil
}

func encodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// FileNotifier 把简报归档到本地目录，文件名按日期命名。
type FileNotifier struct {
	Dir string
}

// Channel 返回文件渠道。
func (n *FileNotifier) Channel() Channel { return ChannelFile }

// Notify 写入归档文件。
func (n *FileNotifier) Notify(_ context.Context, msg Message) error {
	if n == nil || n.Dir == "" {
		logger.L().Warn("FileNotifier 未正确配置，跳过写入", slog.String("run_id", msg.RunID))
		return nil
	}
	if err := os.MkdirAll(n.Dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "创建归档目录失败")
	}
	name := fmt.Sprintf("%s-%s.txt", msg.Kind, msg.OccurredAt.Format("20060102"))
	path := filepath.Join(n.Dir, name)
	content := fmt.Sprintf("%s\n\n%s\n", msg.Subject, msg.Body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "写入归档文件失败")
	}
	return nil
}
