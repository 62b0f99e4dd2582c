package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "OpenProof-Chain/internal/errors"
	"OpenProof-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelAudit Channel = "audit"
	ChannelLog   Channel = "log"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code        xerrors.Code
	Message     string
	Severity    xerrors.Severity
	Subject     string
	ProgramCode uint32
	Attempts    int
	MaxRetries  int
	Metadata    map[string]string
	OccurredAt  time.Time
}

// FromError 根据统一错误构造告警事件，subject 通常为交易签名或任务 ID。
func FromError(subject string, err error) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
	if code, ok := xerrors.ProgramCodeOf(err); ok {
		event.ProgramCode = code
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	return event
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

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
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

// AuditNotifier 将告警写入审计日志。
type AuditNotifier struct {
	Component string
}

// Channel 返回审计渠道。
func (n *AuditNotifier) Channel() Channel { return ChannelAudit }

// Notify 写入一条审计记录。
func (n *AuditNotifier) Notify(_ context.Context, event Event) error {
	component := "alerting"
	if n != nil && n.Component != "" {
		component = n.Component
	}
	logger.AuditEvent(component, "alert", attrs(event)...)
	return nil
}

// LogNotifier 将告警写入指定的结构化日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 以 Error 级别记录告警。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Named("alerting")
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	l.Error(fmt.Sprintf("[%s] %s", event.Severity, event.Code), attrs(event)...)
	return nil
}

func attrs(event Event) []any {
	out := []any{
		"code", string(event.Code),
		"severity", string(event.Severity),
		"subject", event.Subject,
		"message", event.Message,
		"occurred_at", event.OccurredAt.Format(time.RFC3339),
	}
	if event.ProgramCode != 0 {
		out = append(out, "program_code", fmt.Sprintf("0x%x", event.ProgramCode))
	}
	if event.MaxRetries > 0 {
		out = append(out, "attempts", event.Attempts, "max_retries", event.MaxRetries)
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, "meta_"+k, event.Metadata[k])
	}
	return out
}
