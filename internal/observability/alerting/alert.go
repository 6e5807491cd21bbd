package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// ChannelLog 把告警写入审计日志，具体投递由外部系统订阅日志完成。
const ChannelLog Channel = "log"

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	DatasetKey string
	PluginType string
	JobID      string
	Attempts   int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 投递单个渠道的告警。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是 worker 池看到的告警出口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按登记顺序把事件交给每个渠道，同一渠道只保留最后登记的通知器。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 组装告警渠道，忽略 nil。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	d := &FanoutDispatcher{}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if i := d.indexOf(n.Channel()); i >= 0 {
			d.notifiers[i] = n
			continue
		}
		d.notifiers = append(d.notifiers, n)
	}
	return d
}

func (d *FanoutDispatcher) indexOf(ch Channel) int {
	for i, n := range d.notifiers {
		if n.Channel() == ch {
			return i
		}
	}
	return -1
}

// Notify 投递到全部渠道；单个渠道失败不影响其他渠道，错误合并返回。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.notifiers) == 0 {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	errs := make([]error, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("alert channel %s: %w", n.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入一条告警日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("dataset", event.DatasetKey),
		slog.String("type", event.PluginType),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.JobID != "" {
		attrs = append(attrs, slog.String("job", event.JobID), slog.Int("attempts", event.Attempts))
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	l.Warn("alert: "+event.Message, attrs...)
	return nil
}

// FromError 由错误构造告警事件；错误码不要求告警时返回 false。
func FromError(err error, datasetKey, pluginType string) (Event, bool) {
	if err == nil || !xerrors.ShouldAlert(err) {
		return Event{}, false
	}
	e, _ := xerrors.From(err)
	return Event{
		Code:       e.Code(),
		Message:    e.Message(),
		Severity:   e.Severity(),
		DatasetKey: datasetKey,
		PluginType: pluginType,
		Metadata:   e.Metadata(),
		OccurredAt: time.Now(),
	}, true
}
