package dataset

import (
	"context"
	"time"
)

// Store 抽象了数据集记录的持久化接口。
// 状态、进度与日志字段由唯一的处理器写入，可被任意数量的观察者并发读取。
type Store interface {
	// Create 写入新的数据集；键已存在时返回已有记录且 created 为 false。
	Create(ctx context.Context, d *Dataset) (stored *Dataset, created bool, err error)
	Get(ctx context.Context, key string) (*Dataset, error)
	Children(ctx context.Context, key string) ([]*Dataset, error)
	List(ctx context.Context, opts ...ListOption) ([]*Dataset, error)
	Log(ctx context.Context, key string) ([]LogEntry, error)
	AppendLog(ctx context.Context, key, message string) error
	// UpdateStatus 更新状态文本；已被标记为 final 的状态不会被非 final 更新覆盖。
	UpdateStatus(ctx context.Context, key, status string, final bool) error
	// UpdateProgress 只接受不小于当前值的进度。
	UpdateProgress(ctx context.Context, key string, progress float64) error
	MarkRunning(ctx context.Context, key string) error
	ResetQueued(ctx context.Context, key string) error
	Finish(ctx context.Context, key string, rows int64, resultPath string) error
	Fail(ctx context.Context, key, message string, cancelled bool) error
	RequestInterrupt(ctx context.Context, key string) error
	// Delete 级联删除数据集及其所有后代，返回被删除的记录以便清理结果文件。
	Delete(ctx context.Context, key string) ([]*Dataset, error)
	Close() error
}

// ListOptions 控制 List 的筛选条件。
type ListOptions struct {
	Limit         int
	Offset        int
	Type          string
	States        []State
	TopLevelOnly  bool
	Owner         string
	CreatedBefore int64
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset 跳过前 n 条记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithType 按插件类型筛选。
func WithType(pluginType string) ListOption {
	return func(opts *ListOptions) {
		opts.Type = pluginType
	}
}

// WithStates 按状态筛选。
func WithStates(states ...State) ListOption {
	return func(opts *ListOptions) {
		opts.States = append(opts.States[:0], states...)
	}
}

// WithTopLevelOnly 只返回顶层数据集（无父节点或 standalone）。
func WithTopLevelOnly() ListOption {
	return func(opts *ListOptions) {
		opts.TopLevelOnly = true
	}
}

// WithOwner 按提交者筛选。
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithCreatedBefore 只返回早于给定时间创建的数据集。
func WithCreatedBefore(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedBefore = 0
			return
		}
		opts.CreatedBefore = ts.Unix()
	}
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if len(opts.States) > 0 {
		seen := make(map[State]struct{}, len(opts.States))
		states := make([]State, 0, len(opts.States))
		for _, s := range opts.States {
			if !IsValidState(s) {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			states = append(states, s)
		}
		opts.States = states
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (opts ListOptions) matches(d *Dataset) bool {
	if opts.Type != "" && d.Type != opts.Type {
		return false
	}
	if opts.TopLevelOnly && !d.IsTopLevel() {
		return false
	}
	if opts.Owner != "" && d.Owner != opts.Owner {
		return false
	}
	if opts.CreatedBefore > 0 && d.CreatedAt >= opts.CreatedBefore {
		return false
	}
	if len(opts.States) > 0 {
		for _, s := range opts.States {
			if d.State == s {
				return true
			}
		}
		return false
	}
	return true
}
