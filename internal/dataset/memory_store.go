package dataset

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "DatasetFlow/internal/errors"
)

// MemoryStore 以内存方式保存数据集，主要用于测试和单进程部署。
type MemoryStore struct {
	mu       sync.RWMutex
	datasets map[string]*Dataset
	logs     map[string][]LogEntry
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		datasets: make(map[string]*Dataset),
		logs:     make(map[string][]LogEntry),
		now:      time.Now,
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, d *Dataset) (*Dataset, bool, error) {
	if err := validateNew(d); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.datasets[d.Key]; ok {
		return existing.Clone(), false, nil
	}
	now := m.now().Unix()
	clone := d.Clone()
	if clone.State == "" {
		clone.State = StateQueued
	}
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.datasets[d.Key] = clone
	return clone.Clone(), true, nil
}

func validateNew(d *Dataset) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "dataset 不能为空")
	}
	if strings.TrimSpace(d.Key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "数据集键不能为空")
	}
	if strings.TrimSpace(d.Type) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "数据集类型不能为空")
	}
	if d.ParentKey != "" && d.TopParentKey == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "子数据集必须记录根数据集")
	}
	return nil
}

// Get 返回数据集。
func (m *MemoryStore) Get(_ context.Context, key string) (*Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.datasets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// Children 返回直接子数据集，按创建时间升序。
func (m *MemoryStore) Children(_ context.Context, key string) ([]*Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dataset
	for _, d := range m.datasets {
		if d.ParentKey == key {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// List 返回符合条件的数据集，按创建时间倒序。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Dataset, error) {
	options := buildListOptions(opts)
	m.mu.RLock()
	var matched []*Dataset
	for _, d := range m.datasets {
		if options.matches(d) {
			matched = append(matched, d.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt == matched[j].CreatedAt {
			return matched[i].Key < matched[j].Key
		}
		return matched[i].CreatedAt > matched[j].CreatedAt
	})
	if options.Offset >= len(matched) {
		return []*Dataset{}, nil
	}
	end := options.Offset + options.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[options.Offset:end], nil
}

// Log 返回数据集日志的副本。
func (m *MemoryStore) Log(_ context.Context, key string) ([]LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.datasets[key]; !ok {
		return nil, ErrNotFound
	}
	return append([]LogEntry(nil), m.logs[key]...), nil
}

// AppendLog 追加一行日志。
func (m *MemoryStore) AppendLog(_ context.Context, key, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[key]; !ok {
		return ErrNotFound
	}
	m.logs[key] = append(m.logs[key], LogEntry{Timestamp: m.now().Unix(), Message: message})
	return nil
}

// UpdateStatus 实现 Store 接口。
func (m *MemoryStore) UpdateStatus(_ context.Context, key, status string, final bool) error {
	return m.mutate(key, func(d *Dataset) error {
		if d.StatusFinal && !final {
			return nil
		}
		d.Status = status
		d.StatusFinal = final
		return nil
	})
}

// UpdateProgress 实现 Store 接口。
func (m *MemoryStore) UpdateProgress(_ context.Context, key string, progress float64) error {
	return m.mutate(key, func(d *Dataset) error {
		progress = clampProgress(progress)
		if d.State.Terminal() || progress < d.Progress {
			return nil
		}
		d.Progress = progress
		return nil
	})
}

// MarkRunning 实现 Store 接口。
func (m *MemoryStore) MarkRunning(_ context.Context, key string) error {
	return m.mutate(key, func(d *Dataset) error {
		if d.State.Terminal() {
			return ErrConflict
		}
		d.State = StateRunning
		return nil
	})
}

// ResetQueued 实现 Store 接口。
func (m *MemoryStore) ResetQueued(_ context.Context, key string) error {
	return m.mutate(key, func(d *Dataset) error {
		if d.State.Terminal() {
			return ErrConflict
		}
		d.State = StateQueued
		return nil
	})
}

// Finish 实现 Store 接口。
func (m *MemoryStore) Finish(_ context.Context, key string, rows int64, resultPath string) error {
	return m.mutate(key, func(d *Dataset) error {
		if d.State.Terminal() {
			return ErrConflict
		}
		applyFinish(d, rows, resultPath, m.now().Unix())
		return nil
	})
}

// Fail 实现 Store 接口。
func (m *MemoryStore) Fail(_ context.Context, key, message string, cancelled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[key]
	if !ok {
		return ErrNotFound
	}
	if d.State.Terminal() {
		return ErrConflict
	}
	now := m.now().Unix()
	applyFail(d, message, cancelled, now)
	m.logs[key] = append(m.logs[key], LogEntry{Timestamp: now, Message: message})
	return nil
}

// RequestInterrupt 实现 Store 接口。
func (m *MemoryStore) RequestInterrupt(_ context.Context, key string) error {
	return m.mutate(key, func(d *Dataset) error {
		if d.State.Terminal() {
			return ErrConflict
		}
		d.InterruptRequested = true
		return nil
	})
}

// Delete 实现 Store 接口。standalone 后代已脱离原谱系，不随父节点删除。
func (m *MemoryStore) Delete(_ context.Context, key string) ([]*Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	root, ok := m.datasets[key]
	if !ok {
		return nil, ErrNotFound
	}
	removed := []*Dataset{root.Clone()}
	queue := []string{key}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for childKey, d := range m.datasets {
			if d.ParentKey == current && !d.Standalone {
				removed = append(removed, d.Clone())
				queue = append(queue, childKey)
			}
		}
	}
	for _, d := range removed {
		delete(m.datasets, d.Key)
		delete(m.logs, d.Key)
	}
	return removed, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) mutate(key string, fn func(*Dataset) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[key]
	if !ok {
		return ErrNotFound
	}
	if err := fn(d); err != nil {
		return err
	}
	d.UpdatedAt = m.now().Unix()
	return nil
}

func applyFinish(d *Dataset, rows int64, resultPath string, now int64) {
	if rows < 0 {
		rows = 0
	}
	d.RowCount = rows
	d.ResultPath = resultPath
	d.IsFinished = true
	d.IsFailed = false
	d.Progress = 1
	d.FinishedAt = now
	d.UpdatedAt = now
	if rows == 0 {
		d.State = StateFinishedEmpty
	} else {
		d.State = StateFinished
	}
}

func applyFail(d *Dataset, message string, cancelled bool, now int64) {
	d.State = StateFailed
	d.IsFinished = true
	d.IsFailed = true
	d.Cancelled = cancelled
	d.Status = message
	d.StatusFinal = true
	d.FinishedAt = now
	d.UpdatedAt = now
}
