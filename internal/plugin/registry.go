package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/options"
	"DatasetFlow/pkg/logger"
)

// Registry 维护类型字符串到插件实现的映射，在启动时构建，之后只做查询。
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	settings Settings
	loader   Loader
}

type entry struct {
	plugin     Plugin
	desc       Descriptor
	config     Config
	maxWorkers int
	enabled    bool
	source     string
}

// Option 修改注册表的行为。
type Option func(*Registry)

// WithSettings 应用 YAML 插件配置。
func WithSettings(settings Settings) Option {
	return func(r *Registry) {
		r.settings = settings
	}
}

// WithLoader 替换默认的二进制加载器。
func WithLoader(loader Loader) Option {
	return func(r *Registry) {
		if loader != nil {
			r.loader = loader
		}
	}
}

// NewRegistry 创建注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		loader:  GoPluginLoader{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.settings.Plugins == nil {
		r.settings.Plugins = map[string]PluginSettings{}
	}
	return r
}

// Register 登记插件实现。重复的类型是配置错误。
func (r *Registry) Register(p Plugin) error {
	return r.register(p, "builtin")
}

func (r *Registry) register(p Plugin, source string) error {
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "插件实现不能为空")
	}
	desc := p.Descriptor().normalize()
	if desc.Type == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "插件类型不能为空")
	}
	switch desc.Kind {
	case KindProcessor:
		if _, ok := p.(Processor); !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("插件 %s 声明为 processor 但未实现 Process", desc.Type))
		}
	case KindWorker:
		if _, ok := p.(Worker); !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("插件 %s 声明为 worker 但未实现 Work", desc.Type))
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("插件 %s 的 kind 无效: %s", desc.Type, desc.Kind))
	}

	ps := r.settings.Plugins[desc.Type]
	cfg := Merge(r.settings.Shared, desc.Config, ps.Config)
	if c, ok := p.(Configurable); ok && ps.IsEnabled() {
		if err := c.Configure(cfg.Clone()); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("配置插件 %s 失败", desc.Type))
		}
	}
	maxWorkers := desc.MaxWorkers
	if ps.MaxWorkers > 0 {
		maxWorkers = ps.MaxWorkers
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Type]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("插件 %s 已注册", desc.Type))
	}
	r.entries[desc.Type] = &entry{
		plugin:     p,
		desc:       desc,
		config:     cfg,
		maxWorkers: maxWorkers,
		enabled:    ps.IsEnabled(),
		source:     source,
	}
	if !ps.IsEnabled() {
		logger.Named("plugin").Info("插件已在配置中禁用", "type", desc.Type)
	}
	return nil
}

// Load 从磁盘加载插件二进制并注册。
func (r *Registry) Load(path string) error {
	p, err := r.loader.Load(path)
	if err != nil {
		return err
	}
	return r.register(p, path)
}

// LoadConfigured 加载配置文件中声明了 path 的外部插件。
func (r *Registry) LoadConfigured() error {
	ids := make([]string, 0, len(r.settings.Plugins))
	for id := range r.settings.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ps := r.settings.Plugins[id]
		if ps.Path == "" || !ps.IsEnabled() {
			continue
		}
		path := ps.Path
		if !filepath.IsAbs(path) && r.settings.PluginDir != "" {
			path = filepath.Join(r.settings.PluginDir, path)
		}
		if err := r.Load(path); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) get(pluginType string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pluginType]
	if !ok || !e.enabled {
		return nil, xerrors.New(CodePluginNotFound, fmt.Sprintf("未注册的插件类型: %s", pluginType),
			xerrors.WithMetadata("type", pluginType))
	}
	return e, nil
}

// Resolve 按类型查找插件；未注册或已禁用时返回 ErrNotFound。
func (r *Registry) Resolve(pluginType string) (Plugin, Descriptor, error) {
	e, err := r.get(pluginType)
	if err != nil {
		return nil, Descriptor{}, err
	}
	return e.plugin, e.desc.Clone(), nil
}

// Descriptors 返回所有启用插件的描述，按类型排序。
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			out = append(out, e.desc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Compatible 判断插件能否以 parent 为输入；parent 为 nil 表示创建顶层数据集。
func (r *Registry) Compatible(pluginType string, parent *dataset.Dataset) error {
	e, err := r.get(pluginType)
	if err != nil {
		return err
	}
	if !compatible(e, parent) {
		parentType := ""
		if parent != nil {
			parentType = parent.Type
		}
		return xerrors.New(CodePluginIncompatible, fmt.Sprintf("插件 %s 不接受 %q 作为输入", pluginType, parentType),
			xerrors.WithMetadata("type", pluginType), xerrors.WithMetadata("parent", parentType))
	}
	return nil
}

func compatible(e *entry, parent *dataset.Dataset) bool {
	if e.desc.Kind != KindProcessor {
		return false
	}
	if c, ok := e.plugin.(CompatibilityChecker); ok {
		return c.IsCompatibleWith(parent)
	}
	return e.desc.accepts(parent)
}

// CompatiblePlugins 返回可以在 parent 之上运行的插件类型，供界面只展示有效的下一步。
func (r *Registry) CompatiblePlugins(parent *dataset.Dataset) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for t, e := range r.entries {
		if e.enabled && compatible(e, parent) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// OptionsFor 返回插件在给定上下文中的选项。
func (r *Registry) OptionsFor(pluginType string, qc QueryContext) (options.Schema, error) {
	e, err := r.get(pluginType)
	if err != nil {
		return nil, err
	}
	return optionsOf(e, r.withSettings(e, qc)), nil
}

func optionsOf(e *entry, qc QueryContext) options.Schema {
	if p, ok := e.plugin.(OptionsProvider); ok {
		return p.Options(qc)
	}
	return append(options.Schema(nil), e.desc.Options...)
}

func (r *Registry) withSettings(e *entry, qc QueryContext) QueryContext {
	if qc.Settings == nil {
		qc.Settings = e.config.Clone()
	}
	return qc
}

// Negotiate 执行一轮参数协商。
// 插件实现 QueryValidator 时由插件决定结果，否则按选项声明校验。
func (r *Registry) Negotiate(ctx context.Context, pluginType string, raw map[string]any, qc QueryContext) (options.Outcome, error) {
	e, err := r.get(pluginType)
	if err != nil {
		return nil, err
	}
	qc = r.withSettings(e, qc)
	if raw == nil {
		raw = map[string]any{}
	}
	if v, ok := e.plugin.(QueryValidator); ok {
		outcome := v.ValidateQuery(ctx, raw, qc)
		if outcome == nil {
			return options.Rejected{Reason: "插件未返回协商结果"}, nil
		}
		return outcome, nil
	}
	params, err := options.Validate(optionsOf(e, qc), raw)
	if err != nil {
		return options.Rejected{Reason: options.ReasonOf(err)}, nil
	}
	return options.Accepted{Parameters: params}, nil
}

// MapItem 使用数据源插件的映射器把原始记录转换为统一形状；未实现映射器时原样返回。
func (r *Registry) MapItem(pluginType string, raw *item.Item) (*item.Item, error) {
	e, err := r.get(pluginType)
	if err != nil {
		return nil, err
	}
	if m, ok := e.plugin.(ItemMapper); ok {
		return m.MapItem(raw)
	}
	return raw, nil
}

// Settings 返回插件合并后的配置。
func (r *Registry) Settings(pluginType string) Config {
	e, err := r.get(pluginType)
	if err != nil {
		return Config{}
	}
	return e.config.Clone()
}

// MaxWorkers 返回插件的并发上限；未声明时返回 fallback。
func (r *Registry) MaxWorkers(pluginType string, fallback int) int {
	e, err := r.get(pluginType)
	if err != nil || e.maxWorkers <= 0 {
		return fallback
	}
	return e.maxWorkers
}

// QueuePartition 为新任务选择子队列。
func (r *Registry) QueuePartition(pluginType string, params map[string]any, parent *dataset.Dataset) string {
	e, err := r.get(pluginType)
	if err != nil {
		return ""
	}
	if p, ok := e.plugin.(QueuePartitioner); ok {
		return p.QueuePartition(params, parent)
	}
	return ""
}

// Source 返回插件的来源（builtin 或二进制路径）。
func (r *Registry) Source(pluginType string) string {
	e, err := r.get(pluginType)
	if err != nil {
		return ""
	}
	return e.source
}
