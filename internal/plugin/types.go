package plugin

import (
	"path/filepath"
	"strings"

	"DatasetFlow/internal/dataset"
	"DatasetFlow/internal/options"
)

// Kind 区分插件的执行方式。
type Kind string

const (
	// KindProcessor 插件读取零或一个父数据集并产出一个新的数据集。
	KindProcessor Kind = "processor"
	// KindWorker 插件直接处理任务，不产出数据集（如保留期清理）。
	KindWorker Kind = "worker"
)

// AcceptAny 出现在 Accepts 中时表示接受任意父数据集。
const AcceptAny = "*"

// Descriptor 是插件声明的静态元数据。
type Descriptor struct {
	Type        string `json:"type"`
	Category    string `json:"category,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Extension   string `json:"extension,omitempty"`
	// Accepts 为空时插件只能创建顶层数据集；元素可以是父插件类型、"*" 或以 "." 开头的扩展名。
	Accepts  []string `json:"accepts,omitempty"`
	IsLocal  bool     `json:"is_local"`
	IsStatic bool     `json:"is_static"`
	// MaxWorkers 为 0 时使用工作池的默认并发。
	MaxWorkers int      `json:"max_workers,omitempty"`
	References []string `json:"references,omitempty"`
	FollowUps  []string `json:"follow_ups,omitempty"`
	// Partitions 声明任务可能落入的子队列，空字符串表示默认分区。
	Partitions []string `json:"partitions,omitempty"`
	// StandaloneCopy 为 true 时结果完成后自动创建一份独立副本。
	StandaloneCopy bool           `json:"standalone_copy,omitempty"`
	Kind           Kind           `json:"kind"`
	Options        options.Schema `json:"options,omitempty"`
	Config         Config         `json:"config,omitempty"`
}

func (d Descriptor) normalize() Descriptor {
	if d.Kind == "" {
		d.Kind = KindProcessor
	}
	if d.Title == "" {
		d.Title = d.Type
	}
	if d.Extension == "" && d.Kind == KindProcessor {
		d.Extension = "ndjson"
	}
	d.Extension = strings.TrimPrefix(d.Extension, ".")
	if len(d.Partitions) == 0 {
		d.Partitions = []string{""}
	}
	return d
}

// accepts 依据 Accepts 声明判断能否以 parent 为输入。
func (d Descriptor) accepts(parent *dataset.Dataset) bool {
	if d.Kind != KindProcessor {
		return false
	}
	if parent == nil {
		return len(d.Accepts) == 0
	}
	for _, rule := range d.Accepts {
		switch {
		case rule == AcceptAny:
			return true
		case strings.HasPrefix(rule, "."):
			if strings.EqualFold(strings.TrimPrefix(rule, "."), parent.Extension) ||
				strings.EqualFold(rule, filepath.Ext(parent.ResultPath)) {
				return true
			}
		case rule == parent.Type:
			return true
		}
	}
	return false
}

// Clone 返回可安全修改的副本。
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Accepts = append([]string(nil), d.Accepts...)
	out.References = append([]string(nil), d.References...)
	out.FollowUps = append([]string(nil), d.FollowUps...)
	out.Partitions = append([]string(nil), d.Partitions...)
	out.Options = append(options.Schema(nil), d.Options...)
	out.Config = d.Config.Clone()
	return out
}
