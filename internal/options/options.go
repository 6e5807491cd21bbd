package options

import (
	xerrors "DatasetFlow/internal/errors"
)

// Type 标识选项在界面上的呈现方式以及值的解析规则。
type Type string

const (
	TypeText      Type = "text"
	TypeChoice    Type = "choice"
	TypeToggle    Type = "toggle"
	TypeMulti     Type = "multi"
	TypeFile      Type = "file"
	TypeDateRange Type = "daterange"
	TypeInfo      Type = "info"
	TypeDivider   Type = "divider"
)

// ConfirmKey 是调用方确认警告后重新提交时携带的参数名。
const ConfirmKey = "frontend-confirm"

// CodeParametersInvalid 表示用户输入的参数无法通过校验。
const CodeParametersInvalid xerrors.Code = "PARAMETERS_INVALID"

func init() {
	xerrors.Register(CodeParametersInvalid, xerrors.Attributes{
		Message:  "invalid parameters",
		Severity: xerrors.SeverityInfo,
	})
}

// Choice 是 CHOICE/MULTI 选项中的一个候选值。
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Option 描述插件声明的一个可配置项。
type Option struct {
	Key       string   `json:"key"`
	Type      Type     `json:"type"`
	Help      string   `json:"help,omitempty"`
	Tooltip   string   `json:"tooltip,omitempty"`
	Default   any      `json:"default,omitempty"`
	Choices   []Choice `json:"choices,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	// Integer 为 true 时 TEXT 值按整数解析。
	Integer  bool   `json:"integer,omitempty"`
	Required bool   `json:"required,omitempty"`
	Requires string `json:"requires,omitempty"`
}

// Schema 是有序的选项列表，顺序即展示顺序。
type Schema []Option

// Lookup 按键名查找选项。
func (s Schema) Lookup(key string) (Option, bool) {
	for _, opt := range s {
		if opt.Key == key {
			return opt, true
		}
	}
	return Option{}, false
}

// Defaults 返回所有带默认值选项的默认参数。
func (s Schema) Defaults() map[string]any {
	out := make(map[string]any)
	for _, opt := range s {
		if opt.Default != nil && opt.Type.HasValue() {
			out[opt.Key] = opt.Default
		}
	}
	return out
}

// HasValue 判断该类型的选项是否产生参数值。
func (t Type) HasValue() bool {
	return t != TypeInfo && t != TypeDivider
}

// Float 构造一个数值约束指针。
func Float(v float64) *float64 {
	return &v
}

// Outcome 是一次参数协商的结果，只能是下列四种之一。
type Outcome interface {
	outcome()
}

// Accepted 表示参数已通过校验。
type Accepted struct {
	Parameters map[string]any
}

// NeedsMoreInput 表示输入并不错误但尚不完整，需要用户填写新的表单后重新提交。
type NeedsMoreInput struct {
	Message string
	Schema  Schema
}

// NeedsConfirmation 表示校验可以通过，但需要用户显式确认提示信息。
type NeedsConfirmation struct {
	Message string
}

// Rejected 表示参数有误，调用方必须重新输入。
type Rejected struct {
	Reason string
}

func (Accepted) outcome()          {}
func (NeedsMoreInput) outcome()    {}
func (NeedsConfirmation) outcome() {}
func (Rejected) outcome()          {}

// Confirmed 判断原始输入中是否携带了确认标记。
func Confirmed(raw map[string]any) bool {
	v, ok := raw[ConfirmKey]
	if !ok {
		return false
	}
	b, err := toBool(v)
	return err == nil && b
}

// Reject 构造参数错误。
func Reject(key, reason string) error {
	opts := []xerrors.Option{}
	if key != "" {
		opts = append(opts, xerrors.WithMetadata("option", key))
	}
	return xerrors.New(CodeParametersInvalid, reason, opts...)
}

// ReasonOf 提取参数错误中面向用户的描述。
func ReasonOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
