package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	xerrors "DatasetFlow/internal/errors"
)

// State 表示数据集在生命周期中的状态。
type State string

const (
	StateQueued        State = "queued"
	StateRunning       State = "running"
	StateFinished      State = "finished"
	StateFinishedEmpty State = "finished_empty"
	StateFailed        State = "failed"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFinishedEmpty || s == StateFailed
}

// IsValidState 检查状态是否为支持的枚举值。
func IsValidState(s State) bool {
	switch s {
	case StateQueued, StateRunning, StateFinished, StateFinishedEmpty, StateFailed:
		return true
	default:
		return false
	}
}

// LogEntry 是数据集日志中的一行，只追加不修改。
type LogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Dataset 是一次插件运行持久化后的结果记录。
// ParentKey/TopParentKey 只保存键而非指针，创建后不可修改。
type Dataset struct {
	Key                string         `json:"key"`
	Type               string         `json:"type"`
	Category           string         `json:"category,omitempty"`
	Extension          string         `json:"extension"`
	ParentKey          string         `json:"parent_key,omitempty"`
	TopParentKey       string         `json:"top_parent_key,omitempty"`
	Owner              string         `json:"owner,omitempty"`
	Parameters         map[string]any `json:"parameters"`
	Status             string         `json:"status"`
	StatusFinal        bool           `json:"status_final"`
	State              State          `json:"state"`
	Progress           float64        `json:"progress"`
	RowCount           int64          `json:"row_count"`
	IsFinished         bool           `json:"is_finished"`
	IsFailed           bool           `json:"is_failed"`
	Cancelled          bool           `json:"cancelled"`
	InterruptRequested bool           `json:"interrupt_requested"`
	Standalone         bool           `json:"standalone"`
	ResultPath         string         `json:"result_path,omitempty"`
	CreatedAt          int64          `json:"created_at"`
	UpdatedAt          int64          `json:"updated_at"`
	FinishedAt         int64          `json:"finished_at,omitempty"`
}

const (
	CodeDatasetNotFound xerrors.Code = "DATASET_NOT_FOUND"
	CodeDatasetConflict xerrors.Code = "DATASET_CONFLICT"
)

var (
	// ErrNotFound 表示指定的数据集不存在。
	ErrNotFound = xerrors.New(CodeDatasetNotFound, "dataset not found")
	// ErrConflict 表示数据集在当前状态下无法执行所请求的操作。
	ErrConflict = xerrors.New(CodeDatasetConflict, "dataset conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeDatasetNotFound, xerrors.Attributes{
		Message:  "dataset not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDatasetConflict, xerrors.Attributes{
		Message:  "dataset conflict",
		Severity: xerrors.SeverityWarning,
	})
}

// DeriveKey 由插件类型、规范化参数、父数据集键与可选盐值计算数据集键。
// 相同请求得到相同的键，从而可以识别重复提交。
func DeriveKey(pluginType string, params map[string]any, parentKey, salt string) (string, error) {
	// encoding/json 对 map 键排序，输出即规范形式。
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "参数无法序列化")
	}
	h := sha256.New()
	h.Write([]byte(pluginType))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(parentKey))
	if salt != "" {
		h.Write([]byte{0})
		h.Write([]byte(salt))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// TopParentOf 返回以 parent 为父节点的数据集应当记录的根键。
func TopParentOf(parent *Dataset) string {
	if parent == nil {
		return ""
	}
	if parent.TopParentKey != "" {
		return parent.TopParentKey
	}
	return parent.Key
}

// IsTopLevel 判断数据集是否以顶层身份呈现。
func (d *Dataset) IsTopLevel() bool {
	return d.ParentKey == "" || d.Standalone
}

// ResultValid 只有在成功结束时结果文件才可被读取。
func (d *Dataset) ResultValid() bool {
	return d.IsFinished && !d.IsFailed && d.ResultPath != ""
}

// Clone 返回深拷贝。
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Parameters = cloneParameters(d.Parameters)
	return &clone
}

func cloneParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	// 参数来自 JSON 形式的校验结果，往返编码即可得到独立副本。
	raw, err := json.Marshal(params)
	if err != nil {
		out := make(map[string]any, len(params))
		for k, v := range params {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(params))
	if err := json.Unmarshal(raw, &out); err != nil {
		for k, v := range params {
			out[k] = v
		}
	}
	return out
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
