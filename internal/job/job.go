package job

import (
	"context"
	"time"

	xerrors "DatasetFlow/internal/errors"
)

// Job 是以 (类型, 远端标识) 为身份的一项待执行工作。
// 同一身份任意时刻至多存在一个有效的认领。
type Job struct {
	Type           string         `json:"type"`
	RemoteID       string         `json:"remote_id"`
	Partition      string         `json:"partition,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Interval       int64          `json:"interval_seconds"`
	ClaimedBy      string         `json:"claimed_by,omitempty"`
	ClaimedAt      int64          `json:"claimed_at,omitempty"`
	HeartbeatAt    int64          `json:"heartbeat_at,omitempty"`
	NextEligibleAt int64          `json:"next_eligible_at"`
	Attempts       int            `json:"attempts"`
	Runs           int            `json:"runs"`
	CreatedAt      int64          `json:"created_at"`
}

// Recurring 判断任务是否为周期任务。
func (j *Job) Recurring() bool {
	return j.Interval > 0
}

// Claimed 判断任务当前是否被认领。
func (j *Job) Claimed() bool {
	return j.ClaimedBy != ""
}

// ID 返回便于日志输出的任务标识。
func (j *Job) ID() string {
	return j.Type + "/" + j.RemoteID
}

// Clone 返回副本。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Details != nil {
		clone.Details = make(map[string]any, len(j.Details))
		for k, v := range j.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

// Outcome 描述一次执行的结果，用于 Release。
type Outcome struct {
	Success bool
	// RetryAfter 仅在失败时生效，任务在该时长之后重新可被认领。
	RetryAfter time.Duration
}

// Queue 是持久化的工作队列。
type Queue interface {
	// Enqueue 幂等地加入任务；同一身份已存在时返回已有任务且 created 为 false。
	Enqueue(ctx context.Context, jobType, remoteID string, opts ...EnqueueOption) (job *Job, created bool, err error)
	// Claim 原子地认领一个到期且未被认领的任务；没有可用任务时返回 nil, nil。
	Claim(ctx context.Context, owner, partition string, types ...string) (*Job, error)
	// Release 释放认领：成功的一次性任务被删除，周期任务重新排期；失败的任务在 RetryAfter 后再次可用。
	Release(ctx context.Context, job *Job, outcome Outcome) error
	// Touch 刷新认领心跳。
	Touch(ctx context.Context, job *Job) error
	// ReclaimOrphans 释放心跳早于 cutoff 的认领，返回释放的数量。
	ReclaimOrphans(ctx context.Context, cutoff time.Time) (int, error)
	Get(ctx context.Context, jobType, remoteID string) (*Job, error)
	Delete(ctx context.Context, jobType, remoteID string) error
	List(ctx context.Context, jobType string) ([]*Job, error)
	Close() error
}

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobNotClaimed xerrors.Code = "JOB_NOT_CLAIMED"
)

var (
	// ErrNotFound 表示任务不存在。
	ErrNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrNotClaimed 表示调用方并不持有该任务的认领。
	ErrNotClaimed = xerrors.New(CodeJobNotClaimed, "job not claimed by caller", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobNotClaimed, xerrors.Attributes{
		Message:  "job not claimed by caller",
		Severity: xerrors.SeverityWarning,
	})
}

// EnqueueOptions 控制新任务的属性。
type EnqueueOptions struct {
	Interval  time.Duration
	Partition string
	Details   map[string]any
	NotBefore time.Time
}

// EnqueueOption 修改 EnqueueOptions。
type EnqueueOption func(*EnqueueOptions)

// WithInterval 将任务设为周期任务。
func WithInterval(interval time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Interval = interval
	}
}

// WithPartition 指定任务所属的子队列。
func WithPartition(partition string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Partition = partition
	}
}

// WithDetails 附加任务细节。
func WithDetails(details map[string]any) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Details = details
	}
}

// WithNotBefore 推迟任务的首次可执行时间。
func WithNotBefore(ts time.Time) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.NotBefore = ts
	}
}

func buildEnqueueOptions(opts []EnqueueOption) EnqueueOptions {
	options := EnqueueOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.Interval < 0 {
		options.Interval = 0
	}
	return options
}

// newJob 根据入队参数构造任务记录。
func newJob(jobType, remoteID string, options EnqueueOptions, now time.Time) *Job {
	next := now.Unix()
	if !options.NotBefore.IsZero() && options.NotBefore.Unix() > next {
		next = options.NotBefore.Unix()
	}
	return &Job{
		Type:           jobType,
		RemoteID:       remoteID,
		Partition:      options.Partition,
		Details:        options.Details,
		Interval:       int64(options.Interval / time.Second),
		NextEligibleAt: next,
		CreatedAt:      now.Unix(),
	}
}

func validateIdentity(jobType, remoteID string) error {
	if jobType == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务类型不能为空")
	}
	if remoteID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务远端标识不能为空")
	}
	return nil
}

// QueueOption 配置队列实现的公共参数。
type QueueOption func(*queueConfig)

type queueConfig struct {
	now func() time.Time
}

// WithClock 替换队列使用的时钟，便于测试周期任务。
func WithClock(now func() time.Time) QueueOption {
	return func(c *queueConfig) {
		if now != nil {
			c.now = now
		}
	}
}

func buildQueueConfig(opts []QueueOption) queueConfig {
	cfg := queueConfig{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

func retryDelaySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
