package job

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "DatasetFlow/internal/errors"
)

type identity struct {
	jobType  string
	remoteID string
}

// MemoryQueue 在进程内保存任务，主要用于测试和单进程部署。
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[identity]*Job
	now    func() time.Time
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(opts ...QueueOption) *MemoryQueue {
	cfg := buildQueueConfig(opts)
	return &MemoryQueue{jobs: make(map[identity]*Job), now: cfg.now}
}

// Enqueue 实现 Queue 接口。
func (q *MemoryQueue) Enqueue(_ context.Context, jobType, remoteID string, opts ...EnqueueOption) (*Job, bool, error) {
	if err := validateIdentity(jobType, remoteID); err != nil {
		return nil, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false, xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	id := identity{jobType, remoteID}
	if existing, ok := q.jobs[id]; ok {
		return existing.Clone(), false, nil
	}
	j := newJob(jobType, remoteID, buildEnqueueOptions(opts), q.now())
	q.jobs[id] = j
	return j.Clone(), true, nil
}

// Claim 实现 Queue 接口。
func (q *MemoryQueue) Claim(_ context.Context, owner, partition string, types ...string) (*Job, error) {
	if owner == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "认领者不能为空")
	}
	wanted := make(map[string]struct{}, len(types))
	for _, t := range types {
		wanted[t] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().Unix()
	var candidate *Job
	for _, j := range q.jobs {
		if _, ok := wanted[j.Type]; !ok || j.Partition != partition || j.Claimed() || j.NextEligibleAt > now {
			continue
		}
		if candidate == nil || earlier(j, candidate) {
			candidate = j
		}
	}
	if candidate == nil {
		return nil, nil
	}
	candidate.ClaimedBy = owner
	candidate.ClaimedAt = now
	candidate.HeartbeatAt = now
	candidate.Attempts++
	return candidate.Clone(), nil
}

func earlier(a, b *Job) bool {
	if a.NextEligibleAt != b.NextEligibleAt {
		return a.NextEligibleAt < b.NextEligibleAt
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.RemoteID < b.RemoteID
}

func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool { return earlier(jobs[i], jobs[j]) })
}

// Release 实现 Queue 接口。
func (q *MemoryQueue) Release(_ context.Context, job *Job, outcome Outcome) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id := identity{job.Type, job.RemoteID}
	stored, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !stored.Claimed() || stored.ClaimedBy != job.ClaimedBy {
		return ErrNotClaimed
	}
	now := q.now().Unix()
	stored.ClaimedBy = ""
	stored.ClaimedAt = 0
	stored.HeartbeatAt = 0
	if outcome.Success {
		if !stored.Recurring() {
			delete(q.jobs, id)
			return nil
		}
		stored.Runs++
		stored.Attempts = 0
		stored.NextEligibleAt = now + stored.Interval
		return nil
	}
	stored.NextEligibleAt = now + retryDelaySeconds(outcome.RetryAfter)
	return nil
}

// Touch 实现 Queue 接口。
func (q *MemoryQueue) Touch(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored, ok := q.jobs[identity{job.Type, job.RemoteID}]
	if !ok {
		return ErrNotFound
	}
	if !stored.Claimed() || stored.ClaimedBy != job.ClaimedBy {
		return ErrNotClaimed
	}
	stored.HeartbeatAt = q.now().Unix()
	return nil
}

// ReclaimOrphans 实现 Queue 接口。
func (q *MemoryQueue) ReclaimOrphans(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().Unix()
	count := 0
	for _, j := range q.jobs {
		if j.Claimed() && j.HeartbeatAt < cutoff.Unix() {
			j.ClaimedBy = ""
			j.ClaimedAt = 0
			j.HeartbeatAt = 0
			j.NextEligibleAt = now
			count++
		}
	}
	return count, nil
}

// Get 实现 Queue 接口。
func (q *MemoryQueue) Get(_ context.Context, jobType, remoteID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[identity{jobType, remoteID}]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// Delete 实现 Queue 接口。
func (q *MemoryQueue) Delete(_ context.Context, jobType, remoteID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := identity{jobType, remoteID}
	if _, ok := q.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(q.jobs, id)
	return nil
}

// List 实现 Queue 接口，jobType 为空时返回全部任务。
func (q *MemoryQueue) List(_ context.Context, jobType string) ([]*Job, error) {
	q.mu.Lock()
	out := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if jobType == "" || j.Type == jobType {
			out = append(out, j.Clone())
		}
	}
	q.mu.Unlock()
	sortJobs(out)
	return out, nil
}

// Close 实现 Queue 接口。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
