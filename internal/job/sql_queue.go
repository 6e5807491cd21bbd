package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/storage/sqldb"
)

// SQLQueue 使用 jobs 表实现持久化队列，认领通过条件更新保证原子性。
type SQLQueue struct {
	db  *sqldb.DB
	now func() time.Time
}

var _ Queue = (*SQLQueue)(nil)

// claimBatch 是每次认领尝试读取的候选数量，用于在竞争时跳过已被抢走的任务。
const claimBatch = 8

// NewSQLQueue 基于已迁移的连接池创建 SQLQueue。
func NewSQLQueue(db *sqldb.DB, opts ...QueueOption) (*SQLQueue, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	cfg := buildQueueConfig(opts)
	return &SQLQueue{db: db, now: cfg.now}, nil
}

const jobColumns = `job_type, remote_id, queue_partition, details, interval_seconds, claimed_by, claimed_at,
        heartbeat_at, next_eligible_at, attempts, runs, created_at`

// Enqueue 实现 Queue 接口。
func (q *SQLQueue) Enqueue(ctx context.Context, jobType, remoteID string, opts ...EnqueueOption) (*Job, bool, error) {
	if err := validateIdentity(jobType, remoteID); err != nil {
		return nil, false, err
	}
	j := newJob(jobType, remoteID, buildEnqueueOptions(opts), q.now())
	details, err := marshalDetails(j.Details)
	if err != nil {
		return nil, false, err
	}

	stmt := q.db.InsertIgnore() + ` INTO jobs (job_type, remote_id, queue_partition, details, interval_seconds,
        next_eligible_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := q.db.ExecContext(ctx, stmt, j.Type, j.RemoteID, j.Partition, details, j.Interval, j.NextEligibleAt, j.CreatedAt)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "写入任务失败")
	}
	affected, _ := res.RowsAffected()
	stored, err := q.Get(ctx, jobType, remoteID)
	if err != nil {
		return nil, false, err
	}
	return stored, affected > 0, nil
}

// Claim 实现 Queue 接口。
// 先读出候选，再以 claimed_by = '' 为条件更新；RowsAffected 为 0 说明被其他认领者抢先。
func (q *SQLQueue) Claim(ctx context.Context, owner, partition string, types ...string) (*Job, error) {
	if owner == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "认领者不能为空")
	}
	if len(types) == 0 {
		return nil, nil
	}
	now := q.now().Unix()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	args := make([]any, 0, len(types)+3)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, partition, now, claimBatch)
	rows, err := q.db.QueryContext(ctx, `SELECT job_type, remote_id FROM jobs
        WHERE job_type IN (`+placeholders+`) AND queue_partition = ? AND claimed_by = '' AND next_eligible_at <= ?
        ORDER BY next_eligible_at ASC, created_at ASC LIMIT ?`, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "查询待认领任务失败")
	}
	var candidates []identity
	for rows.Next() {
		var id identity
		if err := rows.Scan(&id.jobType, &id.remoteID); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析待认领任务失败")
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "遍历待认领任务失败")
	}

	for _, id := range candidates {
		res, err := q.db.ExecContext(ctx, `UPDATE jobs SET claimed_by = ?, claimed_at = ?, heartbeat_at = ?, attempts = attempts + 1
            WHERE job_type = ? AND remote_id = ? AND claimed_by = '' AND next_eligible_at <= ?`,
			owner, now, now, id.jobType, id.remoteID, now)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "认领任务失败")
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			return q.Get(ctx, id.jobType, id.remoteID)
		}
	}
	return nil, nil
}

// Release 实现 Queue 接口。
func (q *SQLQueue) Release(ctx context.Context, job *Job, outcome Outcome) error {
	if job == nil || job.ClaimedBy == "" {
		return ErrNotClaimed
	}
	now := q.now().Unix()
	if outcome.Success {
		res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_type = ? AND remote_id = ? AND claimed_by = ? AND interval_seconds = 0`,
			job.Type, job.RemoteID, job.ClaimedBy)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "删除已完成任务失败")
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			return nil
		}
		res, err = q.db.ExecContext(ctx, `UPDATE jobs SET claimed_by = '', claimed_at = 0, heartbeat_at = 0,
            next_eligible_at = ? + interval_seconds, runs = runs + 1, attempts = 0
            WHERE job_type = ? AND remote_id = ? AND claimed_by = ? AND interval_seconds > 0`,
			now, job.Type, job.RemoteID, job.ClaimedBy)
		return q.checkClaimed(ctx, job, res, err)
	}

	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET claimed_by = '', claimed_at = 0, heartbeat_at = 0, next_eligible_at = ?
        WHERE job_type = ? AND remote_id = ? AND claimed_by = ?`,
		now+retryDelaySeconds(outcome.RetryAfter), job.Type, job.RemoteID, job.ClaimedBy)
	return q.checkClaimed(ctx, job, res, err)
}

// Touch 实现 Queue 接口。
func (q *SQLQueue) Touch(ctx context.Context, job *Job) error {
	if job == nil || job.ClaimedBy == "" {
		return ErrNotClaimed
	}
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at = ? WHERE job_type = ? AND remote_id = ? AND claimed_by = ?`,
		q.now().Unix(), job.Type, job.RemoteID, job.ClaimedBy)
	return q.checkClaimed(ctx, job, res, err)
}

// ReclaimOrphans 实现 Queue 接口。
func (q *SQLQueue) ReclaimOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET claimed_by = '', claimed_at = 0, heartbeat_at = 0, next_eligible_at = ?
        WHERE claimed_by <> '' AND heartbeat_at < ?`, q.now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "回收孤儿任务失败")
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// Get 实现 Queue 接口。
func (q *SQLQueue) Get(ctx context.Context, jobType, remoteID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_type = ? AND remote_id = ?`, jobType, remoteID)
	j, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "查询任务失败")
	}
	return j, nil
}

// Delete 实现 Queue 接口。
func (q *SQLQueue) Delete(ctx context.Context, jobType, remoteID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_type = ? AND remote_id = ?`, jobType, remoteID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "删除任务失败")
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List 实现 Queue 接口。
func (q *SQLQueue) List(ctx context.Context, jobType string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if jobType != "" {
		query += ` WHERE job_type = ?`
		args = append(args, jobType)
	}
	query += ` ORDER BY next_eligible_at ASC, created_at ASC, remote_id ASC`
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "查询任务列表失败")
	}
	defer rows.Close()
	out := make([]*Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析任务失败")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "遍历任务失败")
	}
	return out, nil
}

// Close 关闭底层连接池。
func (q *SQLQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *SQLQueue) checkClaimed(ctx context.Context, job *Job, res sql.Result, err error) error {
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "更新任务认领失败")
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	if _, err := q.Get(ctx, job.Type, job.RemoteID); err != nil {
		return err
	}
	return ErrNotClaimed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j       Job
		details sql.NullString
	)
	if err := row.Scan(&j.Type, &j.RemoteID, &j.Partition, &details, &j.Interval, &j.ClaimedBy, &j.ClaimedAt,
		&j.HeartbeatAt, &j.NextEligibleAt, &j.Attempts, &j.Runs, &j.CreatedAt); err != nil {
		return nil, err
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &j.Details); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func marshalDetails(details map[string]any) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务细节失败")
	}
	return string(raw), nil
}
