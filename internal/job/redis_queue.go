package job

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "DatasetFlow/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisQueue 使用 Redis 保存任务，所有状态迁移通过 Lua 脚本原子执行。
//
// 键布局：
//
//	<prefix>:job:<type>\x00<remote>   任务 hash
//	<prefix>:due:<type>:<partition>   未认领任务，score 为可执行时间
//	<prefix>:claimed                  已认领任务，score 为最近心跳
//	<prefix>:index                    全部任务标识
//
// 脚本会访问未在 KEYS 中声明的键，因此只支持单实例 Redis。
type RedisQueue struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

const memberSep = "\x00"

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'type', ARGV[1], 'remote_id', ARGV[2], 'partition', ARGV[3], 'details', ARGV[4],
  'interval', ARGV[5], 'claimed_by', '', 'claimed_at', 0, 'heartbeat_at', 0, 'next', ARGV[6],
  'attempts', 0, 'runs', 0, 'created_at', ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[8])
return 1
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local remote = ids[1]
local hkey = ARGV[3] .. remote
redis.call('ZREM', KEYS[1], remote)
redis.call('HSET', hkey, 'claimed_by', ARGV[2], 'claimed_at', ARGV[1], 'heartbeat_at', ARGV[1])
redis.call('HINCRBY', hkey, 'attempts', 1)
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[4] .. remote)
return remote
`)

var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'claimed_by')
if not owner then return -2 end
if ARGV[1] == '' or owner ~= ARGV[1] then return -1 end
redis.call('ZREM', KEYS[3], ARGV[2])
local interval = tonumber(redis.call('HGET', KEYS[1], 'interval'))
local remote = redis.call('HGET', KEYS[1], 'remote_id')
if ARGV[3] == '1' then
  if interval <= 0 then
    redis.call('DEL', KEYS[1])
    redis.call('SREM', KEYS[4], ARGV[2])
    return 0
  end
  local nxt = tonumber(ARGV[4]) + interval
  redis.call('HSET', KEYS[1], 'claimed_by', '', 'claimed_at', 0, 'heartbeat_at', 0, 'next', nxt, 'attempts', 0)
  redis.call('HINCRBY', KEYS[1], 'runs', 1)
  redis.call('ZADD', KEYS[2], nxt, remote)
  return 1
end
local nxt = tonumber(ARGV[4]) + tonumber(ARGV[5])
redis.call('HSET', KEYS[1], 'claimed_by', '', 'claimed_at', 0, 'heartbeat_at', 0, 'next', nxt)
redis.call('ZADD', KEYS[2], nxt, remote)
return 1
`)

var touchScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'claimed_by')
if not owner then return -2 end
if ARGV[1] == '' or owner ~= ARGV[1] then return -1 end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var reclaimScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local n = 0
for _, m in ipairs(members) do
  local hkey = ARGV[3] .. m
  redis.call('ZREM', KEYS[1], m)
  if redis.call('EXISTS', hkey) == 1 then
    local t = redis.call('HGET', hkey, 'type')
    local p = redis.call('HGET', hkey, 'partition')
    local r = redis.call('HGET', hkey, 'remote_id')
    redis.call('HSET', hkey, 'claimed_by', '', 'claimed_at', 0, 'heartbeat_at', 0, 'next', ARGV[2])
    redis.call('ZADD', ARGV[4] .. t .. ':' .. p, ARGV[2], r)
    n = n + 1
  end
end
return n
`)

var deleteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local t = redis.call('HGET', KEYS[1], 'type')
local p = redis.call('HGET', KEYS[1], 'partition')
local r = redis.call('HGET', KEYS[1], 'remote_id')
redis.call('ZREM', ARGV[2] .. t .. ':' .. p, r)
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig, opts ...QueueOption) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg.Prefix, opts...), nil
}

// NewRedisQueueWithClient 复用已有的 Redis 客户端。
func NewRedisQueueWithClient(client *redis.Client, prefix string, opts ...QueueOption) *RedisQueue {
	if prefix == "" {
		prefix = "datasetflow"
	}
	cfg := buildQueueConfig(opts)
	return &RedisQueue{client: client, prefix: prefix, now: cfg.now}
}

func (q *RedisQueue) member(jobType, remoteID string) string {
	return jobType + memberSep + remoteID
}

func (q *RedisQueue) jobKey(jobType, remoteID string) string {
	return q.prefix + ":job:" + q.member(jobType, remoteID)
}

func (q *RedisQueue) dueKey(jobType, partition string) string {
	return q.prefix + ":due:" + jobType + ":" + partition
}

func (q *RedisQueue) claimedKey() string {
	return q.prefix + ":claimed"
}

func (q *RedisQueue) indexKey() string {
	return q.prefix + ":index"
}

// Enqueue 实现 Queue 接口。
func (q *RedisQueue) Enqueue(ctx context.Context, jobType, remoteID string, opts ...EnqueueOption) (*Job, bool, error) {
	if err := validateIdentity(jobType, remoteID); err != nil {
		return nil, false, err
	}
	j := newJob(jobType, remoteID, buildEnqueueOptions(opts), q.now())
	details, err := marshalDetails(j.Details)
	if err != nil {
		return nil, false, err
	}
	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(jobType, remoteID), q.dueKey(jobType, j.Partition), q.indexKey()},
		jobType, remoteID, j.Partition, details, j.Interval, j.NextEligibleAt, j.CreatedAt, q.member(jobType, remoteID),
	).Int()
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 写入任务失败")
	}
	stored, err := q.Get(ctx, jobType, remoteID)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

// Claim 实现 Queue 接口。按类型顺序依次尝试各自的 due 集合。
func (q *RedisQueue) Claim(ctx context.Context, owner, partition string, types ...string) (*Job, error) {
	if owner == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "认领者不能为空")
	}
	now := q.now().Unix()
	for _, jobType := range types {
		remote, err := claimScript.Run(ctx, q.client,
			[]string{q.dueKey(jobType, partition), q.claimedKey()},
			now, owner, q.prefix+":job:"+jobType+memberSep, jobType+memberSep,
		).Text()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				continue
			}
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 认领任务失败")
		}
		return q.Get(ctx, jobType, remote)
	}
	return nil, nil
}

// Release 实现 Queue 接口。
func (q *RedisQueue) Release(ctx context.Context, job *Job, outcome Outcome) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	success := "0"
	if outcome.Success {
		success = "1"
	}
	res, err := releaseScript.Run(ctx, q.client,
		[]string{q.jobKey(job.Type, job.RemoteID), q.dueKey(job.Type, job.Partition), q.claimedKey(), q.indexKey()},
		job.ClaimedBy, q.member(job.Type, job.RemoteID), success, q.now().Unix(), retryDelaySeconds(outcome.RetryAfter),
	).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 释放任务失败")
	}
	return scriptResult(res)
}

// Touch 实现 Queue 接口。
func (q *RedisQueue) Touch(ctx context.Context, job *Job) error {
	res, err := touchScript.Run(ctx, q.client,
		[]string{q.jobKey(job.Type, job.RemoteID), q.claimedKey()},
		job.ClaimedBy, q.now().Unix(), q.member(job.Type, job.RemoteID),
	).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 刷新心跳失败")
	}
	return scriptResult(res)
}

func scriptResult(res int) error {
	switch res {
	case -2:
		return ErrNotFound
	case -1:
		return ErrNotClaimed
	default:
		return nil
	}
}

// ReclaimOrphans 实现 Queue 接口。
func (q *RedisQueue) ReclaimOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.claimedKey()},
		cutoff.Unix(), q.now().Unix(), q.prefix+":job:", q.prefix+":due:",
	).Int()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 回收孤儿任务失败")
	}
	return n, nil
}

// Get 实现 Queue 接口。
func (q *RedisQueue) Get(ctx context.Context, jobType, remoteID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobType, remoteID)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 查询任务失败")
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseJobHash(fields)
}

// Delete 实现 Queue 接口。
func (q *RedisQueue) Delete(ctx context.Context, jobType, remoteID string) error {
	member := q.member(jobType, remoteID)
	n, err := deleteScript.Run(ctx, q.client,
		[]string{q.jobKey(jobType, remoteID), q.claimedKey(), q.indexKey()},
		member, q.prefix+":due:",
	).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 删除任务失败")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List 实现 Queue 接口。
func (q *RedisQueue) List(ctx context.Context, jobType string) ([]*Job, error) {
	members, err := q.client.SMembers(ctx, q.indexKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 查询任务索引失败")
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	for _, m := range members {
		if jobType != "" && !strings.HasPrefix(m, jobType+memberSep) {
			continue
		}
		cmds = append(cmds, pipe.HGetAll(ctx, q.prefix+":job:"+m))
	}
	if len(cmds) == 0 {
		return []*Job{}, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 批量读取任务失败")
	}
	out := make([]*Job, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		j, err := parseJobHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

func parseJobHash(fields map[string]string) (*Job, error) {
	j := &Job{
		Type:      fields["type"],
		RemoteID:  fields["remote_id"],
		Partition: fields["partition"],
		ClaimedBy: fields["claimed_by"],
	}
	ints := map[string]*int64{
		"interval":     &j.Interval,
		"claimed_at":   &j.ClaimedAt,
		"heartbeat_at": &j.HeartbeatAt,
		"next":         &j.NextEligibleAt,
		"created_at":   &j.CreatedAt,
	}
	for name, dst := range ints {
		if raw := fields[name]; raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析任务字段 "+name+" 失败")
			}
			*dst = v
		}
	}
	j.Attempts, _ = strconv.Atoi(fields["attempts"])
	j.Runs, _ = strconv.Atoi(fields["runs"])
	if raw := fields["details"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Details); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析任务细节失败")
		}
	}
	return j, nil
}
