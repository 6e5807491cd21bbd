package job

import (
	"context"

	"github.com/redis/go-redis/v9"

	xerrors "DatasetFlow/internal/errors"
)

// RedisNotifier 通过 Redis pub/sub 广播入队通知。
type RedisNotifier struct {
	client  *redis.Client
	channel string
	owned   bool
}

// NewRedisNotifier 创建通知器；client 为 nil 时按配置新建连接。
func NewRedisNotifier(client *redis.Client, cfg RedisQueueConfig) (*RedisNotifier, error) {
	owned := false
	if client == nil {
		if cfg.Address == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
		}
		client = redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
		}
		owned = true
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "datasetflow"
	}
	return &RedisNotifier{client: client, channel: prefix + ":notify", owned: owned}, nil
}

// Notify 实现 Notifier 接口。
func (n *RedisNotifier) Notify(ctx context.Context, jobType string) error {
	if err := n.client.Publish(ctx, n.channel, jobType).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布通知失败")
	}
	return nil
}

// Subscribe 实现 Notifier 接口。
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := n.client.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 订阅通知失败")
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close 关闭自行创建的连接。
func (n *RedisNotifier) Close() error {
	if n == nil || !n.owned || n.client == nil {
		return nil
	}
	return n.client.Close()
}
