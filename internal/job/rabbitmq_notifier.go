package job

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "DatasetFlow/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 通知交换机的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQNotifier 通过 fanout 交换机广播入队通知，每个订阅者使用独占的临时队列。
type RabbitMQNotifier struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQNotifier 创建 RabbitMQ 通知器。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "datasetflow.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 交换机失败")
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

// Notify 实现 Notifier 接口。
func (n *RabbitMQNotifier) Notify(ctx context.Context, jobType string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 通知器未初始化")
	}
	err := n.ch.PublishWithContext(ctx, n.exchange, "", false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(jobType),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布通知失败")
	}
	return nil
}

// Subscribe 实现 Notifier 接口。
func (n *RabbitMQNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	ch, err := n.conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	if err := ch.QueueBind(queue.Name, "", n.exchange, false, nil); err != nil {
		ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "绑定 RabbitMQ 队列失败")
	}
	msgs, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- string(msg.Body):
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close 关闭 RabbitMQ 连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		_ = n.ch.Close()
		n.ch = nil
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
