package task

import (
	"context"
)

// Handler 处理来自消息队列的证明任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// DepthReporter 由能够统计待消费任务数量的队列实现。
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

// Queue 同时具备生产者与消费者能力，memory、redis 与 rabbitmq 三种实现由配置选择。
type Queue interface {
	Producer
	Consumer
}
