package command

import "context"

// Handler 处理一条从队列取出的命令。返回错误表示基础设施故障，
// 队列实现可以据此决定是否重新投递；业务层面的失败由处理器自行落库。
type Handler func(ctx context.Context, commandID string) error

// Producer 将命令 ID 投递到队列。
type Producer interface {
	Publish(ctx context.Context, commandID string) error
	Close() error
}

// Consumer 消费队列中的命令 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产与消费能力。
type Queue interface {
	Producer
	Consumer
}
