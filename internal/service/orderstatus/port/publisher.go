package port

import "context"

// EventPublisher 是消息发布的出站端口。
// 发布是同步的，但实现必须有发送超时，不能无限阻塞。
type EventPublisher interface {
	Publish(ctx context.Context, topic, routingKey string, payload any) error
}
