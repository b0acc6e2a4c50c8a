package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orderproduction/internal/pkg/mq"
	"orderproduction/internal/service/orderstatus/domain"
	"orderproduction/internal/service/orderstatus/port"
)

const defaultPublishTimeout = 3 * time.Second

// KafkaEventPublisher 实现了 port.EventPublisher。
// topic 对应 Kafka 主题，routingKey 作为消息 key (决定分区)。
type KafkaEventPublisher struct {
	writer  mq.MessageWriter
	tracer  trace.Tracer
	timeout time.Duration
}

var _ port.EventPublisher = (*KafkaEventPublisher)(nil)

// NewKafkaEventPublisher 创建一个发布适配器。writer 不能绑定固定 topic。
func NewKafkaEventPublisher(writer mq.MessageWriter, tracer trace.Tracer, timeout time.Duration) *KafkaEventPublisher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &KafkaEventPublisher{writer: writer, tracer: tracer, timeout: timeout}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, topic, routingKey string, payload any) error {
	ctx, span := p.tracer.Start(ctx, "kafka.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.kafka.message_key", routingKey),
	)

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to marshal payload")
		return fmt.Errorf("%w: marshal payload: %w", domain.ErrPublishFailed, err)
	}

	// 发送必须有上限，不能因为 broker 不可用而无限阻塞调用方
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := mq.ProduceToTopic(ctx, p.writer, topic, []byte(routingKey), body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to write message")
		return fmt.Errorf("%w: topic %s: %w", domain.ErrPublishFailed, topic, err)
	}
	return nil
}
