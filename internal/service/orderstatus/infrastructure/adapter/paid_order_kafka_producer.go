package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"orderproduction/internal/pkg/logger"
	"orderproduction/internal/pkg/mq"
	"orderproduction/internal/service/orderstatus/domain"
)

// PaidOrderKafkaProducer 向 "已支付订单" 主题投递测试订单。
// 正常情况下这些消息来自支付系统，这里只用于联调和演示。
type PaidOrderKafkaProducer struct {
	writer mq.MessageWriter
	topic  string
}

func NewPaidOrderKafkaProducer(writer mq.MessageWriter, topic string) *PaidOrderKafkaProducer {
	return &PaidOrderKafkaProducer{writer: writer, topic: topic}
}

func (p *PaidOrderKafkaProducer) Produce(ctx context.Context, event *domain.PaidOrderEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal paid order event: %w", err)
	}

	if err := mq.ProduceToTopic(ctx, p.writer, p.topic, []byte(event.OrderIdentifier()), eventBytes); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("topic", p.topic).Msg("Failed to produce paid order event")
		return err
	}
	return nil
}
