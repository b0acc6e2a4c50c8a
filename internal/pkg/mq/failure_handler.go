// internal/pkg/mq/failure_handler.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"orderproduction/internal/pkg/logger"
)

// 死信消息携带的诊断头
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

// FailureHandler 负责把处理失败的消息转移到死信主题 (DLT)。
type FailureHandler struct {
	writer   MessageWriter
	dltTopic string
}

// NewFailureHandler 创建一个 FailureHandler。writer 不应绑定 topic。
func NewFailureHandler(writer MessageWriter, dltTopic string) *FailureHandler {
	return &FailureHandler{writer: writer, dltTopic: dltTopic}
}

// DLTTopic 返回死信主题名称。
func (h *FailureHandler) DLTTopic() string {
	return h.dltTopic
}

// Handle 将原始消息连同失败原因一起投递到死信主题。
// 投递本身失败时只记录日志，由调用方决定是否提交 offset。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, cause error) error {
	headers := []kafka.Header{
		{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", cause))},
		{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
	}

	if err := ProduceToTopic(ctx, h.writer, h.dltTopic, msg.Key, msg.Value, headers...); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("dlt_topic", h.dltTopic).
			Str("original_topic", msg.Topic).
			Int64("original_offset", msg.Offset).
			Msg("Failed to forward message to dead letter topic")
		return err
	}

	logger.Ctx(ctx).Warn().
		Err(cause).
		Str("dlt_topic", h.dltTopic).
		Str("original_topic", msg.Topic).
		Int("original_partition", msg.Partition).
		Int64("original_offset", msg.Offset).
		Msg("Message forwarded to dead letter topic")
	return nil
}
