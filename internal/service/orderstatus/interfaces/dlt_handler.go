// internal/service/orderstatus/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"orderproduction/internal/pkg/logger"
	"orderproduction/internal/pkg/mq"
)

// DltConsumerAdapter 监听死信队列并记录日志
type DltConsumerAdapter struct {
	reader MessageReader
	topic  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDltConsumerAdapter(reader MessageReader, topic string) *DltConsumerAdapter {
	return &DltConsumerAdapter{
		reader: reader,
		topic:  topic,
	}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter started.")
		for {
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Str("topic", a.topic).Msg("Could not fetch dead letter message")
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
				continue
			}

			// 记录死信消息详情
			logDeadLetter(ctx, msg)

			// DLT中的消息总是直接提交，因为它们已经被"处理"了（即记录日志）
			if err := a.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Failed to commit dead letter message")
			}
		}
	}()
	return nil
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	_ = a.reader.Close()
	logger.Ctx(ctx).Info().Str("topic", a.topic).Msg("✅ DLT Consumer Adapter stopped.")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	// 使用结构化日志记录，便于后续分析
	logger.Ctx(mq.ExtractTraceContext(ctx, msg.Headers)).Error().
		Str("reason", "dead_letter_message_received").
		Str("original_topic", headers[mq.HeaderOriginalTopic]).
		Str("original_partition", headers[mq.HeaderOriginalPartition]).
		Str("original_offset", headers[mq.HeaderOriginalOffset]).
		Str("exception_fqcn", headers[mq.HeaderExceptionFqcn]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("key", string(msg.Key)).
		Str("value", string(msg.Value)).
		Msg("🚨 CRITICAL: Dead letter paid order received")
}
