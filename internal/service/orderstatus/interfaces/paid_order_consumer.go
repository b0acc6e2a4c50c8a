// internal/service/orderstatus/interfaces/paid_order_consumer.go
package interfaces

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"orderproduction/internal/pkg/logger"
	"orderproduction/internal/pkg/metrics"
	"orderproduction/internal/pkg/mq"
	"orderproduction/internal/service/orderstatus/domain"
)

// MessageReader 是 *kafka.Reader 中消费者用到的部分
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderIngester 是消费者驱动的应用服务能力
type OrderIngester interface {
	Ingest(ctx context.Context, order *domain.Order) error
}

const maxDeadLetterBackoff = 30 * time.Second

// ConsumerConfig 控制单条消息的处理方式
type ConsumerConfig struct {
	Topic             string
	MaxAttempts       int           // 瞬时错误的最大尝试次数 (含第一次)
	RetryBackoff      time.Duration // 两次尝试之间的等待
	ProcessingTimeout time.Duration // 单次尝试的超时
}

func (c *ConsumerConfig) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 10 * time.Second
	}
}

// PaidOrderConsumerAdapter 是一个驱动适配器，它监听 "已支付订单" 主题并驱动 Ingest。
// 每个订阅一次只处理一条消息。
type PaidOrderConsumerAdapter struct {
	reader         MessageReader
	ingester       OrderIngester
	failureHandler *mq.FailureHandler
	validate       *validator.Validate
	cfg            ConsumerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPaidOrderConsumerAdapter 创建一个新的Kafka消费者适配器。
func NewPaidOrderConsumerAdapter(reader MessageReader, ingester OrderIngester, failureHandler *mq.FailureHandler, cfg ConsumerConfig) *PaidOrderConsumerAdapter {
	cfg.withDefaults()
	return &PaidOrderConsumerAdapter{
		reader:         reader,
		ingester:       ingester,
		failureHandler: failureHandler,
		validate:       validator.New(),
		cfg:            cfg,
	}
}

// Start 开始监听Kafka主题。消费循环运行在独立的 goroutine 中。
func (a *PaidOrderConsumerAdapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
	return nil
}

// Stop 停止拉取新消息，等待正在处理的消息完成并提交 (还未转入死信的消息保持未提交)，然后关闭 reader。
func (a *PaidOrderConsumerAdapter) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if err := a.reader.Close(); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("topic", a.cfg.Topic).Msg("Failed to close kafka reader")
	}
	logger.Ctx(ctx).Info().Str("topic", a.cfg.Topic).Msg("✅ Paid order consumer stopped.")
}

func (a *PaidOrderConsumerAdapter) run(ctx context.Context) {
	logger.Ctx(ctx).Info().Str("topic", a.cfg.Topic).Msg("✅ Paid order consumer started.")
	for ctx.Err() == nil {
		// 使用 FetchMessage 而不是 ReadMessage，offset 在处理完成后手动提交
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				logger.Ctx(ctx).Info().Str("topic", a.cfg.Topic).Msg("🛑 Paid order consumer shutting down.")
				return
			}
			logger.Ctx(ctx).Error().Err(err).Str("topic", a.cfg.Topic).Msg("Could not fetch message. Retrying...")
			select {
			case <-time.After(time.Second): // 避免快速失败循环
			case <-ctx.Done():
				return
			}
			continue
		}

		a.handleMessage(ctx, msg)
	}
	logger.Ctx(ctx).Info().Str("topic", a.cfg.Topic).Msg("🛑 Paid order consumer shutting down.")
}

// handleMessage 处理一条已经取出的消息。
// 关停信号只会打断重试等待；已开始的处理在脱离取消的 context 上完成并提交。
func (a *PaidOrderConsumerAdapter) handleMessage(ctx context.Context, msg kafka.Message) {
	workCtx := context.WithoutCancel(ctx)
	msgCtx := mq.ExtractTraceContext(workCtx, msg.Headers)
	log := logger.Ctx(msgCtx).With().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	err := a.processWithRetry(ctx, msgCtx, msg)
	switch {
	case err == nil:
		metrics.ConsumerMessages.WithLabelValues(a.cfg.Topic, "ingested").Inc()
	case errors.Is(err, context.Canceled):
		// 关停时瞬时错误仍未恢复：不提交，重启后重新投递
		log.Warn().Err(err).Msg("Shutdown interrupted retries, message left uncommitted")
		return
	default:
		outcome := "dead_lettered"
		if errors.Is(err, domain.ErrMalformedEvent) {
			outcome = "malformed"
			log.Error().Err(err).Bytes("value", msg.Value).Msg("Rejecting malformed paid order event")
		}
		if !a.deadLetter(ctx, msgCtx, msg, err) {
			log.Warn().Msg("Shutdown before message was dead-lettered, message left uncommitted")
			return
		}
		metrics.ConsumerMessages.WithLabelValues(a.cfg.Topic, outcome).Inc()
	}

	commitCtx, cancel := context.WithTimeout(workCtx, 5*time.Second)
	defer cancel()
	if err := a.reader.CommitMessages(commitCtx, msg); err != nil {
		log.Error().Err(err).Msg("Failed to commit message")
	}
}

// deadLetter 把消息转交死信主题，失败时退避重试直到成功或开始关停。
// 在此期间分区停在这条消息上：后续消息的提交会越过它，所以不能先处理后面的消息。
func (a *PaidOrderConsumerAdapter) deadLetter(shutdownCtx, msgCtx context.Context, msg kafka.Message, cause error) bool {
	backoff := a.cfg.RetryBackoff
	for {
		err := a.failureHandler.Handle(msgCtx, msg, cause)
		if err == nil {
			return true
		}
		metrics.ConsumerMessages.WithLabelValues(a.cfg.Topic, "dlt_retried").Inc()
		logger.Ctx(msgCtx).Error().Err(err).Dur("backoff", backoff).Msg("Dead-lettering failed, retrying")
		select {
		case <-time.After(backoff):
		case <-shutdownCtx.Done():
			return false
		}
		backoff = min(backoff*2, maxDeadLetterBackoff)
	}
}

func (a *PaidOrderConsumerAdapter) processWithRetry(shutdownCtx, msgCtx context.Context, msg kafka.Message) error {
	var err error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		err = a.processMessage(msgCtx, msg)
		if err == nil || errors.Is(err, domain.ErrMalformedEvent) || attempt == a.cfg.MaxAttempts {
			return err
		}

		metrics.ConsumerMessages.WithLabelValues(a.cfg.Topic, "retried").Inc()
		logger.Ctx(msgCtx).Warn().Err(err).Int("attempt", attempt).Msg("Transient failure ingesting order, retrying")
		select {
		case <-time.After(a.cfg.RetryBackoff * time.Duration(attempt)):
		case <-shutdownCtx.Done():
			return errors.Wrap(context.Canceled, err.Error())
		}
	}
	return err
}

// processMessage 反序列化、校验消息并调用应用服务。
func (a *PaidOrderConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var event domain.PaidOrderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return errors.Wrapf(domain.ErrMalformedEvent, "decode message: %v", err)
	}
	if err := a.validate.Struct(&event); err != nil {
		return errors.Wrapf(domain.ErrMalformedEvent, "validate message: %v", err)
	}

	order, err := event.ToOrder()
	if err != nil {
		return errors.Wrapf(domain.ErrMalformedEvent, "map message: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProcessingTimeout)
	defer cancel()
	return a.ingester.Ingest(ctx, order)
}
