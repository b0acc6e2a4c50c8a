// cmd/order-status-service/main.go
package main

import (
	"context"
	"os"

	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"orderproduction/internal/pkg/bootstrap"
	"orderproduction/internal/pkg/logger"
	"orderproduction/internal/pkg/mq"
	"orderproduction/internal/pkg/redis"
	"orderproduction/internal/service/orderstatus/application"
	"orderproduction/internal/service/orderstatus/infrastructure/adapter"
	"orderproduction/internal/service/orderstatus/infrastructure/rule"
	"orderproduction/internal/service/orderstatus/interfaces"
	"orderproduction/internal/tracing"
	"orderproduction/internal/zookeeper"
)

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := bootstrap.LoadConfig(getEnv("CONFIG_FILE", "configs/config.yaml"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	serviceName := cfg.Service.Name
	logger.Init(serviceName, cfg.Service.LogLevel)

	// 1. 初始化核心技术组件
	tp, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	tracer := otel.Tracer(serviceName)

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize redis client")
	}

	kafkaCfg := cfg.Infra.Kafka
	// 这个 writer 不绑定 topic，由每条消息指定 (状态通知、死信、测试订单共用)
	kafkaWriter := mq.NewKafkaWriter(kafkaCfg.Brokers, "")

	// 2. 出站适配器
	store := adapter.NewOrderRedisStore(redisClient, cfg.Infra.Redis.Timeout)
	publisher := adapter.NewKafkaEventPublisher(kafkaWriter, tracer, kafkaCfg.PublishTimeout)

	opts := []application.Option{
		application.WithRecordTTL(cfg.Infra.Redis.RecordTTL),
		application.WithUpdatedTopic(kafkaCfg.UpdatedOrderTopic),
		application.WithFetchConcurrency(cfg.App.FetchConcurrency),
	}
	if cfg.App.TransitionRule != "" {
		policy, err := rule.NewCELTransitionPolicy(cfg.App.TransitionRule)
		if err != nil {
			zlog.Fatal().Err(err).Msg("invalid transition rule")
		}
		opts = append(opts, application.WithTransitionPolicy(policy))
		zlog.Info().Str("rule", cfg.App.TransitionRule).Msg("Status transition policy enabled.")
	}

	closers := []func(ctx context.Context) error{
		tp.Shutdown,
		func(context.Context) error { return redisClient.Close() },
		func(context.Context) error { return kafkaWriter.Close() },
	}

	if len(cfg.Infra.Zookeeper.Servers) > 0 {
		zkConn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		opts = append(opts, application.WithLocker(zookeeper.NewOrderLocker(zkConn, cfg.Infra.Zookeeper.LockWait)))
		closers = append(closers, func(context.Context) error { zkConn.Close(); return nil })
		zlog.Info().Strs("servers", cfg.Infra.Zookeeper.Servers).Msg("Per-order locking enabled.")
	}

	// 3. 核心业务服务
	statusService := application.NewOrderStatusService(store, publisher, tracer, opts...)

	// 4. 驱动适配器
	paidOrderConsumer := interfaces.NewPaidOrderConsumerAdapter(
		mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.PaidOrderTopic, kafkaCfg.ConsumerGroup),
		statusService,
		mq.NewFailureHandler(kafkaWriter, kafkaCfg.DeadLetterTopic),
		interfaces.ConsumerConfig{
			Topic:             kafkaCfg.PaidOrderTopic,
			MaxAttempts:       cfg.App.MaxAttempts,
			RetryBackoff:      cfg.App.RetryBackoff,
			ProcessingTimeout: cfg.App.ProcessingTimeout,
		},
	)
	dltConsumer := interfaces.NewDltConsumerAdapter(
		mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.DeadLetterTopic, kafkaCfg.ConsumerGroup+"-dlt"),
		kafkaCfg.DeadLetterTopic,
	)

	var producer interfaces.PaidOrderProducer
	if cfg.App.EnableProducerAPI {
		producer = adapter.NewPaidOrderKafkaProducer(kafkaWriter, kafkaCfg.PaidOrderTopic)
	}
	orderHandler := interfaces.NewOrderHandler(statusService, producer)

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.Service.HTTPPort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			orderHandler.RegisterRoutes(appCtx.Mux)
		},
		Components: []bootstrap.Component{paidOrderConsumer, dltConsumer},
		Nacos:      cfg.Infra.Nacos,
		Metadata: map[string]string{
			"consumes": kafkaCfg.PaidOrderTopic,
			"produces": kafkaCfg.UpdatedOrderTopic,
			"dlt":      kafkaCfg.DeadLetterTopic,
		},
		Closers: closers,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("service exited with error")
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
