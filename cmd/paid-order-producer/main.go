// cmd/paid-order-producer/main.go
// 向 "已支付订单" 主题持续投递随机订单，用于本地联调。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	zlog "github.com/rs/zerolog/log"

	"orderproduction/internal/pkg/logger"
	"orderproduction/internal/pkg/mq"
	"orderproduction/internal/service/orderstatus/domain"
	"orderproduction/internal/service/orderstatus/infrastructure/adapter"
)

type orderDetails struct {
	Customer string   `json:"customer" fake:"{name}"`
	Items    []string `json:"items" fake:"{productname}" fakesize:"1,4"`
	Total    float64  `json:"total" fake:"{price:5,200}"`
	Notes    string   `json:"notes" fake:"{sentence:4}"`
}

func main() {
	var (
		brokers  = flag.String("brokers", getEnv("KAFKA_BROKERS", "localhost:9092"), "comma separated kafka brokers")
		topic    = flag.String("topic", getEnv("PAID_ORDER_TOPIC", "paid.order"), "paid order topic")
		count    = flag.Int("count", 10, "number of orders to produce, 0 means forever")
		interval = flag.Duration("interval", time.Second, "delay between orders")
		numeric  = flag.Bool("numeric-ids", false, "send legacy numeric orderId instead of a uuid id")
	)
	flag.Parse()
	logger.Init("paid-order-producer", getEnv("LOG_LEVEL", "info"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	writer := mq.NewKafkaWriter(strings.Split(*brokers, ","), "")
	defer writer.Close()
	producer := adapter.NewPaidOrderKafkaProducer(writer, *topic)

	for i := 0; *count == 0 || i < *count; i++ {
		var details orderDetails
		if err := gofakeit.Struct(&details); err != nil {
			zlog.Fatal().Err(err).Msg("failed to generate order details")
		}
		event, err := newPaidOrderEvent(details, *numeric)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to encode order details")
		}

		if err := producer.Produce(ctx, event); err != nil {
			zlog.Error().Err(err).Msg("failed to produce paid order")
		} else {
			zlog.Info().Str("order_id", event.OrderIdentifier()).Msg("Paid order produced")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(*interval):
		}
	}
}

// newPaidOrderEvent 编码订单详情并分配随机订单号，numeric 时使用旧版数字 orderId
func newPaidOrderEvent(details any, numeric bool) (*domain.PaidOrderEvent, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode order details: %w", err)
	}
	event := &domain.PaidOrderEvent{Details: raw}
	if numeric {
		event.LegacyID = domain.OrderID(gofakeit.DigitN(8))
	} else {
		event.ID = domain.OrderID(gofakeit.UUID())
	}
	return event, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
