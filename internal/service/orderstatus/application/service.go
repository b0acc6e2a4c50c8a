// internal/service/orderstatus/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"orderproduction/internal/pkg/logger"
	"orderproduction/internal/pkg/metrics"
	"orderproduction/internal/service/orderstatus/domain"
	"orderproduction/internal/service/orderstatus/port"
)

// UpdatedOrderTopic 是状态变更通知的默认主题
const UpdatedOrderTopic = "updated.order"

const defaultFetchConcurrency = 16

// OrderStatusService 是订单当前状态的唯一协调者：
// 所有对 store 的读写、以及状态变更通知的发布都经过它。
type OrderStatusService struct {
	store     port.OrderStore
	publisher port.EventPublisher
	tracer    trace.Tracer

	policy port.TransitionPolicy
	locker port.OrderLocker

	recordTTL        time.Duration
	updatedTopic     string
	fetchConcurrency int

	now        func() time.Time
	newEventID func() string
}

func NewOrderStatusService(store port.OrderStore, publisher port.EventPublisher, tracer trace.Tracer, opts ...Option) *OrderStatusService {
	s := &OrderStatusService{
		store:            store,
		publisher:        publisher,
		tracer:           tracer,
		recordTTL:        domain.RecordTTL,
		updatedTopic:     UpdatedOrderTopic,
		fetchConcurrency: defaultFetchConcurrency,
		now:              time.Now,
		newEventID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest 记录一个新的已支付订单。没有状态时补为初始状态，并以固定 TTL 写入 store。
// 重复投递同一订单时后写覆盖前写，结果等价。
func (s *OrderStatusService) Ingest(ctx context.Context, order *domain.Order) error {
	ctx, span := s.tracer.Start(ctx, "app.Ingest", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if order == nil || order.ID == "" {
		err := fmt.Errorf("%w: order id is required", domain.ErrMalformedEvent)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid order")
		return err
	}

	order.EnsureStatus()
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.status", order.Status.String()),
	)

	if err := s.store.Set(ctx, domain.OrderKey(order.ID), order, s.recordTTL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to store ingested order")
		metrics.OrdersIngested.WithLabelValues("error").Inc()
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("Failed to store ingested order")
		return err
	}

	metrics.OrdersIngested.WithLabelValues("success").Inc()
	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("status", order.Status.String()).
		Msg("Order ingested")
	return nil
}

// GetOrder 按 ID 查询订单，不存在时返回 domain.ErrOrderNotFound。
func (s *OrderStatusService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id))

	order, err := s.store.Get(ctx, domain.OrderKey(id))
	if err != nil {
		if !errors.Is(err, domain.ErrOrderNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to read order")
		}
		return nil, err
	}
	return order, nil
}

// UpdateStatus 读取当前记录、修改状态、保留 TTL 写回，写入成功后再发布变更通知。
//
// 通知发布失败不会让调用失败：此时 store 已经提交，调用方看到的是成功，
// 但下游可能收不到这次通知。这是 store 与事件流之间唯一不保证一致的地方。
func (s *OrderStatusService) UpdateStatus(ctx context.Context, id string, status domain.Status) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", id),
		attribute.String("order.new_status", status.String()),
	)

	if !status.IsValid() {
		err := fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid target status")
		metrics.StatusUpdates.WithLabelValues("invalid", "rejected").Inc()
		return nil, err
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to acquire order lock")
			metrics.StatusUpdates.WithLabelValues(status.String(), "error").Inc()
			return nil, fmt.Errorf("acquire lock for order %s: %w", id, err)
		}
		defer unlock()
	}

	key := domain.OrderKey(id)
	order, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, s.failUpdate(ctx, span, id, status, err)
	}

	if s.policy != nil {
		allowed, err := s.policy.Allow(ctx, order.Status, status)
		if err != nil {
			return nil, s.failUpdate(ctx, span, id, status, fmt.Errorf("evaluate transition policy: %w", err))
		}
		if !allowed {
			err := fmt.Errorf("%w: %s -> %s", domain.ErrTransitionNotAllowed, order.Status, status)
			span.RecordError(err)
			span.SetStatus(codes.Error, "Transition rejected by policy")
			metrics.StatusUpdates.WithLabelValues(status.String(), "rejected").Inc()
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", id).Msg("Status transition rejected")
			return nil, err
		}
	}

	previous := order.ChangeStatus(status)

	// 只更新已存在的记录，保留剩余 TTL；记录恰好在读和写之间过期时返回 ErrOrderNotFound
	if err := s.store.Set(ctx, key, order, port.KeepTTL); err != nil {
		return nil, s.failUpdate(ctx, span, id, status, err)
	}
	span.AddEvent("Order status stored.")
	metrics.StatusUpdates.WithLabelValues(status.String(), "success").Inc()

	logger.Ctx(ctx).Info().
		Str("order_id", id).
		Str("previous_status", previous.String()).
		Str("status", status.String()).
		Msg("Order status updated")

	s.notifyStatusUpdated(ctx, span, order, previous)
	return order, nil
}

func (s *OrderStatusService) failUpdate(ctx context.Context, span trace.Span, id string, status domain.Status, err error) error {
	if errors.Is(err, domain.ErrOrderNotFound) {
		span.SetStatus(codes.Error, "Order not found")
		metrics.StatusUpdates.WithLabelValues(status.String(), "not_found").Inc()
		logger.Ctx(ctx).Info().Str("order_id", id).Msg("Status update for unknown order")
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "Failed to update order status")
	metrics.StatusUpdates.WithLabelValues(status.String(), "error").Inc()
	logger.Ctx(ctx).Error().Err(err).Str("order_id", id).Msg("Failed to update order status")
	return err
}

// notifyStatusUpdated 发布状态变更通知。失败只记录，不回滚也不向上返回。
func (s *OrderStatusService) notifyStatusUpdated(ctx context.Context, span trace.Span, order *domain.Order, previous domain.Status) {
	event := domain.OrderStatusUpdated{
		EventID:        s.newEventID(),
		OrderID:        order.ID,
		Status:         order.Status,
		PreviousStatus: previous,
		OccurredAt:     s.now().UTC(),
	}

	// store 已经提交，调用方取消请求也要把通知发出去
	publishCtx := context.WithoutCancel(ctx)
	if err := s.publisher.Publish(publishCtx, s.updatedTopic, order.ID, event); err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrPublishFailed, err)
		span.RecordError(err, trace.WithAttributes(attribute.Bool("notification.lost", true)))
		metrics.NotificationFailures.Inc()
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", order.ID).
			Str("status", order.Status.String()).
			Str("topic", s.updatedTopic).
			Msg("CRITICAL: status stored but notification was not published")
		return
	}

	span.AddEvent("Status notification published.", trace.WithAttributes(
		attribute.String("messaging.destination", s.updatedTopic),
		attribute.String("event.id", event.EventID),
	))
}

// GetOrdersByStatus 遍历所有订单 key，读取后按状态过滤。
// 遍历和读取之间过期的记录直接跳过，无法解析的记录记录告警后跳过。没有匹配时返回空切片而不是 nil。
func (s *OrderStatusService) GetOrdersByStatus(ctx context.Context, status domain.Status) ([]*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetOrdersByStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order.status", status.String()))

	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}

	keys, err := s.store.KeysMatching(ctx, domain.OrderKeyPrefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to enumerate order keys")
		return nil, err
	}

	orders := make([]*domain.Order, 0)
	if len(keys) == 0 {
		return orders, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			order, err := s.store.Get(gctx, key)
			if errors.Is(err, domain.ErrOrderNotFound) {
				return nil
			}
			if errors.Is(err, domain.ErrCorruptRecord) {
				metrics.SkippedRecords.Inc()
				logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("⚠️ Skipping unreadable order record")
				return nil
			}
			if err != nil {
				return err
			}
			if order.Status == status {
				mu.Lock()
				orders = append(orders, order)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to fetch orders")
		return nil, err
	}

	span.SetAttributes(attribute.Int("orders.scanned", len(keys)), attribute.Int("orders.matched", len(orders)))
	return orders, nil
}
