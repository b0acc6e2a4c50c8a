package application

import (
	"time"

	"orderproduction/internal/service/orderstatus/port"
)

// Option 用于配置 OrderStatusService 的可选能力
type Option func(*OrderStatusService)

// WithTransitionPolicy 启用状态流转校验
func WithTransitionPolicy(policy port.TransitionPolicy) Option {
	return func(s *OrderStatusService) { s.policy = policy }
}

// WithLocker 让 UpdateStatus 在读-改-写期间持有单个订单的锁
func WithLocker(locker port.OrderLocker) Option {
	return func(s *OrderStatusService) { s.locker = locker }
}

func WithRecordTTL(ttl time.Duration) Option {
	return func(s *OrderStatusService) {
		if ttl > 0 {
			s.recordTTL = ttl
		}
	}
}

// WithUpdatedTopic 覆盖状态更新通知的主题
func WithUpdatedTopic(topic string) Option {
	return func(s *OrderStatusService) {
		if topic != "" {
			s.updatedTopic = topic
		}
	}
}

// WithFetchConcurrency 限制 GetOrdersByStatus 并发读取 store 的数量
func WithFetchConcurrency(n int) Option {
	return func(s *OrderStatusService) {
		if n > 0 {
			s.fetchConcurrency = n
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *OrderStatusService) { s.now = now }
}

func withEventIDs(next func() string) Option {
	return func(s *OrderStatusService) { s.newEventID = next }
}
