package port

import (
	"context"

	"orderproduction/internal/service/orderstatus/domain"
)

// TransitionPolicy 决定一次状态流转是否合法。默认不配置，任何流转都被接受。
type TransitionPolicy interface {
	Allow(ctx context.Context, from, to domain.Status) (bool, error)
}

// OrderLocker 为单个订单的读-改-写提供互斥。默认不配置 (最后一次写入生效)。
type OrderLocker interface {
	// Lock 阻塞直到拿到锁，返回的 unlock 必须被调用。
	Lock(ctx context.Context, orderID string) (unlock func(), err error)
}
