package port

import (
	"context"
	"time"

	"orderproduction/internal/service/orderstatus/domain"
)

// KeepTTL 作为 Set 的 ttl 参数时，表示只更新已存在的记录并保留其剩余 TTL
const KeepTTL time.Duration = -1

// OrderStore 是订单状态存储的出站端口，由基础设施层 (Redis) 实现。
type OrderStore interface {
	// Get 读取一条订单记录，不存在时返回 domain.ErrOrderNotFound。
	Get(ctx context.Context, key string) (*domain.Order, error)

	// Set 写入一条订单记录。ttl 为 KeepTTL 时，记录必须已存在，否则返回 domain.ErrOrderNotFound。
	Set(ctx context.Context, key string, order *domain.Order, ttl time.Duration) error

	// KeysMatching 列出所有以 prefix 开头的 key，顺序不保证。
	KeysMatching(ctx context.Context, prefix string) ([]string, error)
}
