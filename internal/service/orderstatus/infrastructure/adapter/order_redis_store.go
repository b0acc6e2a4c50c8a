package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"orderproduction/internal/pkg/metrics"
	"orderproduction/internal/pkg/redis"
	"orderproduction/internal/service/orderstatus/domain"
	"orderproduction/internal/service/orderstatus/port"
)

const (
	defaultStoreTimeout = 3 * time.Second
	scanBatchSize       = 200
)

// OrderRedisStore 是 port.OrderStore 的 Redis 实现，每个订单一个 JSON 字符串 value。
type OrderRedisStore struct {
	redisClient *redis.Client
	timeout     time.Duration
}

var _ port.OrderStore = (*OrderRedisStore)(nil)

// NewOrderRedisStore 创建一个 store 适配器。timeout 是单次 Redis 调用的上限，<=0 时使用默认值。
func NewOrderRedisStore(redisClient *redis.Client, timeout time.Duration) *OrderRedisStore {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &OrderRedisStore{redisClient: redisClient, timeout: timeout}
}

func (s *OrderRedisStore) Get(ctx context.Context, key string) (order *domain.Order, err error) {
	defer observe("get", time.Now(), &err)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.redisClient.GetClient().Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrOrderNotFound
	}
	if isWrongType(err) {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrCorruptRecord, key, err)
	}
	if err != nil {
		return nil, unavailable("get", key, err)
	}

	order = new(domain.Order)
	if err := json.Unmarshal(raw, order); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", domain.ErrCorruptRecord, key, err)
	}
	return order, nil
}

func (s *OrderRedisStore) Set(ctx context.Context, key string, order *domain.Order, ttl time.Duration) (err error) {
	defer observe("set", time.Now(), &err)

	data, err := json.Marshal(order)
	if err != nil {
		return errors.Wrapf(err, "encode order record %s", key)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rdb := s.redisClient.GetClient()
	if ttl == port.KeepTTL {
		// SET key value XX KEEPTTL: 只覆盖已存在的 key，不改变剩余 TTL
		err = rdb.SetArgs(ctx, key, data, goredis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
		if errors.Is(err, goredis.Nil) {
			return domain.ErrOrderNotFound
		}
	} else {
		err = rdb.Set(ctx, key, data, ttl).Err()
	}
	if err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func (s *OrderRedisStore) KeysMatching(ctx context.Context, prefix string) (keys []string, err error) {
	defer observe("keys", time.Now(), &err)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, err = s.redisClient.ScanKeys(ctx, prefix+"*", scanBatchSize)
	if err != nil {
		return nil, unavailable("scan", prefix+"*", err)
	}
	return keys, nil
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", domain.ErrStoreUnavailable, op, key, err)
}

func observe(op string, start time.Time, errp *error) {
	result := "success"
	if *errp != nil && !errors.Is(*errp, domain.ErrOrderNotFound) {
		result = "error"
	}
	metrics.StoreOperationSeconds.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// isWrongType 判断 key 是否被其他类型的值占用 (例如 list / hash)
func isWrongType(err error) bool {
	var rerr goredis.Error
	return errors.As(err, &rerr) && strings.HasPrefix(rerr.Error(), "WRONGTYPE")
}
