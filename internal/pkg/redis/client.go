// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"orderproduction/internal/pkg/logger"
)

// Client 封装了 go-redis 的 UniversalClient。
// 传入一个地址时是单机模式，多个地址 ("host1:6379,host2:6379") 时是集群模式。
type Client struct {
	client goredis.UniversalClient
}

// NewClient 根据逗号分隔的地址列表创建客户端并做一次连通性检查。
func NewClient(addrs string) (*Client, error) {
	addrList := strings.Split(addrs, ",")
	for i := range addrList {
		addrList[i] = strings.TrimSpace(addrList[i])
	}

	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        addrList,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addrs, err)
	}

	logger.Ctx(ctx).Info().Strs("addrs", addrList).Msg("✅ Successfully connected to Redis.")
	return &Client{client: rdb}, nil
}

// NewFromUniversal 用一个已有的 go-redis 客户端构造 Client (测试中使用 miniredis)。
func NewFromUniversal(rdb goredis.UniversalClient) *Client {
	return &Client{client: rdb}
}

// GetClient 暴露底层客户端，供需要直接调用 go-redis API 的适配器使用。
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

// ScanKeys 用 SCAN 遍历所有匹配 pattern 的 key。
// 集群模式下会在每个 master 节点上分别执行 SCAN。
func (c *Client) ScanKeys(ctx context.Context, pattern string, count int64) ([]string, error) {
	if cluster, ok := c.client.(*goredis.ClusterClient); ok {
		var (
			mu  sync.Mutex
			all []string
		)
		// ForEachMaster 会并发地在各个 master 上执行回调
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *goredis.Client) error {
			ks, err := scan(ctx, node, pattern, count)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, ks...)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return all, nil
	}
	return scan(ctx, c.client, pattern, count)
}

func scan(ctx context.Context, rdb goredis.Cmdable, pattern string, count int64) ([]string, error) {
	var keys []string
	iter := rdb.Scan(ctx, 0, pattern, count).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close 关闭连接池。
func (c *Client) Close() error {
	return c.client.Close()
}
