// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"orderproduction/internal/pkg/logger"
)

const (
	lockRoot = "/order_status_locks" // 所有订单锁的根节点
)

// Conn 是 DistributedLock 需要的 ZooKeeper 能力，*zk.Conn 满足该接口。
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
}

// Connect 连接 ZooKeeper 集群。
func Connect(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper %v: %w", servers, err)
	}
	return conn, nil
}

// DistributedLock 定义了一个分布式锁对象
type DistributedLock struct {
	conn     Conn   // ZooKeeper连接
	path     string // 锁的路径，例如 /order_status_locks/order-123
	lockNode string // 成功获取锁后，自己创建的节点路径
	wait     time.Duration
}

// NewDistributedLock 创建一个新的分布式锁实例，必要时创建父节点。
func NewDistributedLock(conn Conn, resourceID string, wait time.Duration) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensureNode(conn, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: conn, path: lockPath, wait: wait}, nil
}

// TODO: 每个订单的父节点不会被删除，ZooKeeper 3.5+ 上应改用 container 节点。
func ensureNode(conn Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return fmt.Errorf("failed to check lock node %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("failed to create lock node %s: %w", path, err)
	}
	return nil
}

// Lock 尝试获取锁，如果获取不到则阻塞等待，直到 ctx 结束或超过等待上限
func (l *DistributedLock) Lock(ctx context.Context) error {
	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath

	timeout := time.NewTimer(l.wait)
	defer timeout.Stop()

	for {
		// 2. 获取锁路径下的所有子节点，按序号排序
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

		// 3. 判断自己是否是最小的节点
		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		myIndex := -1
		for i, child := range children {
			if child == myNodeName {
				myIndex = i
				break
			}
		}
		if myIndex < 0 {
			l.abandon()
			return errors.New("cannot find own lock node, session may have expired")
		}
		if myIndex == 0 {
			return nil
		}

		// 4. 不是最小节点，监听前一个节点
		prevNodePath := l.path + "/" + children[myIndex-1]
		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
			// 前一个节点发生变化 (通常是被删除)，重新竞争
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		case <-timeout.C:
			l.abandon()
			return errors.New("timeout waiting for lock")
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) abandon() {
	if l.lockNode != "" {
		_ = l.conn.Delete(l.lockNode, -1)
		l.lockNode = ""
	}
}

// sequence 取出顺序节点名末尾的 10 位序号。
// protected 节点名带有 "_c_<guid>-" 前缀，不能直接按字符串排序。
func sequence(node string) string {
	if len(node) < 10 {
		return node
	}
	return node[len(node)-10:]
}

// OrderLocker 用 ZooKeeper 为单个订单的读-改-写提供互斥，实现了 port.OrderLocker。
type OrderLocker struct {
	conn Conn
	wait time.Duration
}

func NewOrderLocker(conn Conn, wait time.Duration) *OrderLocker {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &OrderLocker{conn: conn, wait: wait}
}

func (o *OrderLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	// 订单号可能包含 '/'，转义后才能作为单个 znode 名
	lock, err := NewDistributedLock(o.conn, "order-"+url.PathEscape(orderID), o.wait)
	if err != nil {
		return nil, err
	}
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("Failed to release order lock")
		}
	}, nil
}
