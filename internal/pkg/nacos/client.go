// internal/pkg/nacos/client.go
package nacos

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"orderproduction/internal/pkg/logger"
)

const defaultGroup = "DEFAULT_GROUP"

// Instance 描述一个要注册的服务实例。
// Metadata 会原样写入 Nacos，用来标明实例消费 / 生产了哪些主题。
type Instance struct {
	ServiceName string
	IP          string
	Port        int
	Metadata    map[string]string
}

// Registry 负责本服务实例在 Nacos 中的注册与注销
type Registry struct {
	namingClient naming_client.INamingClient
	group        string
}

// ParseServerConfigs 解析 "ip1:port1,ip2:port2" 格式的地址
func ParseServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		host, portStr, ok := strings.Cut(strings.TrimSpace(addr), ":")
		if !ok || host == "" || strings.Contains(portStr, ":") {
			return nil, fmt.Errorf("invalid nacos address %q, want host:port", addr)
		}
		port, err := strconv.ParseUint(portStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address %q: %w", addr, err)
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(host, port))
	}
	return serverConfigs, nil
}

// NewRegistry 连接 Nacos。namespace 为空时使用 public 命名空间。
func NewRegistry(addrs, namespace, group string) (*Registry, error) {
	ctx := context.Background()
	if group == "" {
		group = defaultGroup
	}

	serverConfigs, err := ParseServerConfigs(addrs)
	if err != nil {
		return nil, err
	}

	clientConfig := constant.NewClientConfig(
		constant.WithNamespaceId(namespace),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
	)
	namingClient, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos naming client: %w", err)
	}

	logger.Ctx(ctx).Info().Str("addrs", addrs).Str("namespace", namespace).Str("group", group).
		Msg("✅ Connected to Nacos.")
	return &Registry{namingClient: namingClient, group: group}, nil
}

func (r *Registry) registerParam(inst Instance) vo.RegisterInstanceParam {
	return vo.RegisterInstanceParam{
		Ip:          inst.IP,
		Port:        uint64(inst.Port),
		ServiceName: inst.ServiceName,
		GroupName:   r.group,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true, // 心跳断开后自动摘除
		Metadata:    inst.Metadata,
	}
}

// Register 注册实例
func (r *Registry) Register(ctx context.Context, inst Instance) error {
	ok, err := r.namingClient.RegisterInstance(r.registerParam(inst))
	if err != nil {
		return fmt.Errorf("register %s with nacos: %w", inst.ServiceName, err)
	}
	if !ok {
		return fmt.Errorf("nacos rejected registration of %s", inst.ServiceName)
	}
	logger.Ctx(ctx).Info().
		Str("service", inst.ServiceName).
		Str("ip", inst.IP).
		Int("port", inst.Port).
		Interface("metadata", inst.Metadata).
		Msg("✅ Instance registered to Nacos.")
	return nil
}

// Deregister 注销实例
func (r *Registry) Deregister(ctx context.Context, inst Instance) error {
	_, err := r.namingClient.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          inst.IP,
		Port:        uint64(inst.Port),
		ServiceName: inst.ServiceName,
		GroupName:   r.group,
		Ephemeral:   true,
	})
	if err != nil {
		return fmt.Errorf("deregister %s from nacos: %w", inst.ServiceName, err)
	}
	logger.Ctx(ctx).Info().Str("service", inst.ServiceName).Msg("Instance deregistered from Nacos.")
	return nil
}

func (r *Registry) Close() {
	if r.namingClient != nil {
		r.namingClient.CloseClient()
	}
}
