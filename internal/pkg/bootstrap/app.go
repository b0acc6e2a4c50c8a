// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"orderproduction/internal/pkg/logger"
	"orderproduction/internal/pkg/nacos"
)

const shutdownTimeout = 10 * time.Second

// Component 是随服务一起启动、关停的后台组件 (例如 Kafka 消费者)
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

type AppCtx struct {
	Mux *http.ServeMux
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 一个函数，允许每个服务注册自己独特的 HTTP 路由
	Components       []Component
	Nacos            NacosConfig
	Metadata         map[string]string // 注册到 Nacos 的实例元数据
	// Closers 在所有组件停止后按注册的逆序执行 (后进先出)
	Closers []func(ctx context.Context) error
}

// StartService 封装了服务的通用启动和优雅关停逻辑，阻塞直到收到 SIGINT/SIGTERM。
func StartService(info AppInfo) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 注册 HTTP 路由
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux})
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(info.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 2. 启动后台组件
	var started []Component
	for _, c := range info.Components {
		if err := c.Start(ctx); err != nil {
			stopComponents(context.Background(), started)
			return fmt.Errorf("start component: %w", err)
		}
		started = append(started, c)
	}

	// 3. (可选) 注册到 Nacos
	deregister, err := registerWithNacos(ctx, info)
	if err != nil {
		stopComponents(context.Background(), started)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Ctx(gctx).Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", server.Addr, err)
		}
		return nil
	})

	// 4. 优雅关停
	g.Go(func() error {
		<-gctx.Done()
		logger.Ctx(gctx).Info().Msgf("Shutting down service %s...", info.ServiceName)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// a. 从 Nacos 注销服务，不再接收新流量
		deregister()

		// b. 关闭 HTTP 服务器
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Ctx(shutdownCtx).Error().Err(err).Msg("Error shutting down http server")
		} else {
			logger.Ctx(shutdownCtx).Info().Msg("HTTP server shut down.")
		}

		// c. 停止消费者等后台组件
		stopComponents(shutdownCtx, started)

		// d. 关闭 writer / 连接池 / tracer 等资源 (后进先出)
		for i := len(info.Closers) - 1; i >= 0; i-- {
			if err := info.Closers[i](shutdownCtx); err != nil {
				logger.Ctx(shutdownCtx).Error().Err(err).Msg("Error releasing resource")
			}
		}

		logger.Ctx(shutdownCtx).Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
		return nil
	})

	return g.Wait()
}

func stopComponents(ctx context.Context, components []Component) {
	for i := len(components) - 1; i >= 0; i-- {
		components[i].Stop(ctx)
	}
}

// registerWithNacos 在配置了 Nacos 地址时注册实例，返回注销函数
func registerWithNacos(ctx context.Context, info AppInfo) (func(), error) {
	if info.Nacos.ServerAddrs == "" {
		return func() {}, nil
	}

	registry, err := nacos.NewRegistry(info.Nacos.ServerAddrs, info.Nacos.Namespace, info.Nacos.Group)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize nacos registry: %w", err)
	}

	ip, err := GetOutboundIP()
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("failed to get outbound IP address: %w", err)
	}

	inst := nacos.Instance{ServiceName: info.ServiceName, IP: ip, Port: info.Port, Metadata: info.Metadata}
	if err := registry.Register(ctx, inst); err != nil {
		registry.Close()
		return nil, err
	}

	return func() {
		if err := registry.Deregister(context.WithoutCancel(ctx), inst); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Error deregistering from Nacos")
		}
		registry.Close()
	}, nil
}

// GetOutboundIP 返回本机对外通信使用的 IP，用于服务注册
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
