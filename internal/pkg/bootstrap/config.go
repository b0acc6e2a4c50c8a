// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是服务的全部配置。加载顺序: 默认值 -> YAML 文件 -> 环境变量。
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Infra   InfraConfig   `yaml:"infra"`
	App     AppConfig     `yaml:"app"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	HTTPPort int    `yaml:"httpPort"`
	LogLevel string `yaml:"logLevel"`
}

type InfraConfig struct {
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"`
	PaidOrderTopic    string        `yaml:"paidOrderTopic"`
	UpdatedOrderTopic string        `yaml:"updatedOrderTopic"`
	DeadLetterTopic   string        `yaml:"deadLetterTopic"`
	ConsumerGroup     string        `yaml:"consumerGroup"`
	PublishTimeout    time.Duration `yaml:"publishTimeout"`
}

type RedisConfig struct {
	Addrs     string        `yaml:"addrs"`
	Timeout   time.Duration `yaml:"timeout"`
	RecordTTL time.Duration `yaml:"recordTTL"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// ZookeeperConfig 为空时不启用订单锁
type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	LockWait       time.Duration `yaml:"lockWait"`
}

// NacosConfig 中 ServerAddrs 为空时不做服务注册
type NacosConfig struct {
	ServerAddrs string `yaml:"serverAddrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

type AppConfig struct {
	// TransitionRule 是 CEL 表达式，为空时不校验状态流转
	TransitionRule    string        `yaml:"transitionRule"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	RetryBackoff      time.Duration `yaml:"retryBackoff"`
	ProcessingTimeout time.Duration `yaml:"processingTimeout"`
	FetchConcurrency  int           `yaml:"fetchConcurrency"`  // 按状态查询时并发读取 store 的上限
	EnableProducerAPI bool          `yaml:"enableProducerApi"` // 测试投递接口，默认关闭
}

// DefaultConfig 返回本地开发可直接使用的默认配置
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "order-status-service",
			HTTPPort: 8080,
			LogLevel: "info",
		},
		Infra: InfraConfig{
			Kafka: KafkaConfig{
				Brokers:           []string{"localhost:9092"},
				PaidOrderTopic:    "paid.order",
				UpdatedOrderTopic: "updated.order",
				DeadLetterTopic:   "paid.order.dlt",
				ConsumerGroup:     "order-status-service",
				PublishTimeout:    3 * time.Second,
			},
			Redis: RedisConfig{
				Addrs:     "localhost:6379",
				Timeout:   3 * time.Second,
				RecordTTL: 30 * time.Minute,
			},
			Jaeger: JaegerConfig{Endpoint: "http://localhost:14268/api/traces"},
			Zookeeper: ZookeeperConfig{
				SessionTimeout: 10 * time.Second,
				LockWait:       5 * time.Second,
			},
			Nacos: NacosConfig{Group: "DEFAULT_GROUP"},
		},
		App: AppConfig{
			MaxAttempts:       3,
			RetryBackoff:      500 * time.Millisecond,
			ProcessingTimeout: 10 * time.Second,
			FetchConcurrency:  16,
			EnableProducerAPI: false,
		},
	}
}

// LoadConfig 读取 path 指向的 YAML 文件 (文件不存在时跳过)，再用环境变量覆盖。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// 没有配置文件时完全依赖默认值和环境变量
		default:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)
	if port := os.Getenv("HTTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT %q: %w", port, err)
		}
		c.Service.HTTPPort = p
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Infra.Kafka.Brokers = splitList(brokers)
	}
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	if servers := os.Getenv("ZOOKEEPER_SERVERS"); servers != "" {
		c.Infra.Zookeeper.Servers = splitList(servers)
	}
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	c.App.TransitionRule = getEnv("TRANSITION_RULE", c.App.TransitionRule)
	return nil
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
