package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"userop-generator/pkg/logger"
)

// Config 描述 useropd 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
	Chains     ChainsConfig     `json:"chains"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Submission SubmissionConfig `json:"submission"`
	Keys       KeysConfig       `json:"keys"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的监听地址。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 映射到进程日志配置。
type LoggingConfig struct {
	Level       string             `json:"level"`
	Format      string             `json:"format"`
	OutputPaths []string           `json:"output_paths"`
	Audit       logger.AuditConfig `json:"audit"`
}

// ChainsConfig 指向链目录文件。
type ChainsConfig struct {
	Catalog string `json:"catalog"`
}

// StorageConfig 描述提交记录的持久化后端。
type StorageConfig struct {
	OperationStore OperationStoreConfig `json:"operation_store"`
}

// OperationStoreConfig 支持 memory 与 mysql 两种驱动。
type OperationStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述提交队列后端，支持 memory、redis 与 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// SubmissionConfig 控制上链提交行为。
type SubmissionConfig struct {
	Enabled     bool   `json:"enabled"`
	Beneficiary string `json:"beneficiary"`
	MaxRetries  int    `json:"max_retries"`
}

// KeysConfig 描述签名与提交所用的私钥来源。
// private_key_env 优先于 private_key，便于把密钥留在环境变量里。
type KeysConfig struct {
	PrivateKey    string `json:"private_key"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// SigningKey 解析出实际使用的私钥十六进制串。
func (k KeysConfig) SigningKey() string {
	if k.PrivateKeyEnv != "" {
		if value := os.Getenv(k.PrivateKeyEnv); value != "" {
			return value
		}
	}
	return k.PrivateKey
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9000"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Chains.Catalog == "" {
		c.Chains.Catalog = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.Catalog) {
		c.Chains.Catalog = filepath.Join(baseDir, c.Chains.Catalog)
	}

	if c.Storage.OperationStore.Driver == "" {
		c.Storage.OperationStore.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Submission.MaxRetries <= 0 {
		c.Submission.MaxRetries = 3
	}
}
